package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gaboibarra/fraudchain/internal/metrics"
	"github.com/gaboibarra/fraudchain/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		Long: `Serve scoring and registration over HTTP until interrupted.

Routes:
  GET  /healthz
  GET  /metrics
  GET  /v1/ledger/{fingerprint}
  POST /v1/score
  POST /v1/register`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides FRAUDCHAIN_LISTEN)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			opts.log().Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := opts.openApp(ctx)
	if err != nil {
		return formatter.Failure("start pipeline", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			opts.log().Error("error closing pipeline", "error", closeErr)
		}
	}()

	listen := opts.Listen
	if listen == "" {
		listen = a.Config.Server.Listen
	}

	metrics.Register()
	opts.log().Info("serving", "listen", listen, "config", a.Config)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", listen)

	err = server.New(a, opts.log()).ListenAndServe(ctx, listen)
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "serve", err)
	}
	return nil
}
