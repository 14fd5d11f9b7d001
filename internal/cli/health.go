package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaboibarra/fraudchain/internal/app"
)

// HealthOptions holds flags for the health command.
type HealthOptions struct {
	*RootOptions
	Timeout time.Duration
}

type healthOutput struct {
	app.Health
}

// Text implements Texter.
func (h healthOutput) Text() string {
	mark := func(ok bool) string {
		if ok {
			return okText("ok")
		}
		return badText("FAIL")
	}
	var b strings.Builder
	status := badText("UNHEALTHY")
	if h.Healthy {
		status = okText("HEALTHY")
	}
	fmt.Fprintln(&b, status)
	fmt.Fprintf(&b, "  rpc connected:     %s\n", mark(h.Chain.RPCConnected))
	fmt.Fprintf(&b, "  chain id:          %d (%s)\n", h.Chain.ChainID, mark(h.Chain.ChainIDMatches))
	fmt.Fprintf(&b, "  contract:          %s (%s)\n", h.Chain.ContractAddress, mark(h.Chain.ContractDeployed))
	fmt.Fprintf(&b, "  sender:            %s\n", h.Chain.Sender)
	fmt.Fprintf(&b, "  latest block:      %d\n", h.Chain.LatestBlock)
	fmt.Fprintf(&b, "  ledger entries:    %d\n", h.LedgerEntries)
	if h.Error != "" {
		fmt.Fprintf(&b, "  error:             %s\n", h.Error)
	}
	return b.String()
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HealthOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the RPC endpoint, contract and ledger",
		Long: `Check that the RPC endpoint answers, reports the configured chain id,
has code at the contract address, and that the ledger is readable.
Exits 1 when anything is unhealthy.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall deadline for the checks")

	return cmd
}

func runHealth(opts *HealthOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(commandContext(cmd))
	if err != nil {
		return formatter.Failure("start pipeline", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			opts.log().Error("error closing pipeline", "error", closeErr)
		}
	}()

	ctx, cancel := contextWithTimeout(cmd, opts.Timeout)
	defer cancel()

	h, err := a.Health(ctx)
	if err != nil {
		opts.log().Warn("health check failed", "error", err)
	}
	if outErr := formatter.Success(healthOutput{h}); outErr != nil {
		return outErr
	}
	if !h.Healthy {
		return NewExitError(ExitFailure, "unhealthy")
	}
	return nil
}
