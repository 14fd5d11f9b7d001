package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gaboibarra/fraudchain/internal/registry"
)

// ScoreOptions holds flags for the score command.
type ScoreOptions struct {
	*RootOptions
	Features  FeatureFlags
	Reference string
}

type evaluationOutput struct {
	registry.Evaluation
}

// Text implements Texter.
func (e evaluationOutput) Text() string {
	var b strings.Builder
	verdict := badText("FRAUD")
	if e.Secure {
		verdict = okText("SECURE")
	}
	fmt.Fprintf(&b, "%s score=%.4f threshold=%.4f latency=%.1fms\n", verdict, e.Score, e.Threshold, e.LatencyMS)
	fmt.Fprintf(&b, "  decision:  %s\n", e.Decision.Hex())
	if e.OnChain != nil {
		b.WriteString(indent(resultOutput{*e.OnChain}.Text()))
	}
	return b.String()
}

func indent(s string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString("  " + l)
		}
	}
	return b.String()
}

// NewScoreCommand creates the score command.
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a transaction and register it when secure",
		Long: `Score a feature vector with the configured oracle. A decision scoring
below the threshold is secure and is registered on-chain exactly as
register would; fraud decisions are only reported.

Features missing from the oracle's declared order count as zero and extra
features are ignored.

Example:
  fraudchain score --features-json '{"Amount":149.62,"V1":-1.36}' --reference order-1001`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(opts, cmd)
		},
	}

	opts.Features.register(cmd)
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "caller transaction reference")

	return cmd
}

func runScore(opts *ScoreOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	if !opts.Features.set() {
		err := fmt.Errorf("at least one feature is required")
		_ = formatter.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid input", err)
	}
	features, err := opts.Features.Parse()
	if err != nil {
		_ = formatter.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid features", err)
	}

	a, err := opts.openApp(ctx)
	if err != nil {
		return formatter.Failure("start pipeline", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			opts.log().Error("error closing pipeline", "error", closeErr)
		}
	}()

	ev, err := a.Service.Evaluate(ctx, features, opts.Reference)
	if err != nil {
		return formatter.Failure("score decision", err)
	}
	return formatter.Success(evaluationOutput{ev})
}
