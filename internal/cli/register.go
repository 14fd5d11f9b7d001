package cli

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/gaboibarra/fraudchain/internal/fingerprint"
	"github.com/gaboibarra/fraudchain/internal/registry"
)

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Features  FeatureFlags
	Threshold float64
	Reference string

	DecisionHex  string
	ReferenceHex string
}

// resultOutput renders a registry.Result. JSON encoding is the Result's own.
type resultOutput struct {
	registry.Result
}

// Text implements Texter.
func (r resultOutput) Text() string {
	var b strings.Builder
	if r.Skipped() {
		fmt.Fprintf(&b, "%s (%s)\n", skipText("SKIPPED"), r.Reason)
	} else {
		fmt.Fprintf(&b, "%s\n", okText("CONFIRMED"))
	}
	fmt.Fprintf(&b, "  decision:  %s\n", r.Decision.Hex())
	fmt.Fprintf(&b, "  reference: %s\n", r.Reference.Hex())
	if r.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, "  tx:        %s\n", r.TxHash.Hex())
		fmt.Fprintf(&b, "  block:     %d\n", r.BlockNumber)
	}
	if !r.Skipped() {
		fmt.Fprintf(&b, "  nonce:     %d\n", r.Nonce)
		fmt.Fprintf(&b, "  attempts:  %d\n", r.Attempts)
	}
	return b.String()
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Record a secure decision on-chain, at most once",
		Long: `Record a decision fingerprint on the registry contract.

The decision is given either as features plus the threshold it was judged
against, or as precomputed 0x-hex fingerprints. A decision already in the
local ledger is skipped without any network call.

A failure means nothing was recorded locally. The local ledger records a
decision at most once, but on-chain emission is at-least-once: after a
confirmation timeout the earlier transaction may still land, and a rerun
broadcasts again because nothing was recorded. Set
FRAUDCHAIN_DEDUPE_ONCHAIN=true to have a rerun look for the earlier event
on-chain and record it instead of sending a second one.

Examples:
  fraudchain register -f Amount=149.62 -f V1=-1.36 --threshold 0.42 --reference order-1001
  fraudchain register --decision 0xaa... --reference-fingerprint 0xbb...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, cmd)
		},
	}

	opts.Features.register(cmd)
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "decision threshold (required with features)")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "caller transaction reference")
	cmd.Flags().StringVar(&opts.DecisionHex, "decision", "", "precomputed 0x-hex decision fingerprint")
	cmd.Flags().StringVar(&opts.ReferenceHex, "reference-fingerprint", "", "precomputed 0x-hex reference fingerprint")
	cmd.MarkFlagsMutuallyExclusive("decision", "feature")
	cmd.MarkFlagsMutuallyExclusive("decision", "features-json")
	cmd.MarkFlagsMutuallyExclusive("decision", "features-file")
	cmd.MarkFlagsMutuallyExclusive("decision", "threshold")
	cmd.MarkFlagsRequiredTogether("decision", "reference-fingerprint")

	return cmd
}

func runRegister(opts *RegisterOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	// Fingerprints are validated before anything is opened.
	var (
		decision          registry.Decision
		decisionFP, refFP fingerprint.Fingerprint
		err               error
	)
	if opts.DecisionHex != "" {
		if decisionFP, err = fingerprint.Parse(opts.DecisionHex); err != nil {
			return formatter.Failure("parse --decision", err)
		}
		if refFP, err = fingerprint.Parse(opts.ReferenceHex); err != nil {
			return formatter.Failure("parse --reference-fingerprint", err)
		}
	} else {
		if !opts.Features.set() || !cmd.Flags().Changed("threshold") {
			err := fmt.Errorf("features and --threshold, or --decision and --reference-fingerprint, are required")
			_ = formatter.Error(ErrCodeInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid input", err)
		}
		features, err := opts.Features.Parse()
		if err != nil {
			_ = formatter.Error(ErrCodeInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid features", err)
		}
		decision = registry.Decision{Features: features, Threshold: opts.Threshold, Reference: opts.Reference}
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

	var res registry.Result
	if opts.DecisionHex != "" {
		res, err = a.Service.RegisterFingerprints(ctx, decisionFP, refFP)
	} else {
		res, err = a.Service.RegisterSecureDecision(ctx, decision)
	}
	if err != nil {
		return formatter.Failure("register decision", err)
	}
	return formatter.Success(resultOutput{res})
}
