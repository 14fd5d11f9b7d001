package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

// FingerprintOptions holds flags for the fingerprint command.
type FingerprintOptions struct {
	*RootOptions
	Features  FeatureFlags
	Threshold float64
	Reference string
}

// FingerprintResult is the output of the fingerprint command.
type FingerprintResult struct {
	Decision        fingerprint.Fingerprint `json:"decisionFingerprint"`
	Reference       fingerprint.Fingerprint `json:"referenceFingerprint"`
	ReferenceSource string                  `json:"referenceSource"` // "caller" or "timestamp"
}

// Text implements Texter.
func (r FingerprintResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision:  %s\n", r.Decision.Hex())
	fmt.Fprintf(&b, "reference: %s (%s)\n", r.Reference.Hex(), r.ReferenceSource)
	return b.String()
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FingerprintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute decision and reference fingerprints offline",
		Long: `Compute the fingerprints register would use, without touching the ledger
or the chain.

Without --reference the reference fingerprint is derived from the current
time and differs on every run.

Example:
  fraudchain fingerprint -f Amount=149.62 -f V1=-1.36 --threshold 0.42 --reference order-1001`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(opts, cmd)
		},
	}

	opts.Features.register(cmd)
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "decision threshold (required)")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "caller transaction reference")
	_ = cmd.MarkFlagRequired("threshold")

	return cmd
}

func runFingerprint(opts *FingerprintOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	features, err := opts.Features.Parse()
	if err != nil {
		_ = formatter.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid features", err)
	}
	decision, err := fingerprint.Decision(features, opts.Threshold)
	if err != nil {
		return formatter.Failure("fingerprint decision", err)
	}

	res := FingerprintResult{
		Decision:        decision,
		Reference:       fingerprint.ReferenceOrTimestamp(opts.Reference, time.Now()),
		ReferenceSource: "caller",
	}
	if opts.Reference == "" {
		res.ReferenceSource = "timestamp"
	}
	return formatter.Success(res)
}
