package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gaboibarra/fraudchain/internal/fingerprint"
	"github.com/gaboibarra/fraudchain/internal/ledger"
)

// LedgerOptions holds flags shared by the ledger subcommands.
type LedgerOptions struct {
	*RootOptions
	DSN    string
	Output string
}

// LedgerList is the output of ledger list.
type LedgerList struct {
	Count   int            `json:"count"`
	Entries []ledger.Entry `json:"entries"`
}

// Text implements Texter.
func (l LedgerList) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d entries\n", l.Count)
	for _, e := range l.Entries {
		fmt.Fprintf(&b, "%s  %s  block %d  tx %s\n", e.Decision.Hex(), e.Reference.Short(), e.BlockNumber, e.TxHash.Hex())
	}
	return b.String()
}

// LedgerCheck is the output of ledger check.
type LedgerCheck struct {
	Decision fingerprint.Fingerprint `json:"decisionFingerprint"`
	Recorded bool                    `json:"recorded"`
	Entry    *ledger.Entry           `json:"entry,omitempty"`
}

// Text implements Texter.
func (c LedgerCheck) Text() string {
	if !c.Recorded {
		return fmt.Sprintf("%s %s\n", skipText("NOT RECORDED"), c.Decision.Hex())
	}
	return fmt.Sprintf("%s %s\n  tx:    %s\n  block: %d\n",
		okText("RECORDED"), c.Decision.Hex(), c.Entry.TxHash.Hex(), c.Entry.BlockNumber)
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the local idempotency ledger",
		Long: `Inspect the local idempotency ledger. These commands never contact the
chain and do not need a signing key.`,
	}
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "ledger DSN (overrides FRAUDCHAIN_LEDGER_DSN)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List entries in append order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerList(opts, cmd)
		},
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Export entries as CSV",
		Long: `Export every entry as CSV with the header
decisionFingerprint,referenceFingerprint,chainTxHash,blockNumber.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerExport(opts, cmd)
		},
	}
	export.Flags().StringVarP(&opts.Output, "output", "o", "", "write CSV to this file instead of stdout")

	check := &cobra.Command{
		Use:   "check <decision-fingerprint>",
		Short: "Report whether a decision is recorded",
		Long: `Report whether a decision fingerprint is recorded. Exits 1 when it is not,
so scripts can branch on the exit status.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerCheck(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, export, check)
	return cmd
}

func (o *LedgerOptions) open(cmd *cobra.Command) (ledger.Store, error) {
	dsn := o.DSN
	if dsn == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		dsn = cfg.Ledger.DSN
	}
	return ledger.Open(commandContext(cmd), dsn)
}

func (o *LedgerOptions) closeStore(st ledger.Store) {
	if err := st.Close(); err != nil {
		o.log().Error("error closing ledger", "error", err)
	}
}

func runLedgerList(opts *LedgerOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := opts.open(cmd)
	if err != nil {
		return formatter.Failure("open ledger", err)
	}
	defer opts.closeStore(st)

	entries, err := st.List(commandContext(cmd))
	if err != nil {
		return formatter.Failure("list ledger", err)
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return formatter.Success(LedgerList{Count: len(entries), Entries: entries})
}

func runLedgerExport(opts *LedgerOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := opts.open(cmd)
	if err != nil {
		return formatter.Failure("open ledger", err)
	}
	defer opts.closeStore(st)

	w := cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			_ = formatter.Error(ErrCodeLedger, err.Error(), nil)
			return WrapExitError(ExitCommandError, "create output file", err)
		}
		defer f.Close()
		w = f
	}
	if err := ledger.ExportCSV(commandContext(cmd), st, w); err != nil {
		return formatter.Failure("export ledger", err)
	}
	if opts.Output != "" {
		formatter.VerboseLog("exported ledger to %s", opts.Output)
	}
	return nil
}

func runLedgerCheck(opts *LedgerOptions, arg string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	decision, err := fingerprint.Parse(arg)
	if err != nil {
		return formatter.Failure("parse fingerprint", err)
	}

	st, err := opts.open(cmd)
	if err != nil {
		return formatter.Failure("open ledger", err)
	}
	defer opts.closeStore(st)

	entry, err := st.Get(commandContext(cmd), decision)
	if errors.Is(err, ledger.ErrNotFound) {
		if outErr := formatter.Success(LedgerCheck{Decision: decision}); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, "decision not recorded")
	}
	if err != nil {
		return formatter.Failure("read ledger", err)
	}
	return formatter.Success(LedgerCheck{Decision: decision, Recorded: true, Entry: &entry})
}
