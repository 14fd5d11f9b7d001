package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeader is the column order of the exported ledger table.
var CSVHeader = []string{"decisionFingerprint", "referenceFingerprint", "chainTxHash", "blockNumber"}

// ExportCSV writes every entry of s to w in append order, with a header row.
func ExportCSV(ctx context.Context, s Store, w io.Writer) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	return WriteCSV(w, entries)
}

// WriteCSV writes entries to w with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range entries {
		record := []string{
			e.Decision.Hex(),
			e.Reference.Hex(),
			e.TxHash.Hex(),
			strconv.FormatUint(e.BlockNumber, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", e.Decision.Short(), err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
