// Package ledger is the local idempotency ledger: the durable record of which
// decision fingerprints have already been committed on-chain.
//
// The ledger is append-only. Entries are never updated or deleted, and the
// decision fingerprint is unique across all entries. Append is an atomic
// insert-if-absent: of two concurrent appends for the same fingerprint,
// exactly one succeeds and the other returns ErrDuplicateKey.
//
// # Backends
//
//   - SQLite (default): a single file, WAL mode, one writer connection
//   - PostgreSQL: selected by a postgres:// or postgresql:// DSN
//
// Both store fingerprints and transaction hashes as 0x-prefixed lowercase hex
// and order entries by an auto-incrementing sequence, never by wall time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

// ErrDuplicateKey is returned by Append when an entry with the same decision
// fingerprint already exists.
var ErrDuplicateKey = errors.New("ledger: decision fingerprint already recorded")

// ErrNotFound is returned by Get when no entry exists for a fingerprint.
var ErrNotFound = errors.New("ledger: entry not found")

// Entry is one committed registration.
type Entry struct {
	Decision    fingerprint.Fingerprint `json:"decisionFingerprint"`
	Reference   fingerprint.Fingerprint `json:"referenceFingerprint"`
	TxHash      common.Hash             `json:"chainTxHash"`
	BlockNumber uint64                  `json:"blockNumber"`
}

// Validate checks that the entry names a real transaction.
func (e Entry) Validate() error {
	if e.TxHash == (common.Hash{}) {
		return failure.Validation("ledger entry for %s has no transaction hash", e.Decision.Short())
	}
	if e.BlockNumber > uint64(1<<63-1) {
		return failure.Validation("ledger entry for %s has out-of-range block number %d", e.Decision.Short(), e.BlockNumber)
	}
	return nil
}

// Store is the idempotency ledger.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Exists reports whether an entry for decision is committed.
	Exists(ctx context.Context, decision fingerprint.Fingerprint) (bool, error)

	// Append durably persists e before returning.
	// Returns an error wrapping ErrDuplicateKey if e.Decision is already recorded.
	Append(ctx context.Context, e Entry) error

	// Get returns the entry for decision, or an error wrapping ErrNotFound.
	Get(ctx context.Context, decision fingerprint.Fingerprint) (Entry, error)

	// List returns every entry in append order.
	List(ctx context.Context) ([]Entry, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying connections.
	Close() error
}

// Open selects a backend from dsn.
//
// postgres:// and postgresql:// DSNs open a PostgresStore. Anything else is a
// SQLite path, optionally prefixed with sqlite://.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case dsn == "":
		return nil, failure.Configuration("ledger dsn is required")
	default:
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// decodeEntry converts stored column values back to an Entry.
func decodeEntry(decision, reference, txHash string, block int64) (Entry, error) {
	d, err := fingerprint.Parse(decision)
	if err != nil {
		return Entry{}, fmt.Errorf("decode decision fingerprint: %w", err)
	}
	r, err := fingerprint.Parse(reference)
	if err != nil {
		return Entry{}, fmt.Errorf("decode reference fingerprint: %w", err)
	}
	if len(txHash) != 66 || !strings.HasPrefix(txHash, "0x") {
		return Entry{}, fmt.Errorf("decode tx hash %q: want 0x followed by 64 hex digits", txHash)
	}
	if block < 0 {
		return Entry{}, fmt.Errorf("decode block number: negative value %d", block)
	}
	return Entry{
		Decision:    d,
		Reference:   r,
		TxHash:      common.HexToHash(txHash),
		BlockNumber: uint64(block),
	}, nil
}

func storageError(op string, err error) error {
	return failure.Wrap(failure.KindStorage, op, err)
}

func duplicateError(decision fingerprint.Fingerprint) error {
	return fmt.Errorf("append %s: %w", decision.Short(), ErrDuplicateKey)
}

func notFoundError(decision fingerprint.Fingerprint) error {
	return fmt.Errorf("get %s: %w", decision.Short(), ErrNotFound)
}
