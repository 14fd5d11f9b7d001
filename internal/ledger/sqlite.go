package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - ledger_entries with immutability triggers
const currentSchemaVersion = 1

// SQLiteStore is the default ledger backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens a SQLite ledger at path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode, so an acknowledged append survives power loss
//   - 5-second busy timeout for lock contention
//
// Safe to call repeatedly on the same path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageError("open ledger", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageError("connect ledger", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, storageError("apply pragmas", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, storageError("apply schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Exists reports whether an entry for decision is committed.
func (s *SQLiteStore) Exists(ctx context.Context, decision fingerprint.Fingerprint) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_entries WHERE decision_fingerprint = ?`,
		decision.Hex(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageError("ledger exists", err)
	}
	return true, nil
}

// Append inserts e if no entry for e.Decision exists.
// Uses ON CONFLICT DO NOTHING and inspects the affected row count, so the
// check and the insert are a single statement.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(decision_fingerprint, reference_fingerprint, chain_tx_hash, block_number)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(decision_fingerprint) DO NOTHING
	`,
		e.Decision.Hex(),
		e.Reference.Hex(),
		e.TxHash.Hex(),
		int64(e.BlockNumber),
	)
	if err != nil {
		return storageError("ledger append", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return storageError("ledger append: rows affected", err)
	}
	if n == 0 {
		return duplicateError(e.Decision)
	}
	return nil
}

// Get returns the entry for decision.
func (s *SQLiteStore) Get(ctx context.Context, decision fingerprint.Fingerprint) (Entry, error) {
	var d, r, tx string
	var block int64
	err := s.db.QueryRowContext(ctx, `
		SELECT decision_fingerprint, reference_fingerprint, chain_tx_hash, block_number
		FROM ledger_entries
		WHERE decision_fingerprint = ?
	`, decision.Hex()).Scan(&d, &r, &tx, &block)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, notFoundError(decision)
	}
	if err != nil {
		return Entry{}, storageError("ledger get", err)
	}
	e, err := decodeEntry(d, r, tx, block)
	if err != nil {
		return Entry{}, storageError("ledger get", err)
	}
	return e, nil
}

// List returns every entry ordered by seq.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_fingerprint, reference_fingerprint, chain_tx_hash, block_number
		FROM ledger_entries
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, storageError("ledger list", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var d, r, tx string
		var block int64
		if err := rows.Scan(&d, &r, &tx, &block); err != nil {
			return nil, storageError("ledger list: scan", err)
		}
		e, err := decodeEntry(d, r, tx, block)
		if err != nil {
			return nil, storageError("ledger list", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("ledger list: iterate", err)
	}
	return entries, nil
}

// Count returns the number of entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n); err != nil {
		return 0, storageError("ledger count", err)
	}
	return n, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema version.
// Refuses to open a ledger written by a newer schema.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
