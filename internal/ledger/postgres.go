package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

// postgresSchema is applied statement by statement on open.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq                   BIGSERIAL PRIMARY KEY,
		decision_fingerprint  TEXT   NOT NULL UNIQUE CHECK (length(decision_fingerprint) = 66),
		reference_fingerprint TEXT   NOT NULL CHECK (length(reference_fingerprint) = 66),
		chain_tx_hash         TEXT   NOT NULL CHECK (length(chain_tx_hash) = 66),
		block_number          BIGINT NOT NULL CHECK (block_number >= 0)
	)`,
	`CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger entries are append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE TRIGGER ledger_entries_no_modify
	BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable()`,
}

// PostgresStore is a ledger backed by a shared PostgreSQL database, for
// deployments that run several registrars against one ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and ensures the schema exists.
// The DSN may carry a password, so it is never included in errors.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, failure.Configuration("invalid postgres ledger dsn")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storageError("open postgres ledger", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageError("connect postgres ledger", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, storageError("apply schema", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for i, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Exists reports whether an entry for decision is committed.
func (s *PostgresStore) Exists(ctx context.Context, decision fingerprint.Fingerprint) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE decision_fingerprint = $1)`,
		decision.Hex(),
	).Scan(&exists)
	if err != nil {
		return false, storageError("ledger exists", err)
	}
	return exists, nil
}

// Append inserts e if no entry for e.Decision exists.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_entries
		(decision_fingerprint, reference_fingerprint, chain_tx_hash, block_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (decision_fingerprint) DO NOTHING
	`,
		e.Decision.Hex(),
		e.Reference.Hex(),
		e.TxHash.Hex(),
		int64(e.BlockNumber),
	)
	if err != nil {
		return storageError("ledger append", err)
	}
	if tag.RowsAffected() == 0 {
		return duplicateError(e.Decision)
	}
	return nil
}

// Get returns the entry for decision.
func (s *PostgresStore) Get(ctx context.Context, decision fingerprint.Fingerprint) (Entry, error) {
	var d, r, tx string
	var block int64
	err := s.pool.QueryRow(ctx, `
		SELECT decision_fingerprint, reference_fingerprint, chain_tx_hash, block_number
		FROM ledger_entries
		WHERE decision_fingerprint = $1
	`, decision.Hex()).Scan(&d, &r, &tx, &block)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n); err != nil {
		return 0, storageError("ledger count", err)
	}
	return int(n), nil
}
