package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

// createTestStore opens a SQLite ledger in a temp dir.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func repeatFingerprint(b string) fingerprint.Fingerprint {
	return fingerprint.MustParse("0x" + strings.Repeat(b, 32))
}

// runStoreSuite exercises the Store contract. Fingerprints are salted so the
// suite can run against a shared database that already holds entries.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	salt := uuid.NewString()
	decA := fingerprint.Reference("suite-a-" + salt)
	decB := fingerprint.Reference("suite-b-" + salt)
	ref := fingerprint.Reference("ref-" + salt)

	before, err := s.Count(ctx)
	require.NoError(t, err)

	t.Run("absent before append", func(t *testing.T) {
		ok, err := s.Exists(ctx, decA)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, decA)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	entryA := Entry{Decision: decA, Reference: ref, TxHash: common.HexToHash("0xa1"), BlockNumber: 1000}
	entryB := Entry{Decision: decB, Reference: ref, TxHash: common.HexToHash("0xb1"), BlockNumber: 1001}

	t.Run("append then exists", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, entryA))
		require.NoError(t, s.Append(ctx, entryB))

		ok, err := s.Exists(ctx, decA)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, decA)
		require.NoError(t, err)
		assert.Equal(t, entryA, got)
	})

	t.Run("duplicate rejected and original kept", func(t *testing.T) {
		dup := entryA
		dup.TxHash = common.HexToHash("0xdead")
		dup.BlockNumber = 2000

		err := s.Append(ctx, dup)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateKey)

		got, err := s.Get(ctx, decA)
		require.NoError(t, err)
		assert.Equal(t, entryA, got)
	})

	t.Run("list preserves append order", func(t *testing.T) {
		entries, err := s.List(ctx)
		require.NoError(t, err)

		idxA, idxB := -1, -1
		for i, e := range entries {
			switch e.Decision {
			case decA:
				idxA = i
			case decB:
				idxB = i
			}
		}
		require.NotEqual(t, -1, idxA)
		require.NotEqual(t, -1, idxB)
		assert.Less(t, idxA, idxB)
	})

	t.Run("count", func(t *testing.T) {
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+2, n)
	})

	t.Run("entry without tx hash rejected", func(t *testing.T) {
		err := s.Append(ctx, Entry{Decision: fingerprint.Reference("no-tx-" + salt), Reference: ref})
		require.Error(t, err)
		assert.True(t, failure.IsValidation(err))
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreSuite(t, createTestStore(t))
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("FRAUDCHAIN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRAUDCHAIN_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	runStoreSuite(t, s)
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("synchronous", "2"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpenSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	entry := Entry{
		Decision:    repeatFingerprint("aa"),
		Reference:   repeatFingerprint("bb"),
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 1000,
	}

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Append(ctx, entry))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s2.Exists(ctx, entry.Decision)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, s2.Append(ctx, entry), ErrDuplicateKey)
}

func TestOpenSQLite_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenSQLite(path)
	require.Error(t, err)
	assert.True(t, failure.IsStorage(err))
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestSQLiteStore_EntriesAreImmutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry{
		Decision:    repeatFingerprint("aa"),
		Reference:   repeatFingerprint("bb"),
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 1000,
	}))

	_, err := s.db.Exec("UPDATE ledger_entries SET block_number = 1")
	assert.Error(t, err)
	_, err = s.db.Exec("DELETE FROM ledger_entries")
	assert.Error(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_ConcurrentAppendSingleWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	decision := repeatFingerprint("aa")

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Append(ctx, Entry{
				Decision:    decision,
				Reference:   repeatFingerprint("bb"),
				TxHash:      common.BigToHash(big.NewInt(int64(i + 1))),
				BlockNumber: uint64(1000 + i),
			})
		}(i)
	}
	wg.Wait()

	wins, dups := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrDuplicateKey):
			dups++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, dups)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_SelectsBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)

	_, err = Open(context.Background(), "")
	assert.True(t, failure.IsConfiguration(err))

	_, err = Open(context.Background(), "postgres://user:hunter2@%zz/ledger")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestExportCSV(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{Decision: repeatFingerprint("aa"), Reference: repeatFingerprint("bb"), TxHash: common.HexToHash("0x01"), BlockNumber: 1000},
		{Decision: repeatFingerprint("cc"), Reference: repeatFingerprint("dd"), TxHash: common.HexToHash("0x02"), BlockNumber: 1001},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(ctx, s, &buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export", buf.Bytes())
}
