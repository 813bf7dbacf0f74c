package duck

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDuck_NewDB_InMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := NewDB(ctx, "", testLogger())
	require.NoError(t, err)
	defer db.Close()

	assert.Empty(t, db.Path())
	assert.Equal(t, "memory", db.Catalog())
	assert.Equal(t, "main", db.Schema())

	require.NoError(t, db.Exec(ctx, "create table", "CREATE TABLE t (id INTEGER, name VARCHAR)"))
	require.NoError(t, db.Exec(ctx, "insert", "INSERT INTO t VALUES (1, 'a'), (2, 'b')"))

	// Every connection sees the same database.
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var count int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&count))
	assert.Equal(t, 2, count)
	assert.Equal(t, db, conn.DB())
}

func TestDuck_NewDB_File(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "analyst.duckdb")

	db, err := NewDB(ctx, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, db.Exec(ctx, "create table", "CREATE TABLE t AS SELECT 42 AS answer"))
	require.NoError(t, db.Close())

	reopened, err := NewDB(ctx, path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, path, reopened.Path())

	conn, err := reopened.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var answer int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT answer FROM t").Scan(&answer))
	assert.Equal(t, 42, answer)
}

func TestDuck_NewDB_RequiresLogger(t *testing.T) {
	t.Parallel()

	_, err := NewDB(context.Background(), "", nil)
	require.Error(t, err)
}

func TestDuck_Retry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("retries transaction conflicts", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := Retry(ctx, testLogger(), "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("TransactionContext Error: Catalog write-write conflict on create with \"sales\"")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns other errors immediately", func(t *testing.T) {
		t.Parallel()

		calls := 0
		boom := errors.New("Binder Error: column not found")
		err := Retry(ctx, testLogger(), "test", func() error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()

		if testing.Short() {
			t.Skip("skipping slow retry test in short mode")
		}

		calls := 0
		err := Retry(ctx, testLogger(), "test", func() error {
			calls++
			return errors.New("Transaction conflict")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after")
		assert.Equal(t, maxRetries, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		t.Parallel()

		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := Retry(cctx, testLogger(), "test", func() error {
			calls++
			cancel()
			return errors.New("Transaction conflict")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestDuck_Quote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"sales"`, QuoteIdent("sales"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	assert.Equal(t, `'/tmp/o''brien.csv'`, QuoteString("/tmp/o'brien.csv"))

	ctx := context.Background()
	db, err := NewDB(ctx, "", testLogger())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Exec(ctx, "create table", "CREATE TABLE "+QuoteIdent(`we"ird`)+" AS SELECT "+QuoteString("it's")+" AS v"))
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var v string
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT v FROM "+QuoteIdent(`we"ird`)).Scan(&v))
	assert.Equal(t, "it's", v)
}
