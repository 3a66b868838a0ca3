package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	ID   int64
	Body string
	Seq  int
}

func scanNote(s Scanner) (note, error) {
	var n note
	err := s.Scan(&n.ID, &n.Body, &n.Seq)
	return n, err
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL, seq INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	return db
}

func TestOpen_CreatesSchemaIdempotently(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "bots.db")
	for i := 0; i < 2; i++ {
		db, err := Open(ctx, Options{Path: path})
		require.NoError(t, err)
		n, ok, err := Get(ctx, db, func(s Scanner) (int, error) {
			var n int
			return n, s.Scan(&n)
		}, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('bots', 'bot_configurations')`)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, n)
		require.NoError(t, db.Close())
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.Insert(ctx, "notes", Row{"body": "hello", "seq": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, ok, err := Get(ctx, db, scanNote, `SELECT id, body, seq FROM notes WHERE id = ?`, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, note{ID: 1, Body: "hello", Seq: 1}, got)

	n, err := db.Update(ctx, "notes", Row{"body": "bye"}, "id = ?", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := Query(ctx, db, scanNote, `SELECT id, body, seq FROM notes ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bye", list[0].Body)

	n, err = db.Delete(ctx, "notes", "id = ?", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = Get(ctx, db, scanNote, `SELECT id, body, seq FROM notes WHERE id = ?`, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsert_RejectsBadIdentifiers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Insert(ctx, "notes; DROP TABLE notes", Row{"body": "x"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = db.Insert(ctx, "notes", Row{"body = 1 --": "x"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = db.Insert(ctx, "notes", Row{})
	assert.ErrorIs(t, err, ErrEmptyRow)
}

func TestTransaction_CommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	boom := errors.New("boom")

	_, err := Transaction(ctx, db, func(ctx context.Context, tx *Tx) (struct{}, error) {
		if _, err := tx.Insert(ctx, "notes", Row{"body": "a"}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = Transaction(ctx, db, func(ctx context.Context, tx *Tx) (struct{}, error) {
		if _, err := tx.Insert(ctx, "notes", Row{"body": "b"}); err != nil {
			return struct{}{}, err
		}
		panic("kaboom")
	})
	require.Error(t, err)

	id, err := Transaction(ctx, db, func(ctx context.Context, tx *Tx) (int64, error) {
		return tx.Insert(ctx, "notes", Row{"body": "c"})
	})
	require.NoError(t, err)

	list, err := Query(ctx, db, scanNote, `SELECT id, body, seq FROM notes`)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].Body)
	assert.Equal(t, id, list[0].ID)
}

func TestTransaction_ConcurrentWritersDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	const writers = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Transaction(ctx, db, func(ctx context.Context, tx *Tx) (struct{}, error) {
				last, _, err := TxGet(ctx, tx, func(s Scanner) (int, error) {
					var n int
					return n, s.Scan(&n)
				}, `SELECT COALESCE(MAX(seq), 0) FROM notes`)
				if err != nil {
					return struct{}{}, err
				}
				for j := 1; j <= 2; j++ {
					if _, err := tx.Insert(ctx, "notes", Row{"body": "w", "seq": last + j}); err != nil {
						return struct{}{}, err
					}
				}
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := Query(ctx, db, scanNote, `SELECT id, body, seq FROM notes ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, list, writers*2)
	for i, n := range list {
		assert.Equal(t, i+1, n.Seq, "row %d", n.ID)
	}
	stats := db.WriteStats()
	assert.Equal(t, stats.Submitted, stats.Completed+stats.Failed)
}

func TestForeignKeysAreEnforced(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Exec(ctx, `INSERT INTO bot_configurations (bot_id, data, updated_at) VALUES (?, '{}', CURRENT_TIMESTAMP)`, "missing-bot")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT ? FROM t WHERE a = ?", sqliteDialect.rebind("SELECT ? FROM t WHERE a = ?"))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", postgresDialect.rebind("UPDATE t SET a = ?, b = ? WHERE id = ?"))
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN(Options{Path: "/tmp/x.db"})
	assert.Contains(t, dsn, "_foreign_keys=on")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
}
