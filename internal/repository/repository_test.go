package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/dbcache/dbcache/internal/entry"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash INTEGER NOT NULL UNIQUE,
		key BLOB NOT NULL,
		value BLOB NOT NULL,
		byte_size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

func TestWriteMultiThenReadMulti(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	rows := []entry.Row{
		{KeyHash: 1, Key: []byte("a"), Value: []byte("va"), ByteSize: entry.ByteSize([]byte("a"), []byte("va"), false), CreatedAt: time.Now().UTC()},
		{KeyHash: 2, Key: []byte("b"), Value: []byte("vb"), ByteSize: entry.ByteSize([]byte("b"), []byte("vb"), false), CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, repo.WriteMulti(ctx, rows))

	got, err := repo.ReadMulti(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestWriteMultiUpsertsOnConflict(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	first := entry.Row{KeyHash: 1, Key: []byte("a"), Value: []byte("v1"), ByteSize: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{first}))

	second := entry.Row{KeyHash: 1, Key: []byte("a"), Value: []byte("v2"), ByteSize: 2, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{second}))

	got, err := repo.ReadMulti(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("v2"), got[0].Value)
}

func TestDeleteByKey(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{
		{KeyHash: 1, Key: []byte("a"), Value: []byte("va"), ByteSize: 1, CreatedAt: time.Now().UTC()},
		{KeyHash: 2, Key: []byte("b"), Value: []byte("vb"), ByteSize: 1, CreatedAt: time.Now().UTC()},
	}))

	n, err := repo.DeleteByKey(ctx, []int64{1})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := repo.ReadMulti(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].KeyHash)
}

func TestClearTruncateAndClearDelete(t *testing.T) {
	ctx := context.Background()

	db := openTestDB(t)
	repo := New(db, SQLite{})
	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{
		{KeyHash: 1, Key: []byte("a"), Value: []byte("va"), ByteSize: 1, CreatedAt: time.Now().UTC()},
	}))
	require.NoError(t, repo.ClearTruncate(ctx))
	count, _, _, err := repo.IDRange(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	db2 := openTestDB(t)
	repo2 := New(db2, SQLite{})
	rows := make([]entry.Row, 0, 250)
	for i := int64(1); i <= 250; i++ {
		rows = append(rows, entry.Row{KeyHash: i, Key: []byte("k"), Value: []byte("v"), ByteSize: 1, CreatedAt: time.Now().UTC()})
	}
	require.NoError(t, repo2.WriteMulti(ctx, rows))
	require.NoError(t, repo2.ClearDelete(ctx, 37))
	count2, _, _, err := repo2.IDRange(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count2)
}

func TestLockAndWriteReadsThenConditionallyWrites(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	result, wrote, err := repo.LockAndWrite(ctx, []byte("counter"), 42, func(current []byte, found bool) ([]byte, bool) {
		require.False(t, found)
		return []byte("1"), true
	})
	require.NoError(t, err)
	require.True(t, wrote)
	require.Equal(t, []byte("1"), result)

	result, wrote, err = repo.LockAndWrite(ctx, []byte("counter"), 42, func(current []byte, found bool) ([]byte, bool) {
		require.True(t, found)
		require.Equal(t, []byte("1"), current)
		return nil, false
	})
	require.NoError(t, err)
	require.False(t, wrote)
	require.Equal(t, []byte("1"), result)
}

func TestLockAndWriteTreatsHashCollisionAsAbsent(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{
		{KeyHash: 7, Key: []byte("other-key"), Value: []byte("stale"), ByteSize: 1, CreatedAt: time.Now().UTC()},
	}))

	result, wrote, err := repo.LockAndWrite(ctx, []byte("my-key"), 7, func(current []byte, found bool) ([]byte, bool) {
		require.False(t, found, "colliding hash must not surface the other key's value")
		require.Nil(t, current)
		return []byte("fresh"), true
	})
	require.NoError(t, err)
	require.True(t, wrote)
	require.Equal(t, []byte("fresh"), result)
}

func TestOldestByIDAndLargestByteSizes(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{
		{KeyHash: 1, Key: []byte("a"), Value: []byte("v"), ByteSize: 10, CreatedAt: time.Now().UTC()},
		{KeyHash: 2, Key: []byte("b"), Value: []byte("v"), ByteSize: 99, CreatedAt: time.Now().UTC()},
		{KeyHash: 3, Key: []byte("c"), Value: []byte("v"), ByteSize: 50, CreatedAt: time.Now().UTC()},
	}))

	oldest, err := repo.OldestByID(ctx, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	require.Equal(t, int64(1), oldest[0].KeyHash)

	largest, err := repo.LargestByteSizes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, largest, 1)
	require.Equal(t, int64(2), largest[0].KeyHash)
}

func TestEstimatedSizeOnEmptyTable(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	size, err := repo.EstimatedSize(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestEstimatedSizeSumsSmallTableExactly(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{
		{KeyHash: 1, Key: []byte("a"), Value: []byte("v"), ByteSize: 10, CreatedAt: time.Now().UTC()},
		{KeyHash: 2, Key: []byte("b"), Value: []byte("v"), ByteSize: 20, CreatedAt: time.Now().UTC()},
		{KeyHash: 3, Key: []byte("c"), Value: []byte("v"), ByteSize: 30, CreatedAt: time.Now().UTC()},
	}))

	// count (3) <= samples (100): EstimatedSize must sum every row exactly
	// via UpToByteSize rather than extrapolate from a partial sample.
	size, err := repo.EstimatedSize(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(60), size)
}

func TestUpToByteSizeStopsAtCutoff(t *testing.T) {
	db := openTestDB(t)
	repo := New(db, SQLite{})
	ctx := context.Background()

	require.NoError(t, repo.WriteMulti(ctx, []entry.Row{
		{KeyHash: 1, Key: []byte("a"), Value: []byte("v"), ByteSize: 10, CreatedAt: time.Now().UTC()},
		{KeyHash: 2, Key: []byte("b"), Value: []byte("v"), ByteSize: 10, CreatedAt: time.Now().UTC()},
		{KeyHash: 3, Key: []byte("c"), Value: []byte("v"), ByteSize: 10, CreatedAt: time.Now().UTC()},
	}))

	rows, err := repo.UpToByteSize(ctx, 15, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].KeyHash)

	rows, err = repo.UpToByteSize(ctx, 30, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}
