package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dbcache/dbcache/codec"
	"github.com/dbcache/dbcache/config"
	"github.com/dbcache/dbcache/internal/dispatch"
	"github.com/dbcache/dbcache/internal/failsafe"
	"github.com/dbcache/dbcache/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWithConfig(t, &config.Config{Key: config.KeyConfig{MaxKeyByteSize: 1024}, ClearWith: config.ClearTruncate})
}

func newTestStoreWithConfig(t *testing.T, cfg *config.Config) *Store {
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

	repo := repository.New(db, repository.SQLite{})
	disp := dispatch.NewSingle(repo)
	env := failsafe.New(zerolog.New(io.Discard), nil)
	return New(cfg, disp, env, nil)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok := s.Set(ctx, "greeting", []byte("hello"), 0)
	require.True(t, ok)

	value, found := s.Get(ctx, "greeting")
	require.True(t, found)
	require.Equal(t, []byte("hello"), value)
}

func TestGetMissReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, found := s.Get(context.Background(), "missing")
	require.False(t, found)
}

func TestMultiReadsSeveralKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.True(t, s.Set(ctx, "a", []byte("1"), 0))
	require.True(t, s.Set(ctx, "b", []byte("2"), 0))

	got := s.Multi(ctx, []string{"a", "b", "missing"})
	require.Equal(t, []byte("1"), got["a"])
	require.Equal(t, []byte("2"), got["b"])
	_, ok := got["missing"]
	require.False(t, ok)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.True(t, s.Set(ctx, "k", []byte("v"), 0))

	require.True(t, s.Delete(ctx, "k"))
	_, found := s.Get(ctx, "k")
	require.False(t, found)
}

func TestClearEmptiesStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.True(t, s.Set(ctx, "a", []byte("1"), 0))
	require.True(t, s.Set(ctx, "b", []byte("2"), 0))

	require.True(t, s.Clear(ctx))
	_, found := s.Get(ctx, "a")
	require.False(t, found)
}

func TestIncrStartsFromZeroAndAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = s.Incr(ctx, "counter", 3)
	require.NoError(t, err)
	require.Equal(t, int64(8), v)

	v, err = s.Decr(ctx, "counter", 2)
	require.NoError(t, err)
	require.Equal(t, int64(6), v)
}

func TestFetchComputesOnMissAndCachesResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := 0
	compute := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	v, err := s.Fetch(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, []byte("computed"), v)

	v, err = s.Fetch(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, []byte("computed"), v)
	require.Equal(t, 1, calls)
}

func TestFetchPropagatesComputeError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Fetch(context.Background(), "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
}

func TestGetTreatsExpiredEntryAsMissAndDeletesIt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.True(t, s.Set(ctx, "k", []byte("v"), time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	_, found := s.Get(ctx, "k")
	require.False(t, found, "an expired entry must read as a miss")

	// The read-time delete side effect must have actually removed the row,
	// not just hidden it from this one Get.
	repo, err := s.disp.ReadingKey(ctx, "k")
	require.NoError(t, err)
	rows, err := repo.ReadMulti(ctx, []int64{s.normalize("k").Hash()})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMultiTreatsExpiredEntryAsMissAndDeletesIt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.True(t, s.Set(ctx, "stale", []byte("v"), time.Nanosecond))
	require.True(t, s.Set(ctx, "fresh", []byte("w"), 0))
	time.Sleep(2 * time.Millisecond)

	got := s.Multi(ctx, []string{"stale", "fresh"})
	require.Equal(t, []byte("w"), got["fresh"])
	_, ok := got["stale"]
	require.False(t, ok)

	repo, err := s.disp.ReadingKey(ctx, "stale")
	require.NoError(t, err)
	rows, err := repo.ReadMulti(ctx, []int64{s.normalize("stale").Hash()})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSetMultiWritesAllPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.SetMulti(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got := s.Multi(ctx, []string{"a", "b"})
	require.Equal(t, []byte("1"), got["a"])
	require.Equal(t, []byte("2"), got["b"])
}

func TestSetUnlessExistsSkipsWhenLiveEntryPresent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.True(t, s.Set(ctx, "k", []byte("first"), 0))

	wrote, err := s.SetUnlessExists(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	require.False(t, wrote)

	value, found := s.Get(ctx, "k")
	require.True(t, found)
	require.Equal(t, []byte("first"), value)
}

func TestSetUnlessExistsWritesWhenAbsentOrExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wrote, err := s.SetUnlessExists(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	require.True(t, wrote)

	require.True(t, s.Set(ctx, "expiring", []byte("stale"), time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	wrote, err = s.SetUnlessExists(ctx, "expiring", []byte("replacement"), 0)
	require.NoError(t, err)
	require.True(t, wrote)

	value, found := s.Get(ctx, "expiring")
	require.True(t, found)
	require.Equal(t, []byte("replacement"), value)
}

func TestCleanupReturnsUnsupportedError(t *testing.T) {
	s := newTestStore(t)
	err := s.Cleanup(context.Background())
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestIncrRoutesThroughCodecAndPreservesTTL(t *testing.T) {
	cfg := &config.Config{
		Key:       config.KeyConfig{MaxKeyByteSize: 1024},
		ClearWith: config.ClearTruncate,
		Codec:     codec.Msgpack{},
	}
	s := newTestStoreWithConfig(t, cfg)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "counter", []byte("5"), time.Hour))

	v, err := s.Incr(ctx, "counter", 3)
	require.NoError(t, err)
	require.Equal(t, int64(8), v)

	// The counter must still be readable through the same codec, and its
	// original TTL must survive the increment instead of being reset to
	// "no expiry".
	repo, derr := s.disp.ReadingKey(ctx, "counter")
	require.NoError(t, derr)
	rows, derr := repo.ReadMulti(ctx, []int64{s.normalize("counter").Hash()})
	require.NoError(t, derr)
	require.Len(t, rows, 1)
	value, expiresAt, _, derr := s.decode(rows[0].Value)
	require.NoError(t, derr)
	require.Equal(t, []byte("8"), value)
	require.NotZero(t, expiresAt, "increment must preserve the counter's expiry deadline")

	value2, found := s.Get(ctx, "counter")
	require.True(t, found)
	require.Equal(t, []byte("8"), value2)
}

func TestIncrOnGarbageValueStartsFromZero(t *testing.T) {
	cfg := &config.Config{
		Key:       config.KeyConfig{MaxKeyByteSize: 1024},
		ClearWith: config.ClearTruncate,
		Codec:     codec.Msgpack{},
	}
	s := newTestStoreWithConfig(t, cfg)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "counter", []byte("not-a-number"), 0))

	v, err := s.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), v, "value_as_int ∨ raw_integer_parse ∨ 0: unparsable values start at 0")
}

func TestGetDropsVersionMismatchedEntry(t *testing.T) {
	cfg := &config.Config{
		Key:       config.KeyConfig{MaxKeyByteSize: 1024},
		ClearWith: config.ClearTruncate,
		Codec:     codec.Msgpack{},
		Version:   "v1",
	}
	s := newTestStoreWithConfig(t, cfg)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "k", []byte("under-v1"), 0))
	_, found := s.Get(ctx, "k")
	require.True(t, found)

	// Simulate the host bumping its schema version: the entry written under
	// the old version must now read as a miss and be dropped, not handed
	// back to the caller.
	s.cfg.Version = "v2"
	_, found = s.Get(ctx, "k")
	require.False(t, found)

	repo, err := s.disp.ReadingKey(ctx, "k")
	require.NoError(t, err)
	rows, err := repo.ReadMulti(ctx, []int64{s.normalize("k").Hash()})
	require.NoError(t, err)
	require.Empty(t, rows, "a version-mismatched entry must be deleted as a read-time side effect")
}
