// Package store implements the cache API surface (spec §4.G): the
// get/set/multi/fetch/incr/decr/clear operations a caller actually invokes.
// It wires together every other internal package — key normalization,
// dispatch, the failsafe envelope, the repository, and the eviction
// controller's write hook — into the handful of methods the rest of the
// module exports.
//
// The fetch-or-compute shape (Fetch) is grounded on
// agentuity-go-common/cache.Cache.Exec, which does exactly this: look up a
// key, and on a miss call a supplied compute function and store its result
// before returning it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dbcache/dbcache/codec"
	"github.com/dbcache/dbcache/config"
	"github.com/dbcache/dbcache/internal/dispatch"
	"github.com/dbcache/dbcache/internal/entry"
	"github.com/dbcache/dbcache/internal/expiry"
	"github.com/dbcache/dbcache/internal/failsafe"
	"github.com/dbcache/dbcache/internal/keys"
	"github.com/dbcache/dbcache/internal/repository"
)

// ErrUnsupported is returned by operations the spec explicitly excludes from
// this engine's surface (spec §4.G/§7: "Unsupported op (cleanup). Raises
// immediately.").
var ErrUnsupported = errors.New("store: operation not supported")

// isExpired reports whether a decoded entry's expiresAt deadline (a Unix
// timestamp, 0 meaning "no deadline") has passed.
func isExpired(expiresAt int64) bool {
	return expiresAt > 0 && time.Now().Unix() >= expiresAt
}

// versionMismatched reports whether a decoded entry's version tag disagrees
// with the version this Store currently writes (spec §4.G "drop
// version-mismatched entries silently", §6 `mismatched?(version)`). An
// unconfigured cfg.Version disables the check entirely.
func (s *Store) versionMismatched(version string) bool {
	return s.cfg.Version != "" && version != s.cfg.Version
}

// Store is the cache API surface. It holds no connections of its own; every
// operation resolves its connection through disp.
type Store struct {
	cfg    *config.Config
	disp   *dispatch.Dispatcher
	env    *failsafe.Envelope
	expiry *expiry.Controller
}

// New builds a Store. expiryCtl may be nil when eviction is disabled. A nil
// cfg.Codec is replaced by the msgpack reference codec, so TTLs and version
// tags are always recorded.
func New(cfg *config.Config, disp *dispatch.Dispatcher, env *failsafe.Envelope, expiryCtl *expiry.Controller) *Store {
	if cfg.Codec == nil {
		cfg.Codec = codec.Msgpack{}
	}
	return &Store{cfg: cfg, disp: disp, env: env, expiry: expiryCtl}
}

// Get returns the value stored under key and whether it was found. A
// storage failure degrades to (nil, false), same as an ordinary miss (spec
// §4.D: the failsafe envelope does not distinguish "not found" from
// "couldn't tell"); Get has no error channel of its own, so a propagated
// non-transient error is logged by the envelope and otherwise discarded
// here, same as before this fix — only the transient/non-transient
// distinction inside failsafe itself changed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	nk := s.normalize(key)
	res, _ := failsafe.Do(s.env, "get", getResult{}, func() (getResult, error) {
		repo, err := s.disp.ReadingKey(ctx, nk.String())
		if err != nil {
			return getResult{}, err
		}
		rows, err := repo.ReadMulti(ctx, []int64{nk.Hash()})
		if err != nil {
			return getResult{}, err
		}
		if len(rows) == 0 {
			return getResult{}, nil
		}
		value, expiresAt, version, err := s.decode(rows[0].Value)
		if err != nil {
			return getResult{}, err
		}
		if isExpired(expiresAt) || s.versionMismatched(version) {
			s.expireKeys(ctx, nk.String(), []int64{nk.Hash()})
			return getResult{}, nil
		}
		return getResult{value: value, found: true}, nil
	})
	return res.value, res.found
}

// expireKeys deletes rows found expired on read (spec §4.G Read: "drop
// expired entries, deleting them via entry_delete as a side effect"). Best
// effort: a failure here just leaves a stale row for the eviction
// controller to reap later.
func (s *Store) expireKeys(ctx context.Context, anyKeyInGroup string, hashes []int64) {
	repo, err := s.disp.WritingKey(ctx, anyKeyInGroup)
	if err != nil {
		return
	}
	_ = failsafe.Try(s.env, "expire_on_read", func() error {
		_, err := repo.DeleteByKey(ctx, hashes)
		return err
	})
}

type getResult struct {
	value []byte
	found bool
}

// Multi reads several keys in one pass, grouping them by shard so each
// connection is hit at most once (spec §4.G "multi"). Expired entries are
// treated as misses and deleted as a read-time side effect, same as Get.
func (s *Store) Multi(ctx context.Context, keyList []string) map[string][]byte {
	res, _ := failsafe.Do(s.env, "multi", map[string][]byte(nil), func() (map[string][]byte, error) {
		byString := make(map[string]keys.Key, len(keyList))
		normalized := make([]string, 0, len(keyList))
		for _, k := range keyList {
			nk := s.normalize(k)
			byString[nk.String()] = nk
			normalized = append(normalized, nk.String())
		}

		groups, err := s.disp.ReadingKeys(ctx, normalized)
		if err != nil {
			return nil, err
		}

		out := make(map[string][]byte, len(keyList))
		for repo, groupKeys := range groups {
			hashes := make([]int64, len(groupKeys))
			hashByHash := make(map[int64]string, len(groupKeys))
			for i, gk := range groupKeys {
				nk := byString[gk]
				hashes[i] = nk.Hash()
				hashByHash[nk.Hash()] = gk
			}
			rows, err := repo.ReadMulti(ctx, hashes)
			if err != nil {
				return nil, err
			}
			var expired []int64
			for _, row := range rows {
				value, expiresAt, version, err := s.decode(row.Value)
				if err != nil {
					return nil, err
				}
				if isExpired(expiresAt) || s.versionMismatched(version) {
					expired = append(expired, row.KeyHash)
					continue
				}
				out[hashByHash[row.KeyHash]] = value
			}
			if len(expired) > 0 {
				s.expireKeys(ctx, hashByHash[expired[0]], expired)
			}
		}
		return out, nil
	})
	return res
}

// Set stores value under key with the given time-to-live (0 means no
// expiry deadline is recorded, though the underlying row is still subject
// to size/count-based eviction). Returns whether the write succeeded.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	nk := s.normalize(key)
	ok, _ := failsafe.Do(s.env, "set", false, func() (bool, error) {
		expiresAt := s.expiresAt(ttl)
		payload, err := s.encode(value, expiresAt)
		if err != nil {
			return false, err
		}

		row := entry.Row{
			KeyHash:   nk.Hash(),
			Key:       []byte(nk.String()),
			Value:     payload,
			ByteSize:  entry.ByteSize([]byte(nk.String()), payload, s.cfg.Encrypter != nil),
			CreatedAt: time.Now().UTC(),
		}

		repo, err := s.disp.WritingKey(ctx, nk.String())
		if err != nil {
			return false, err
		}
		if err := repo.WriteMulti(ctx, []entry.Row{row}); err != nil {
			return false, err
		}

		if s.expiry != nil {
			s.expiry.OnWrite(ctx, 1)
		}
		return true, nil
	})
	return ok
}

// SetMulti stores several key/value pairs, batched per shard so each
// connection is written at most once (spec §1/§4.G "write_multi"). Returns
// the number of pairs actually written.
func (s *Store) SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) (int, error) {
	return failsafe.Do(s.env, "set_multi", 0, func() (int, error) {
		expiresAt := s.expiresAt(ttl)
		byRepo := make(map[*repository.Repository][]entry.Row)
		for key, value := range values {
			nk := s.normalize(key)
			payload, err := s.encode(value, expiresAt)
			if err != nil {
				return 0, err
			}
			repo, err := s.disp.WritingKey(ctx, nk.String())
			if err != nil {
				return 0, err
			}
			byRepo[repo] = append(byRepo[repo], entry.Row{
				KeyHash:   nk.Hash(),
				Key:       []byte(nk.String()),
				Value:     payload,
				ByteSize:  entry.ByteSize([]byte(nk.String()), payload, s.cfg.Encrypter != nil),
				CreatedAt: time.Now().UTC(),
			})
		}

		var n int
		for repo, rows := range byRepo {
			if err := repo.WriteMulti(ctx, rows); err != nil {
				return n, err
			}
			n += len(rows)
		}
		if n > 0 && s.expiry != nil {
			s.expiry.OnWrite(ctx, n)
		}
		return n, nil
	})
}

// SetUnlessExists stores value under key only if no live entry already sits
// there — an absent row or one whose TTL has already lapsed — via a locked
// read-modify-write (spec §4.G "unless_exist" routes through lock_and_write).
// Returns whether it actually wrote.
func (s *Store) SetUnlessExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	nk := s.normalize(key)
	payload, err := s.encode(value, s.expiresAt(ttl))
	if err != nil {
		return false, err
	}

	repo, err := s.disp.WritingKey(ctx, nk.String())
	if err != nil {
		return false, err
	}

	_, wrote, err := repo.LockAndWrite(ctx, []byte(nk.String()), nk.Hash(), func(current []byte, found bool) ([]byte, bool) {
		if found {
			_, currentExpiresAt, currentVersion, decodeErr := s.decode(current)
			if decodeErr == nil && !isExpired(currentExpiresAt) && !s.versionMismatched(currentVersion) {
				return current, false
			}
		}
		return payload, true
	})
	if err != nil {
		return false, err
	}
	if wrote && s.expiry != nil {
		s.expiry.OnWrite(ctx, 1)
	}
	return wrote, nil
}

// Fetch returns the cached value for key, or, on a miss, calls compute,
// stores its result with ttl, and returns that instead.
func (s *Store) Fetch(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := s.Get(ctx, key); ok {
		return value, nil
	}
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	s.Set(ctx, key, value, ttl)
	return value, nil
}

// Delete removes key. Returns whether a row was actually removed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	nk := s.normalize(key)
	found, _ := failsafe.Do(s.env, "delete", false, func() (bool, error) {
		repo, err := s.disp.WritingKey(ctx, nk.String())
		if err != nil {
			return false, err
		}
		n, err := repo.DeleteByKey(ctx, []int64{nk.Hash()})
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
	return found
}

// DeleteMulti removes several keys, grouped by shard, and returns the total
// number of rows removed.
func (s *Store) DeleteMulti(ctx context.Context, keyList []string) int64 {
	total, _ := failsafe.Do(s.env, "delete_multi", int64(0), func() (int64, error) {
		normalized := make([]string, len(keyList))
		for i, k := range keyList {
			normalized[i] = s.normalize(k).String()
		}
		groups, err := s.disp.WritingKeys(ctx, normalized)
		if err != nil {
			return 0, err
		}
		var total int64
		for repo, groupKeys := range groups {
			hashes := make([]int64, len(groupKeys))
			for i, gk := range groupKeys {
				hashes[i] = keys.Hash(gk)
			}
			n, err := repo.DeleteByKey(ctx, hashes)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	})
	return total
}

// Clear empties every connection this Store's dispatcher knows about, using
// either TRUNCATE or chunked DELETE depending on cfg.ClearWith (spec §4.B).
func (s *Store) Clear(ctx context.Context) bool {
	ok, _ := failsafe.Do(s.env, "clear", false, func() (bool, error) {
		err := s.disp.WritingAll(ctx, func(repo *repository.Repository) error {
			if s.cfg.ClearWith == config.ClearDelete {
				return repo.ClearDelete(ctx, 0)
			}
			return repo.ClearTruncate(ctx)
		})
		return err == nil, err
	})
	return ok
}

// Cleanup has no implementation in this engine (spec §4.G/§7: unsupported,
// raises immediately). Bounds enforcement is the eviction controller's job,
// not a caller-invoked sweep.
func (s *Store) Cleanup(ctx context.Context) error {
	return fmt.Errorf("store: cleanup: %w", ErrUnsupported)
}

// Incr adds delta to the integer stored at key (defaulting to 0 if absent)
// and returns the new value. It is a locked read-modify-write, so
// concurrent Incr/Decr calls against the same key never lose an update
// (spec §4.G "incr/decr via locked RMW").
func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.addDelta(ctx, key, delta)
}

// Decr subtracts delta from the integer stored at key.
func (s *Store) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.addDelta(ctx, key, -delta)
}

// addDelta implements the "parses the stored entry ... preserves expires_at
// if present" contract (spec §4.G "increment/decrement"): the current value
// is decoded through the same codec/encryption path as every other read, so
// a swapped-in config.Codec or config.Encrypter is honored here too, and
// the re-serialized counter is written with s.encode so it carries the
// current version tag and the entry's pre-existing expiry deadline rather
// than losing it on every increment.
func (s *Store) addDelta(ctx context.Context, key string, delta int64) (int64, error) {
	nk := s.normalize(key)
	var result int64
	var applyErr error

	writeErr := func() error {
		repo, err := s.disp.WritingKey(ctx, nk.String())
		if err != nil {
			return err
		}
		_, _, err = repo.LockAndWrite(ctx, []byte(nk.String()), nk.Hash(), func(current []byte, found bool) ([]byte, bool) {
			var base int64
			var expiresAt int64
			if found {
				value, currentExpiresAt, version, decodeErr := s.decode(current)
				if decodeErr != nil {
					applyErr = decodeErr
					return current, false
				}
				if !isExpired(currentExpiresAt) && !s.versionMismatched(version) {
					expiresAt = currentExpiresAt
					// value_as_int ∨ raw_integer_parse ∨ 0: an entry that
					// isn't a plain integer string starts back at 0 rather
					// than failing the whole increment.
					if parsed, parseErr := strconv.ParseInt(string(value), 10, 64); parseErr == nil {
						base = parsed
					}
				}
			}
			result = base + delta
			payload, encodeErr := s.encode([]byte(strconv.FormatInt(result, 10)), expiresAt)
			if encodeErr != nil {
				applyErr = encodeErr
				return current, false
			}
			return payload, true
		})
		return err
	}()

	if writeErr != nil {
		return 0, writeErr
	}
	if applyErr != nil {
		return 0, applyErr
	}
	if s.expiry != nil {
		s.expiry.OnWrite(ctx, 1)
	}
	return result, nil
}

func (s *Store) normalize(key string) keys.Key {
	maxBytes := s.cfg.Key.MaxKeyByteSize
	return keys.Normalize(key, maxBytes)
}

func (s *Store) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).Unix()
}

func (s *Store) encode(value []byte, expiresAt int64) ([]byte, error) {
	payload := value
	var err error
	if s.cfg.Codec != nil {
		payload, err = s.cfg.Codec.Encode(value, expiresAt, s.cfg.Version)
		if err != nil {
			return nil, err
		}
	}
	if s.cfg.Encrypter != nil {
		payload, err = s.cfg.Encrypter.Encrypt(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (s *Store) decode(data []byte) (value []byte, expiresAt int64, version string, err error) {
	payload := data
	if s.cfg.Encrypter != nil {
		payload, err = s.cfg.Encrypter.Decrypt(payload)
		if err != nil {
			return nil, 0, "", err
		}
	}
	if s.cfg.Codec != nil {
		return s.cfg.Codec.Decode(payload)
	}
	return payload, 0, "", nil
}
