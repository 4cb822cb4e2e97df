// Package keys implements the key pipeline: normalization, length-bounded
// truncation with collision-safe suffixing, and the stable 64-bit hash used
// both as shard selector and primary index (spec §4.G, §3, §9).
//
// The hashing scheme mirrors the shape of the teacher's own
// internal/cache/db/model.Key (a small value type wrapping a precomputed
// hash so it never has to be recomputed on the hot path), but swaps xxh3 for
// SHA-256 because the spec pins the exact algorithm: key_hash must be the
// first 8 bytes of SHA-256(key) interpreted big-endian two's-complement, so
// that backends without an unsigned 64-bit type can store it exactly.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Key is a normalized cache key together with its precomputed hash.
type Key struct {
	normalized string
	hash       int64
}

// Hash returns the signed 64-bit key_hash used as both shard selector and
// primary index.
func (k Key) Hash() int64 { return k.hash }

// String returns the normalized key bytes (post-truncation, if truncated).
func (k Key) String() string { return k.normalized }

// Hash computes the signed 64-bit key_hash for raw key bytes: the first 8
// bytes of SHA-256(key), interpreted big-endian two's-complement. Bit-cast,
// never modulo — the sign bit carries real information backends must
// preserve exactly (spec §9 "Hash signedness").
func Hash(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Normalize truncates key to at most maxBytes bytes, preserving collision
// resistance for keys longer than the bound by replacing the tail with a
// ":hash:" marker followed by the hex digest of the full key (spec §4.G).
// The empty/short path is untouched; only keys exceeding maxBytes pay the
// hashing cost.
func Normalize(key string, maxBytes int) Key {
	if maxBytes <= 0 {
		maxBytes = 1024
	}
	if len(key) <= maxBytes {
		return Key{normalized: key, hash: Hash(key)}
	}

	digest := sha256.Sum256([]byte(key))
	suffix := ":hash:" + hex.EncodeToString(digest[:])
	if len(suffix) >= maxBytes {
		// Degenerate config (maxBytes smaller than the suffix itself); keep
		// the suffix a prefix of itself rather than producing an empty key.
		suffix = suffix[:maxBytes]
		return Key{normalized: suffix, hash: Hash(suffix)}
	}

	head := key[:maxBytes-len(suffix)]
	normalized := head + suffix
	return Key{normalized: normalized, hash: Hash(normalized)}
}
