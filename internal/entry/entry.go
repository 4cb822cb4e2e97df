// Package entry defines the persistent row shape of the entries table
// (spec §3) and the byte-size estimator used both when writing a row and
// when the eviction controller decides whether the cache is "full".
package entry

import "time"

// overheadPlain and overheadEncrypted approximate the non-key/value storage
// cost of a row (index entries, timestamp, id). The spec pins these two
// constants; encryption adds authentication-tag and nonce overhead on top of
// the plain-row bookkeeping cost.
const (
	overheadPlain     = 140
	overheadEncrypted = 310
)

// Row is one persisted entries row.
type Row struct {
	ID        int64
	KeyHash   int64
	Key       []byte
	Value     []byte
	ByteSize  int64
	CreatedAt time.Time
}

// ByteSize computes the declared row size: len(key) + len(value) + overhead,
// where overhead accounts for encryption when enabled (spec §3).
func ByteSize(key, value []byte, encrypted bool) int64 {
	overhead := int64(overheadPlain)
	if encrypted {
		overhead = overheadEncrypted
	}
	return int64(len(key)) + int64(len(value)) + overhead
}
