// Package bytes provides the fast equality check repository.LockAndWrite
// uses to detect a no-op read-modify-write before paying for an upsert.
package bytes

import (
	"bytes"

	"github.com/zeebo/xxh3"
)

// IsBytesAreEquals reports whether a and b hold the same bytes. Slices
// under 32 bytes compare directly; larger ones hash three fixed windows
// (head, middle, tail) instead of the full range, so a difference outside
// those windows is not detected; lock_and_write confirms a true result with
// bytes.Equal before treating a write as redundant.
func IsBytesAreEquals(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) < 32 {
		return bytes.Equal(a, b)
	}

	ha := xxh3.Hash(a[:8]) ^ xxh3.Hash(a[len(a)/2:len(a)/2+8]) ^ xxh3.Hash(a[len(a)-8:])
	hb := xxh3.Hash(b[:8]) ^ xxh3.Hash(b[len(b)/2:len(b)/2+8]) ^ xxh3.Hash(b[len(b)-8:])
	return ha == hb
}
