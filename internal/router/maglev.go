// Package router implements the Maglev consistent-hash table that maps a key
// to a shard name with minimal redistribution on shard-set membership change
// (spec §4.A). It plays the role the teacher's internal/cache/db.Map plays
// for its fixed 1024-way in-memory sharding, generalized to a variable,
// externally-supplied shard-name list and to Maglev's specific
// preference-sequence construction instead of a plain key&mask split.
package router

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
)

// TableSize is the Maglev lookup table length M, fixed at the prime the
// spec names.
const TableSize = 2053

// Router maps keys to shard names via a precomputed lookup table. It is
// read-only after construction (spec §5 "the router lookup table is
// process-wide, read-only after construction; mutation is not supported").
type Router struct {
	shards []string // sorted, deduplicated; index into this slice is what the table stores
	table  [TableSize]int
}

// New builds a Maglev router over the given shard names. Names are sorted
// and deduplicated first so that construction is order-independent — the
// same set of names always yields the same table, regardless of the order
// they were supplied in (spec §4.A "order-independent").
func New(names []string) (*Router, error) {
	shards := dedupSorted(names)
	if len(shards) == 0 {
		return nil, fmt.Errorf("router: at least one shard is required")
	}
	if len(shards) > TableSize {
		return nil, fmt.Errorf("router: %d shards exceeds table size %d", len(shards), TableSize)
	}

	r := &Router{shards: shards}
	r.build()
	return r, nil
}

// Lookup returns the shard name owning key.
func (r *Router) Lookup(key string) string {
	slot := crc32.ChecksumIEEE([]byte(key)) % TableSize
	return r.shards[r.table[slot]]
}

// Shards returns the sorted, deduplicated shard-name list this router was
// built from.
func (r *Router) Shards() []string {
	out := make([]string, len(r.shards))
	copy(out, r.shards)
	return out
}

func dedupSorted(names []string) []string {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// build implements the standard Maglev population algorithm: each shard's
// preference sequence is a full permutation of [0,M) derived from two
// independent 32-bit hashes of its name; shards take turns claiming the next
// empty slot in their own preference order until the table is full.
func (r *Router) build() {
	n := len(r.shards)
	permutation := make([][]uint32, n)
	next := make([]uint32, n)

	for i, name := range r.shards {
		h1, h2 := shardHashes(name)
		offset := h1 % TableSize
		skip := h2%(TableSize-1) + 1

		perm := make([]uint32, TableSize)
		for j := uint32(0); j < TableSize; j++ {
			perm[j] = (offset + j*skip) % TableSize
		}
		permutation[i] = perm
	}

	for i := range r.table {
		r.table[i] = -1
	}

	filled := 0
	for filled < TableSize {
		for i := 0; i < n; i++ {
			c := permutation[i][next[i]]
			for r.table[c] >= 0 {
				next[i]++
				c = permutation[i][next[i]]
			}
			r.table[c] = i
			next[i]++
			filled++
			if filled == TableSize {
				break
			}
		}
	}
}

// shardHashes computes the two independent 32-bit hashes h1, h2 a shard
// name's Maglev preference sequence is built from: the first four bytes of
// MD5(name), and the next four, each read big-endian. MD5 is used purely as
// a cheap, well-distributed 128-bit mixing function here — no cryptographic
// property of MD5 is being relied on, matching spec §4.A.
func shardHashes(name string) (h1, h2 uint32) {
	sum := md5.Sum([]byte(name))
	h1 = binary.BigEndian.Uint32(sum[0:4])
	h2 = binary.BigEndian.Uint32(sum[4:8])
	return h1, h2
}
