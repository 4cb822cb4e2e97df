// Package random is a lock-free, uniform [0,1) source. The eviction
// controller uses it twice: OnWrite's Bernoulli draw decides whether a
// write schedules an eviction pass, and evictShard's candidate sampling
// picks batch_size rows out of an over-fetched pool. Both need a cheap draw
// far more often than they need math/rand's broader feature set, and
// neither can tolerate lock contention on the write hot path.
package random

import (
	"runtime"
	"sync/atomic"
	"time"
)

type shard struct {
	// SplitMix64 64-bit state, advanced via atomic CAS.
	state uint64
}

var (
	shards []shard
	mask   uint32
	rr     uint32 // round-robin counter selecting a shard
)

func init() {
	n := runtime.GOMAXPROCS(0) * 4
	if n < 1 {
		n = 1
	}
	// round up to a power of two for a cheap mask instead of a modulo
	p := 1
	for p < n {
		p <<= 1
	}

	shards = make([]shard, p)
	mask = uint32(p - 1)

	seed := splitmixSeed(time.Now().UnixNano())
	for i := range shards {
		shards[i].state = splitmixNext(&seed)
		if shards[i].state == 0 {
			shards[i].state = 0x9e3779b97f4a7c15
		}
	}
}

// Float64 returns a uniform value in [0,1) using the top 53 bits of a
// SplitMix64 draw from a round-robin-selected shard.
func Float64() float64 {
	i := atomic.AddUint32(&rr, 1) & mask
	x := splitmixNext(&shards[i].state)
	const inv53 = 1.0 / 9007199254740992.0 // 2^53
	return float64(x>>11) * inv53
}

// splitmixNext advances s atomically and returns a mixed 64-bit value: the
// canonical SplitMix64 step, x += golden; mix(x).
func splitmixNext(s *uint64) uint64 {
	for {
		old := atomic.LoadUint64(s)
		x := old + 0x9e3779b97f4a7c15
		if atomic.CompareAndSwapUint64(s, old, x) {
			z := x
			z ^= z >> 30
			z *= 0xbf58476d1ce4e5b9
			z ^= z >> 27
			z *= 0x94d049bb133111eb
			z ^= z >> 31
			return z
		}
	}
}

// splitmixSeed turns a wall-clock seed into a well-mixed 64-bit starting
// state for the per-shard SplitMix64 sequence.
func splitmixSeed(seed int64) uint64 {
	z := uint64(seed) + 0x9e3779b97f4a7c15
	z ^= z >> 30
	z *= 0xbf58476d1ce4e5b9
	z ^= z >> 27
	z *= 0x94d049bb133111eb
	z ^= z >> 31
	if z == 0 {
		z = 0x9e3779b97f4a7c15
	}
	return z
}
