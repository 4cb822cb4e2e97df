package dbcache

import "errors"

// Sentinel errors identifying the non-transient failure categories a caller
// might want to branch on directly, as opposed to the transient storage
// failures the failsafe envelope already swallows internally (spec §7).
var (
	// ErrInvalidTopology is returned when a shard configuration cannot be
	// turned into a working dispatcher: no shard names, or a router built
	// over a name with no assigned connection.
	ErrInvalidTopology = errors.New("dbcache: invalid shard topology")
)
