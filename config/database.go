package config

import "sort"

// DatabaseConfig declares the shard topology the dispatcher and router build
// from, mirroring spec §6's mutually-exclusive database/databases/connects_to
// knobs:
//
//   - one named shard selects the Single strategy
//   - two or more named shards selects the Sharded (Maglev) strategy
//
// The Unmanaged strategy is not selected through DatabaseConfig; it is built
// by dbcache.NewUnmanaged.
type DatabaseConfig struct {
	// Handles maps a shard name to its connection handle. The connection
	// handle itself (pooling, driver) is supplied by the storage framework;
	// the engine only ever asks the dispatcher "give me the handle for X".
	Handles map[string]any `yaml:"-"`

	// Shards restricts routing to this subset of Handles. Empty means "all
	// configured handles participate".
	Shards []string `yaml:"shards"`
}

// ShardNames returns the deduplicated, sorted list of shard names this
// database config routes across. Sorting makes router construction
// order-independent, a property spec §4.A requires of the Maglev table.
func (d *DatabaseConfig) ShardNames() []string {
	if d == nil {
		return nil
	}
	set := map[string]struct{}{}
	if len(d.Shards) > 0 {
		for _, s := range d.Shards {
			set[s] = struct{}{}
		}
	} else {
		for name := range d.Handles {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KeyConfig bounds normalized key length.
type KeyConfig struct {
	// MaxKeyByteSize is the maximum byte length of a normalized key before
	// collision-safe truncation kicks in. Default 1024.
	MaxKeyByteSize int `yaml:"max_key_bytesize"`
}
