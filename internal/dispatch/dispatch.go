// Package dispatch resolves which repository.Repository backs a given key
// or should receive a broadcast operation (spec §4.C). Three strategies are
// supported as a single tagged-variant type rather than three separate
// implementations behind an interface, following the spec's design note
// (§9 "dispatcher strategies as tagged variant, not three interface
// implementations") and mirroring the teacher's internal/cache/db.Map,
// which is itself one type whose behavior narrows based on shard count
// rather than a family of interchangeable implementations.
package dispatch

import (
	"context"
	"fmt"

	"github.com/dbcache/dbcache/internal/repository"
	"github.com/dbcache/dbcache/internal/router"
)

// Mode selects how a Dispatcher resolves connections.
type Mode int

const (
	// Unmanaged delegates connection resolution entirely to caller-supplied
	// functions; dbcache does not own connection identity or lifecycle at
	// all (spec §4.C "unmanaged: host framework owns connection resolution").
	Unmanaged Mode = iota
	// Single routes every key to one shared repository.
	Single
	// Sharded routes each key through a Maglev router.Router to one of
	// several named repositories.
	Sharded
)

// ConnResolver resolves a repository outside of key-based routing, the shape
// Unmanaged mode needs to plug into a host framework's own connection
// registry.
type ConnResolver func(ctx context.Context) (*repository.Repository, error)

// Dispatcher is the single connection-resolution type covering all three
// modes. Which fields are populated depends on Mode; callers only ever go
// through the exported methods, so the internal shape is free to vary.
type Dispatcher struct {
	mode Mode

	single *repository.Repository

	router *router.Router
	shards map[string]*repository.Repository

	unmanagedRead  ConnResolver
	unmanagedWrite ConnResolver
}

// NewUnmanaged builds a Dispatcher that defers all connection resolution to
// the supplied callbacks. read and write may be the same function when the
// host framework does not distinguish read/write connections.
func NewUnmanaged(read, write ConnResolver) *Dispatcher {
	return &Dispatcher{mode: Unmanaged, unmanagedRead: read, unmanagedWrite: write}
}

// NewSingle builds a Dispatcher that always resolves to repo.
func NewSingle(repo *repository.Repository) *Dispatcher {
	return &Dispatcher{mode: Single, single: repo}
}

// NewSharded builds a Dispatcher that routes keys through rt to one of
// shards. Every name rt knows about must have a repository; extra entries in
// shards that rt does not route to are permitted (e.g. a shard being drained
// ahead of a router rebuild) but are unreachable via key-based resolution.
func NewSharded(rt *router.Router, shards map[string]*repository.Repository) (*Dispatcher, error) {
	if rt == nil {
		return nil, fmt.Errorf("dispatch: sharded mode requires a router")
	}
	for _, name := range rt.Shards() {
		if _, ok := shards[name]; !ok {
			return nil, fmt.Errorf("dispatch: no repository assigned for shard %q", name)
		}
	}
	cp := make(map[string]*repository.Repository, len(shards))
	for name, repo := range shards {
		cp[name] = repo
	}
	return &Dispatcher{mode: Sharded, router: rt, shards: cp}, nil
}

// Assign registers or replaces the repository for a named shard. Valid only
// in Sharded mode; the router's shard set is unaffected, so Assign is for
// swapping a connection (e.g. after a reconnect), not resizing the cluster.
func (d *Dispatcher) Assign(name string, repo *repository.Repository) error {
	if d.mode != Sharded {
		return fmt.Errorf("dispatch: assign is only valid in sharded mode")
	}
	d.shards[name] = repo
	return nil
}

// ConnectionFor resolves the repository that owns key, without regard to
// read/write distinction (Single and Sharded modes only route one way;
// Unmanaged callers needing the read/write split should use ReadingKey or
// WritingKey instead).
func (d *Dispatcher) ConnectionFor(ctx context.Context, key string) (*repository.Repository, error) {
	switch d.mode {
	case Single:
		return d.single, nil
	case Sharded:
		name := d.router.Lookup(key)
		repo, ok := d.shards[name]
		if !ok {
			return nil, fmt.Errorf("dispatch: shard %q has no assigned repository", name)
		}
		return repo, nil
	case Unmanaged:
		return d.unmanagedRead(ctx)
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %d", d.mode)
	}
}

// ReadingKey resolves the connection a read of key should use.
func (d *Dispatcher) ReadingKey(ctx context.Context, key string) (*repository.Repository, error) {
	if d.mode == Unmanaged {
		return d.unmanagedRead(ctx)
	}
	return d.ConnectionFor(ctx, key)
}

// WritingKey resolves the connection a write of key should use.
func (d *Dispatcher) WritingKey(ctx context.Context, key string) (*repository.Repository, error) {
	if d.mode == Unmanaged {
		return d.unmanagedWrite(ctx)
	}
	return d.ConnectionFor(ctx, key)
}

// ReadingKeys partitions keys by the repository each resolves to for
// reading, so a multi-key read issues one read_multi per shard instead of
// one round trip per key.
func (d *Dispatcher) ReadingKeys(ctx context.Context, keys []string) (map[*repository.Repository][]string, error) {
	return d.groupBy(ctx, keys, d.ReadingKey)
}

// WritingKeys partitions keys by the repository each resolves to for
// writing.
func (d *Dispatcher) WritingKeys(ctx context.Context, keys []string) (map[*repository.Repository][]string, error) {
	return d.groupBy(ctx, keys, d.WritingKey)
}

func (d *Dispatcher) groupBy(
	ctx context.Context,
	keys []string,
	resolve func(context.Context, string) (*repository.Repository, error),
) (map[*repository.Repository][]string, error) {
	groups := make(map[*repository.Repository][]string)
	for _, key := range keys {
		repo, err := resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		groups[repo] = append(groups[repo], key)
	}
	return groups, nil
}

// With resolves key's connection and invokes fn with it.
func (d *Dispatcher) With(ctx context.Context, key string, fn func(*repository.Repository) error) error {
	repo, err := d.ConnectionFor(ctx, key)
	if err != nil {
		return err
	}
	return fn(repo)
}

// WithEach invokes fn once per distinct connection this Dispatcher knows
// about: the single connection in Single mode, every shard in Sharded mode.
// Unmanaged mode has no enumerable connection set (the host framework owns
// that), so WithEach returns an error there.
func (d *Dispatcher) WithEach(ctx context.Context, fn func(name string, repo *repository.Repository) error) error {
	switch d.mode {
	case Single:
		return fn("", d.single)
	case Sharded:
		for _, name := range d.router.Shards() {
			repo, ok := d.shards[name]
			if !ok {
				continue
			}
			if err := fn(name, repo); err != nil {
				return err
			}
		}
		return nil
	case Unmanaged:
		return fmt.Errorf("dispatch: with_each is not supported in unmanaged mode")
	default:
		return fmt.Errorf("dispatch: unknown mode %d", d.mode)
	}
}

// WritingAll applies fn to every connection this Dispatcher can enumerate,
// the primitive clear() and configuration broadcasts use. It is WithEach
// under a name that matches the write-side vocabulary the rest of the
// dispatch API uses.
func (d *Dispatcher) WritingAll(ctx context.Context, fn func(repo *repository.Repository) error) error {
	return d.WithEach(ctx, func(_ string, repo *repository.Repository) error {
		return fn(repo)
	})
}

// Mode reports which strategy this Dispatcher was constructed with.
func (d *Dispatcher) Mode() Mode { return d.mode }
