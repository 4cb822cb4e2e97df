// Package dbcache is a durable, SQL-backed key/value cache engine: a Maglev
// consistent-hash router spreads keys across one or more SQL shards, a
// batched executor talks to those shards in bounded round trips, and a
// failsafe envelope turns any transient storage failure into a plain cache
// miss instead of a propagated error.
//
// Cache composes the engine's internal capabilities behind the small
// surface callers actually use (Get/Set/Multi/Fetch/Delete/Incr/Decr/Clear),
// the same way the teacher's own cache.Cache composes Cacher, Evictor, and
// Lifetimer via struct embedding — generalized here from a single
// in-process cache to a router-and-repository pair per configured mode.
package dbcache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbcache/dbcache/config"
	"github.com/dbcache/dbcache/internal/dispatch"
	"github.com/dbcache/dbcache/internal/executor"
	"github.com/dbcache/dbcache/internal/expiry"
	"github.com/dbcache/dbcache/internal/failsafe"
	"github.com/dbcache/dbcache/internal/repository"
	"github.com/dbcache/dbcache/internal/router"
	"github.com/dbcache/dbcache/internal/store"
	"github.com/dbcache/dbcache/internal/telemetry"
)

// Cache is the engine's public handle. *store.Store is embedded so callers
// invoke Get/Set/SetMulti/SetUnlessExists/Multi/Fetch/Delete/DeleteMulti/
// Incr/Decr/Clear/Cleanup directly on a *Cache value.
type Cache struct {
	*store.Store

	router   *router.Router
	dispatch *dispatch.Dispatcher
	pool     *executor.Pool
	expiry   *expiry.Controller
	reporter *telemetry.Reporter
	cancel   context.CancelFunc
}

// StatsInterval is how often the telemetry reporter logs a delta line when
// New starts one automatically. Zero disables it.
const StatsInterval = time.Minute

// backgroundEvictionRate paces the eviction controller's write-independent
// safety-net sweep (spec §4.E: bounds must eventually be enforced even on a
// shard that has gone idle).
const backgroundEvictionRate = 1

// New builds a Cache in Single or Sharded mode from a static map of shard
// name to already-opened *sql.DB connections. Shard membership comes from
// cfg.Database.ShardNames(); when that names no shards, every entry in conns
// participates. One participating name selects Single mode over that name's
// connection, two or more select Sharded (Maglev) mode.
//
// slogLog receives ambient engine logs (executor queue pressure, periodic
// stats); zlog receives the failsafe envelope's per-failure warning lines.
// Either may be the zero value to fall back to slog.Default()/a discarding
// zerolog.Logger respectively.
func New(cfg *config.Config, conns map[string]*sql.DB, dialect repository.Dialect, slogLog *slog.Logger, zlog zerolog.Logger) (*Cache, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("dbcache: nil config")
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("dbcache: at least one connection is required")
	}
	cfg.AdjustConfig()

	repos := make(map[string]*repository.Repository, len(conns))
	for name, db := range conns {
		repos[name] = repository.New(db, dialect)
	}

	names := cfg.Database.ShardNames()
	if len(names) == 0 {
		for name := range conns {
			names = append(names, name)
		}
	}

	disp, rt, err := buildDispatcher(names, repos)
	if err != nil {
		return nil, err
	}

	return build(cfg, disp, rt, slogLog, zlog), nil
}

// NewUnmanaged builds a Cache whose connection resolution is entirely
// delegated to read/write, e.g. a host framework's own connection registry
// (spec §4.C "unmanaged"). Router and shard enumeration are unavailable in
// this mode; Clear() reports false and other whole-topology operations fail.
func NewUnmanaged(cfg *config.Config, read, write dispatch.ConnResolver, slogLog *slog.Logger, zlog zerolog.Logger) (*Cache, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("dbcache: nil config")
	}
	cfg.AdjustConfig()
	disp := dispatch.NewUnmanaged(read, write)
	return build(cfg, disp, nil, slogLog, zlog), nil
}

func buildDispatcher(names []string, repos map[string]*repository.Repository) (*dispatch.Dispatcher, *router.Router, error) {
	if len(names) == 1 {
		repo, ok := repos[names[0]]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no connection for shard %q", ErrInvalidTopology, names[0])
		}
		return dispatch.NewSingle(repo), nil, nil
	}
	if len(names) == 0 {
		for _, repo := range repos {
			return dispatch.NewSingle(repo), nil, nil
		}
		return nil, nil, fmt.Errorf("%w: no repository available for single mode", ErrInvalidTopology)
	}

	rt, err := router.New(names)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	disp, err := dispatch.NewSharded(rt, repos)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	return disp, rt, nil
}

func build(cfg *config.Config, disp *dispatch.Dispatcher, rt *router.Router, slogLog *slog.Logger, zlog zerolog.Logger) *Cache {
	if slogLog == nil {
		slogLog = slog.Default()
	}

	env := failsafe.New(zlog, cfg.ErrorHandler)
	pool := executor.New(cfg, executor.DefaultQueueCap, slogLog, env)

	var ctrl *expiry.Controller
	if cfg.Eviction.Enabled() {
		ctrl = expiry.New(cfg.Eviction, disp, pool, env, slogLog)
	}

	s := store.New(cfg, disp, env, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		Store:    s,
		router:   rt,
		dispatch: disp,
		pool:     pool,
		expiry:   ctrl,
		cancel:   cancel,
	}

	if ctrl != nil {
		go ctrl.RunBackground(ctx, backgroundEvictionRate)

		if StatsInterval > 0 {
			c.reporter = telemetry.NewReporter(slogLog, StatsInterval, ctrl)
			go c.reporter.Run(ctx)
		}
	}

	return c
}

// Router returns the Maglev router this Cache was built with, or nil in
// Single or Unmanaged mode.
func (c *Cache) Router() *router.Router { return c.router }

// Stats returns the eviction controller's running write/evicted counters.
// ok is false when eviction is disabled, in which case writes and evicted
// are both zero.
func (c *Cache) Stats() (writes, evicted int64, ok bool) {
	if c.expiry == nil {
		return 0, 0, false
	}
	writes, evicted = c.expiry.Stats()
	return writes, evicted, true
}

// Close stops the background telemetry loop and the internal worker pool,
// waiting for any in-flight eviction batch to finish. It does not close the
// underlying *sql.DB connections; the caller owns those.
func (c *Cache) Close() {
	c.cancel()
	c.pool.Close()
}
