// Package expiry implements the eviction controller (spec §4.E): a
// probabilistic, write-triggered background scan that keeps a shard under
// its configured age/count/size bounds without running a full table scan on
// every write.
//
// Grounded on the teacher's internal/evictor.Evictor, which runs the same
// shape of decision loop (is the store over budget? sample candidates,
// delete the ones past budget) but on a fixed ticker over an in-memory map.
// This controller replaces the ticker with a write-triggered Bernoulli
// draw (spec §4.E "probabilistic batch scheduling"), and replaces the
// teacher's map iteration with the repository's oldest-by-id and
// estimated-size queries.
package expiry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dbcache/dbcache/config"
	"github.com/dbcache/dbcache/internal/dispatch"
	"github.com/dbcache/dbcache/internal/entry"
	"github.com/dbcache/dbcache/internal/executor"
	"github.com/dbcache/dbcache/internal/failsafe"
	"github.com/dbcache/dbcache/internal/repository"
	"github.com/dbcache/dbcache/internal/shared/random"
	"github.com/dbcache/dbcache/internal/shared/rate"
)

// overFetchFactor widens the oldest-by-id candidate pool beyond a single
// batch before sampling down, so two concurrent evictors racing the same
// shard are unlikely to pick the exact same rows to delete (spec §4.E steps
// 3 and 5).
const overFetchFactor = 3

// Controller schedules and runs eviction batches. One Controller serves an
// entire dispatcher (all shards), since WritingAll already knows how to
// enumerate whichever connections exist.
type Controller struct {
	cfg  *config.EvictionConfig
	disp *dispatch.Dispatcher
	pool *executor.Pool
	env  *failsafe.Envelope
	log  *slog.Logger

	writes  atomic.Int64
	evicted atomic.Int64
}

// New builds a Controller. cfg may be nil (or Enabled() == false), in which
// case OnWrite is a no-op — the caller doesn't need to branch on whether
// eviction is configured.
func New(cfg *config.EvictionConfig, disp *dispatch.Dispatcher, pool *executor.Pool, env *failsafe.Envelope, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{cfg: cfg, disp: disp, pool: pool, env: env, log: log}
}

// OnWrite is called after every successful cache write with count, the
// number of rows that write actually touched (1 for Set/Incr/Decr, n for an
// n-row SetMulti). It schedules batches(count) = floor(count·multiplier /
// batch_size) + Bernoulli(frac(count·multiplier / batch_size)) eviction
// passes, so that in steady state the controller schedules roughly
// Multiplier eviction passes per BatchSize writes regardless of whether
// those writes arrive one at a time or batched (spec §6 eviction
// "multiplier", §4.E "evict at multiplier x the observed write rate"). A
// single Bernoulli draw per write would under-schedule by orders of
// magnitude for a large SetMulti: the floor term guarantees the
// deterministic share of batches a large count is owed, and the Bernoulli
// draw only decides the fractional remainder.
func (c *Controller) OnWrite(ctx context.Context, count int) {
	if !c.cfg.HasBounds() || count <= 0 {
		return
	}
	c.writes.Add(int64(count))

	expected := float64(count) * c.cfg.Multiplier / float64(c.cfg.BatchSize)
	batches := int(expected)
	if frac := expected - float64(batches); random.Float64() < frac {
		batches++
	}
	for i := 0; i < batches; i++ {
		c.scheduleEvict()
	}
}

func (c *Controller) scheduleEvict() {
	switch c.cfg.Method {
	case config.ExpiryMethodJob:
		// Durable job scheduling is an external collaborator (a job queue
		// client the host application owns); the controller only decides
		// *that* a batch is due. Nothing to enqueue to without one, so this
		// falls back to the in-process pool, which is always available.
		fallthrough
	default:
		c.pool.Submit(func() {
			c.Evict(context.Background())
		})
	}
}

// Evict runs one eviction pass against every connection the dispatcher
// knows about, swallowing any storage error through the failsafe envelope —
// a failed eviction pass degrades to "nothing evicted this time", never to
// a propagated error (spec §4.D).
func (c *Controller) Evict(ctx context.Context) {
	if !c.cfg.HasBounds() {
		return
	}
	_ = failsafe.Try(c.env, "evict", func() error {
		return c.disp.WritingAll(ctx, func(repo *repository.Repository) error {
			return c.evictShard(ctx, repo)
		})
	})
}

// evictShard runs spec §4.E's eviction algorithm against a single shard:
// skip entirely if the shard isn't full and no max_age is configured;
// otherwise over-fetch 3x the batch size of oldest-by-id candidates, filter
// to the ones that actually qualify (full shard: all of them; otherwise
// only rows past max_age), then uniformly sample down to batch_size before
// deleting.
func (c *Controller) evictShard(ctx context.Context, repo *repository.Repository) error {
	full, err := c.isFull(ctx, repo)
	if err != nil {
		return err
	}
	if !full && c.cfg.MaxAge <= 0 {
		return nil
	}

	candidates, err := repo.OldestByID(ctx, c.cfg.BatchSize*overFetchFactor)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now()
	qualifying := make([]entry.Row, 0, len(candidates))
	for _, row := range candidates {
		expired := c.cfg.MaxAge > 0 && now.Sub(row.CreatedAt) > c.cfg.MaxAge
		if full || expired {
			qualifying = append(qualifying, row)
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	sample := sampleRows(qualifying, c.cfg.BatchSize)
	ids := make([]int64, len(sample))
	for i, row := range sample {
		ids[i] = row.ID
	}

	n, err := repo.DeleteByID(ctx, ids)
	if err != nil {
		return err
	}
	c.evicted.Add(n)
	return nil
}

// sampleRows uniformly samples up to n rows from rows without replacement,
// via a partial Fisher-Yates shuffle over the shared random source (spec
// §4.E step 5: "uniformly sample batch_size ids from the candidates").
// rows is shuffled in place; when len(rows) <= n it is returned unshuffled.
func sampleRows(rows []entry.Row, n int) []entry.Row {
	if n <= 0 || len(rows) <= n {
		return rows
	}
	for i := 0; i < n; i++ {
		j := i + int(random.Float64()*float64(len(rows)-i))
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows[:n]
}

// isFull reports whether repo's shard is currently over either the
// max-entries or max-size bound.
func (c *Controller) isFull(ctx context.Context, repo *repository.Repository) (bool, error) {
	if c.cfg.MaxEntries > 0 {
		count, _, _, err := repo.IDRange(ctx)
		if err != nil {
			return false, err
		}
		if count > c.cfg.MaxEntries {
			return true, nil
		}
	}
	if c.cfg.MaxSize > 0 {
		size, err := repo.EstimatedSize(ctx, c.cfg.SizeEstimateSamples)
		if err != nil {
			return false, err
		}
		if size > c.cfg.MaxSize {
			return true, nil
		}
	}
	return false, nil
}

// Stats returns the running totals of writes observed and rows evicted,
// consumed by the periodic telemetry logger.
func (c *Controller) Stats() (writes, evicted int64) {
	return c.writes.Load(), c.evicted.Load()
}

// RunBackground runs a low-frequency safety-net eviction sweep independent
// of OnWrite's write-triggered draws, so a shard that stops receiving writes
// (and so never rolls the Bernoulli trial again) still ages out expired rows
// eventually. ratePerSecond paces sweeps through the teacher's
// go.uber.org/ratelimit-backed jitter helper, the same smoothing primitive
// the teacher uses for any periodic background invocation. Blocks until ctx
// is canceled.
func (c *Controller) RunBackground(ctx context.Context, ratePerSecond int) {
	if !c.cfg.HasBounds() || ratePerSecond <= 0 {
		return
	}
	jitter := rate.NewJitter(ctx, ratePerSecond)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		jitter.Take()
		select {
		case <-ctx.Done():
			return
		default:
			c.Evict(ctx)
		}
	}
}
