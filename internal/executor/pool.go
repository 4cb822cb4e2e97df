// Package executor is the execution layer (spec §4.F): the single bounded
// worker pool background work (write-triggered expiry batches) runs on, so
// that fire-and-forget maintenance never spawns unbounded
// goroutines under load. A full queue discards the newest task rather than
// blocking the caller — background maintenance skipping a cycle is
// preferable to a cache write stalling behind it.
//
// Grounded on the teacher's internal/evictor and internal/lifetimer
// goroutine-pair pattern (a long-lived worker goroutine draining a channel):
// one worker goroutine drains a bounded queue, so expiry batches run one at
// a time.
package executor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dbcache/dbcache/config"
	"github.com/dbcache/dbcache/internal/failsafe"
)

// DefaultQueueCap is the task queue capacity used when the caller does not
// override it (spec §6 "execution queue cap defaults to 100").
const DefaultQueueCap = 100

// Pool runs submitted tasks either on its own single worker goroutine, or,
// when the host application supplies its own runtime via config.Executor,
// by handing each task to that function instead (spec §4.F "host-runtime
// wrapper hook" — the same *Cfg-or-nil-behavior pattern the teacher uses
// throughout internal/config, generalized from "feature disabled" to
// "caller owns this instead").
type Pool struct {
	hostRun config.ExecutorFunc

	tasks   chan func()
	wg      sync.WaitGroup
	dropped atomic.Int64
	log     *slog.Logger
	env     *failsafe.Envelope
}

// New builds a Pool. If cfg.Executor is set, tasks are handed to it directly
// and no internal goroutines are started. Otherwise New starts a single
// worker goroutine reading from a channel of capacity queueCap (0 means
// DefaultQueueCap). env routes a panicking task's recovered value through
// the failsafe envelope with tag "async" (spec §4.F) instead of letting it
// kill the worker goroutine; env may be nil, in which case a panic is only
// logged.
func New(cfg *config.Config, queueCap int, log *slog.Logger, env *failsafe.Envelope) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Enabled() && cfg.Executor != nil {
		return &Pool{hostRun: cfg.Executor, log: log, env: env}
	}

	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	p := &Pool{tasks: make(chan func(), queueCap), log: log, env: env}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues task for execution. It returns false, without running task,
// if the internal queue is full; task is discarded in that case (spec §4.F
// "discard-on-overflow"). When a host runtime wrapper is configured, Submit
// always hands the task off and returns true — queueing is the host's
// concern then.
//
// Every task is wrapped with a panic guard: an uncaught panic inside task
// is recovered and routed through the failsafe envelope tagged "async"
// rather than propagating out of the worker goroutine (spec §4.F).
func (p *Pool) Submit(task func()) bool {
	guarded := p.guard(task)

	if p.hostRun != nil {
		p.hostRun(guarded)
		return true
	}

	select {
	case p.tasks <- guarded:
		return true
	default:
		n := p.dropped.Add(1)
		p.log.Warn("dbcache: executor queue full, task discarded", "dropped_total", n)
		return false
	}
}

func (p *Pool) guard(task func()) func() {
	return func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err := fmt.Errorf("executor: recovered panic in background task: %v", r)
			if p.env != nil {
				_ = failsafe.Try(p.env, "async", func() error { return err })
				return
			}
			p.log.Error("dbcache: background task panicked", "error", err)
		}()
		task()
	}
}

// Dropped returns the number of tasks discarded so far due to a full queue.
// Always zero when a host runtime wrapper is configured.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting new work and waits for the running worker to drain
// its queue. A no-op when a host runtime wrapper is configured, since the
// pool doesn't own that goroutine's lifecycle.
func (p *Pool) Close() {
	if p.hostRun != nil {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}
