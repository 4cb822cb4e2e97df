// Package rate paces expiry.Controller.RunBackground's safety-net sweep:
// Take blocks until the next tick of a target rate, turning what would
// otherwise be a tight polling loop into evenly spaced background eviction
// passes.
package rate

import (
	"context"

	"go.uber.org/ratelimit"
)

// Jitter paces callers to at most limit Take() calls per second.
type Jitter struct {
	ch chan struct{}
	l  ratelimit.Limiter
}

// NewJitter starts a background producer feeding ch at limit ticks per
// second; canceling ctx stops the producer and closes ch, so callers
// blocked in Take return instead of hanging once the sweep is torn down.
func NewJitter(ctx context.Context, limit int) *Jitter {
	burst := int(float64(limit) * 0.1)
	if burst < 1 {
		burst = 1
	}
	j := &Jitter{ch: make(chan struct{}, burst), l: ratelimit.New(limit)}
	go j.provide(ctx)
	return j
}

func (j *Jitter) provide(ctx context.Context) {
	defer close(j.ch)
	for {
		j.l.Take()
		select {
		case <-ctx.Done():
			return
		case j.ch <- struct{}{}:
		}
	}
}

// Take blocks until the next paced tick, or returns immediately once ctx
// has been canceled and the channel has drained and closed.
func (j *Jitter) Take() {
	<-j.ch
}
