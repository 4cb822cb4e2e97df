package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	writes, evicted int64
}

func (f *fakeStats) Stats() (int64, int64) { return f.writes, f.evicted }

func TestRunLogsUntilContextCanceled(t *testing.T) {
	src := &fakeStats{writes: 10, evicted: 2}
	r := NewReporter(slog.Default(), 5*time.Millisecond, src)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunNoOpWithZeroInterval(t *testing.T) {
	src := &fakeStats{}
	r := NewReporter(slog.Default(), 0, src)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run with zero interval should return immediately")
	}
}

func TestLogDeltaTracksDifferenceBetweenTicks(t *testing.T) {
	src := &fakeStats{writes: 5, evicted: 1}
	r := NewReporter(slog.Default(), time.Hour, src)

	r.logDelta()
	require.Equal(t, int64(5), r.lastWrites)
	require.Equal(t, int64(1), r.lastEvicted)

	src.writes = 8
	src.evicted = 3
	r.logDelta()
	require.Equal(t, int64(8), r.lastWrites)
	require.Equal(t, int64(3), r.lastEvicted)
}
