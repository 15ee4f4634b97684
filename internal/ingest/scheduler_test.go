package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quakefeed/quakefeed/internal/ingest"
	"github.com/quakefeed/quakefeed/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner holds each cycle open until the test releases it, so the
// test controls exactly how long a cycle overlaps subsequent ticks.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	runs    atomic.Int32
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingRunner) Run(_ context.Context) error {
	b.runs.Add(1)
	b.started <- struct{}{}
	<-b.release
	return b.err
}

type countingRunner struct {
	runs atomic.Int32
	err  error
}

func (c *countingRunner) Run(_ context.Context) error {
	c.runs.Add(1)
	return c.err
}

const tickInterval = time.Minute

func startScheduler(t *testing.T, runner ingest.CycleRunner, clock clockwork.Clock, metrics *observability.Metrics) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := ingest.NewScheduler(runner, tickInterval, clock, slog.Default(), metrics)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestScheduler_OverlappingTickDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := newBlockingRunner()
	metrics := observability.NewMetricsForTesting()
	startScheduler(t, runner, clock, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "scheduler never created its ticker")

	// First tick starts a cycle that stays in flight.
	clock.Advance(tickInterval)
	<-runner.started

	// Second tick fires mid-cycle; it must be dropped, not queued.
	clock.Advance(tickInterval)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.CyclesSkipped) == 1
	}, 5*time.Second, 5*time.Millisecond, "overlapping tick was not dropped")
	assert.EqualValues(t, 1, runner.runs.Load())

	// Release the in-flight cycle; a later tick starts a fresh one. The
	// flag resets asynchronously, so keep ticking until it takes.
	runner.release <- struct{}{}
	require.Eventually(t, func() bool {
		clock.Advance(tickInterval)
		select {
		case <-runner.started:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond, "scheduler never returned to idle")
	runner.release <- struct{}{}

	assert.EqualValues(t, 2, runner.runs.Load(), "the dropped tick must not be replayed")
}

func TestScheduler_RunsOncePerTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := &countingRunner{}
	metrics := observability.NewMetricsForTesting()
	startScheduler(t, runner, clock, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// The idle flag resets just after the cycle returns, so keep ticking
	// rather than pairing one advance to one run.
	require.Eventually(t, func() bool {
		clock.Advance(tickInterval)
		return runner.runs.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.CyclesRun), float64(3))
}

func TestScheduler_FailedCycleReturnsToIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := &countingRunner{err: errors.New("source down")}
	metrics := observability.NewMetricsForTesting()
	startScheduler(t, runner, clock, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(tickInterval)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.CyclesFailed) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// A failed cycle must not jam the scheduler; a later tick runs again.
	require.Eventually(t, func() bool {
		clock.Advance(tickInterval)
		return runner.runs.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := &countingRunner{}
	metrics := observability.NewMetricsForTesting()
	cancel := startScheduler(t, runner, clock, metrics)

	ctx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	cancel()
	// Cleanup in startScheduler blocks until Run returns, so reaching the
	// end of this test proves shutdown completed.
}
