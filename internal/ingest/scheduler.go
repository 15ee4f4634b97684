package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quakefeed/quakefeed/internal/observability"
)

// CycleRunner executes one ingestion cycle.
type CycleRunner interface {
	Run(ctx context.Context) error
}

// Scheduler triggers one ingestion cycle per interval and guarantees cycles
// never overlap themselves: a tick arriving while a cycle is still running
// is dropped, not queued. The single-flight guard is an atomic flag, so a
// slow cycle can never wedge the ticker loop.
type Scheduler struct {
	cycle    CycleRunner
	interval time.Duration
	clock    clockwork.Clock
	running  atomic.Bool
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewScheduler creates a scheduler. The clock is injected so tests can
// advance time deterministically.
func NewScheduler(cycle CycleRunner, interval time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		cycle:    cycle,
		interval: interval,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run ticks until the context is cancelled. Each tick transitions the
// scheduler Idle -> Running at most once; Running -> Idle happens
// unconditionally when the cycle returns, whether it succeeded or failed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.CyclesSkipped.Inc()
		s.logger.Warn("previous cycle still running, dropping tick")
		return
	}

	// The cycle runs off the ticker goroutine so later ticks can still be
	// observed (and dropped) while it executes.
	go func() {
		defer s.running.Store(false)

		s.metrics.CyclesRun.Inc()
		if err := s.cycle.Run(ctx); err != nil {
			s.metrics.CyclesFailed.Inc()
			s.logger.Error("ingestion cycle failed", "error", err)
		}
	}()
}
