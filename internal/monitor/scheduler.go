package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harborwatch/harborwatch/internal/observability"
)

// Scheduler ticks the orchestrator on a fixed cadence. Overlap is
// disallowed: while a cycle runs, subsequent ticks are skipped, not queued.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       observability.Logger
	running      atomic.Bool
}

// NewScheduler builds a Scheduler
func NewScheduler(orchestrator *Orchestrator, interval time.Duration, logger observability.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger.WithPrefix("scheduler"),
	}
}

// Run blocks until ctx is cancelled. The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Monitoring scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Monitoring scheduler stopped", nil)
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Previous cycle still running, skipping tick", nil)
		return
	}
	go func() {
		defer s.running.Store(false)
		if _, err := s.orchestrator.RunCycle(ctx); err != nil {
			s.logger.Error("Cycle run failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}
