package traffic

import (
	"context"
	"sync"
	"time"

	"github.com/yegors/co-traffic/pkg/logger"
)

// Sweeper runs one bounded unit of work per tick for the lifetime of the
// process. Errors and panics inside a tick are logged and swallowed.
type Sweeper struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context)
	logger   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFallbackSweeper refreshes every source whose last success is older than
// the orchestrator's fallback window
func NewFallbackSweeper(o *Orchestrator, interval time.Duration, log *logger.Logger) *Sweeper {
	s := &Sweeper{
		name:     "fallback",
		interval: interval,
		logger:   log.Named("fallback-sweep"),
	}
	s.task = func(ctx context.Context) {
		for _, src := range Sources {
			outcome, err := o.EnsureFreshWithin(ctx, src, o.FallbackWindow())
			if err != nil {
				s.logger.Error("Fallback refresh failed",
					logger.String("source", string(src)),
					logger.Error(err))
				continue
			}
			if outcome != OutcomeFresh {
				s.logger.Info("Fallback refresh",
					logger.String("source", string(src)),
					logger.String("outcome", string(outcome)))
			}
		}
	}
	return s
}

// NewCleanupSweeper deletes expired records once per cleanup window
func NewCleanupSweeper(o *Orchestrator, interval time.Duration, log *logger.Logger) *Sweeper {
	s := &Sweeper{
		name:     "cleanup",
		interval: interval,
		logger:   log.Named("cleanup-sweep"),
	}
	s.task = func(ctx context.Context) {
		res, err := o.CleanupIfDue(ctx)
		if err != nil {
			s.logger.Error("Retention cleanup failed", logger.Error(err))
			return
		}
		if res.Outcome == OutcomeCleaned {
			s.logger.Info("Retention cleanup",
				logger.Int64("deleted", res.Deleted),
				logger.Time("cutoff", res.Cutoff))
		}
	}
	return s
}

// Start launches the loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("Starting sweeper",
		logger.String("sweeper", s.name),
		logger.Duration("interval", s.interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				s.logger.Info("Sweeper stopped")
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight tick to return
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.logger.Info("Stopping sweeper")
	cancel()
	s.wg.Wait()
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweeper tick panicked", logger.Any("panic", r))
		}
	}()
	s.task(ctx)
}
