package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs named periodic jobs on their own tickers. The expiration
// sweeper, announcement checker, registrar prober, and statistics writer
// all hang off one scheduler so shutdown can stop them together.
type Scheduler struct {
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped-on-Close scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every runs fn on a fixed interval until the scheduler closes. A running
// invocation finishes before shutdown completes; invocations of one job
// never overlap.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		s.logger.Warn("job has no interval, not scheduling", zap.String("job", name))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Debug("job scheduled",
			zap.String("job", name),
			zap.Duration("interval", interval))
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				fn(s.ctx)
			}
		}
	}()
}

// After runs fn once after delay unless the scheduler closes first.
func (s *Scheduler) After(name string, delay time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
		case <-timer.C:
			fn(s.ctx)
		}
	}()
}

// Close cancels all jobs and waits for in-progress invocations.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
