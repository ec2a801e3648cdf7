package funding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweeper moves past-due tranches to OVERDUE on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates an overdue-tranche sweeper. A non-positive interval
// defaults to one hour.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger, done: make(chan struct{})}
}

// Start sweeps immediately, then every interval, until ctx is done or
// Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Sweep runs one pass and returns the number of tranches marked overdue.
// Panics are logged and reported as zero.
func (s *Sweeper) Sweep(ctx context.Context) (n int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in tranche sweeper", "panic", fmt.Sprint(r))
			n = 0
		}
	}()

	n, err := s.engine.MarkOverdueTranches(ctx, s.engine.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("tranche sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		s.logger.Info("marked tranches overdue", "count", n)
	}
	return n
}
