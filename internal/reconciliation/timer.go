package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer runs reconciliation once at start and then every interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewTimer creates a reconciliation timer. A non-positive interval
// defaults to fifteen minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{runner: runner, interval: interval, logger: logger, done: make(chan struct{})}
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileRuns.WithLabelValues("panic").Inc()
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("reconciliation run failed", "error", err)
		}
		return
	}
	if len(report.Mismatches) > 0 {
		t.logger.Error("fund aggregates out of sync",
			"mismatches", len(report.Mismatches), "funds_checked", report.FundsChecked)
	}
}
