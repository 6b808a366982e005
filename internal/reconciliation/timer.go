package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultInterval = 15 * time.Minute

// Timer runs the ledger audit once at start and then on every tick.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	last     atomic.Pointer[Report]
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTimer creates an audit timer. A non-positive interval means every
// fifteen minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the most recent completed pass, or nil before the
// first one finishes.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.audit(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) audit(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("panic in ledger audit", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("ledger audit run failed", "error", err)
		}
		return
	}
	t.last.Store(report)
}
