/*
scheduler.go - Automated delay reconciliation scheduler

PURPOSE:
  Periodically runs the delay reconciler so that open history rows which
  have overstayed their stage are flagged without waiting for a transition.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs one pass immediately on start
  - Each pass is recorded by the reconciler's run log
  - A failing pass is logged, the schedule continues

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

  or, under an errgroup:
  g.Go(func() error { return scheduler.Run(ctx) })

SEE ALSO:
  - handlers.go: TriggerReconciliation endpoint (manual run)
  - pipeline/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/pipeline"
)

// ReconciliationScheduler handles automated delay reconciliation.
type ReconciliationScheduler struct {
	Reconciler    *pipeline.Reconciler
	CheckInterval time.Duration
	Enabled       bool
	Clock         func() time.Time

	log    *logger.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(rec *pipeline.Reconciler, log *logger.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Reconciler:    rec,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Clock:         func() time.Time { return time.Now().UTC() },
		log:           logger.OrNop(log).With("component", "scheduler"),
	}
}

// Start begins the scheduler in the background.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		return
	}
	if !rs.Enabled {
		rs.log.Info("scheduler disabled, not starting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		_ = rs.Run(ctx)
	}()
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		rs.cancel()
		rs.wg.Wait()
		rs.cancel = nil
	}
}

// Run blocks, reconciling on every tick until ctx is done. It returns nil
// on cancellation.
func (rs *ReconciliationScheduler) Run(ctx context.Context) error {
	if !rs.Enabled {
		rs.log.Info("scheduler disabled, not starting")
		<-ctx.Done()
		return nil
	}

	interval := rs.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rs.log.Info("scheduler started", "interval", interval)
	defer rs.log.Info("scheduler stopped")

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// RunNow performs one pass as of the scheduler clock.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (pipeline.ReconcileResult, error) {
	res, err := rs.Reconciler.Run(ctx, rs.Clock())
	if err != nil {
		rs.log.Warn("scheduled reconciliation failed", "run_id", res.RunID, "failed", res.Failed, "error", err)
	}
	return res, err
}

// NextRunTime returns when the next scheduled pass will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	return rs.Clock().Add(rs.CheckInterval)
}
