/*
reconcile.go - Delay reconciliation job

PURPOSE:
  Re-evaluates the delay status of every open history row as of an explicit
  instant and persists WasDelayed/DelayMessage where they changed. The job
  never reads the wall clock; the scheduler (api/scheduler.go) or the CLI
  passes "now" in.

CONCURRENCY:
  Rows are read as a snapshot and written back with RequireOpen set. A row
  closed by a transition between the read and the write is rejected by the
  store with ErrHistoryRowClosed and counted as skipped. Running twice with
  no transitions in between leaves the second run with nothing to update.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/stage"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	RunID      string
	Scanned    int // open rows read
	Updated    int // rows whose delay fields were written
	Unchanged  int
	Skipped    int // rows closed between read and write
	NowDelayed int // rows evaluated as delayed at now
	Failed     int
}

type Reconciler struct {
	store Store
	table *stage.Table
	runs  RunLog
	log   *logger.Logger
	newID func() string
	clock func() time.Time
}

type ReconcilerOption func(*Reconciler)

// WithRunLog records every pass in log.
func WithRunLog(log RunLog) ReconcilerOption {
	return func(r *Reconciler) { r.runs = log }
}

func WithReconcilerLogger(l *logger.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = logger.OrNop(l) }
}

func WithRunIDGenerator(newID func() string) ReconcilerOption {
	return func(r *Reconciler) { r.newID = newID }
}

// WithRunClock sets the clock used for run StartedAt/CompletedAt stamps.
// Delay evaluation always uses the now passed to Run.
func WithRunClock(clock func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.clock = clock }
}

func NewReconciler(store Store, table *stage.Table, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store: store,
		table: table,
		log:   logger.Nop(),
		newID: uuid.NewString,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "pipeline.reconciler")
	return r
}

// Run evaluates every open row as of now. Per-row write failures don't stop
// the pass; they are counted, logged and returned joined.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (ReconcileResult, error) {
	run := ReconciliationRun{
		ID:        r.newID(),
		AsOf:      now,
		StartedAt: r.clock(),
		Status:    RunRunning,
	}
	r.record(ctx, run)

	res, err := r.reconcile(ctx, now)
	res.RunID = run.ID

	completed := r.clock()
	run.CompletedAt = &completed
	run.Scanned, run.Updated, run.Skipped = res.Scanned, res.Updated, res.Skipped
	run.NowDelayed, run.Failed = res.NowDelayed, res.Failed
	run.Status = RunCompleted
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
	}
	// Saved even when ctx was cancelled mid-pass.
	r.record(context.WithoutCancel(ctx), run)

	r.log.Info("reconciliation finished",
		"run_id", run.ID,
		"as_of", now,
		"scanned", res.Scanned,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"skipped", res.Skipped,
		"now_delayed", res.NowDelayed,
		"failed", res.Failed,
	)
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult

	rows, err := r.store.FindOpenHistoryRows(ctx, OpenRowQuery{})
	if err != nil {
		return res, fmt.Errorf("find open history rows: %w", err)
	}
	res.Scanned = len(rows)

	var errs []error
	for _, o := range rows {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		stageName, enteredAt := o.Basis()
		p := r.table.Progress(stageName, enteredAt, now)
		if p.IsDelayed {
			res.NowDelayed++
		}
		if o.Row.WasDelayed == p.IsDelayed && o.Row.DelayMessage == p.DelayMessage {
			res.Unchanged++
			continue
		}

		err := r.store.UpdateHistoryRow(ctx, o.Row.ID, HistoryPatch{
			WasDelayed:   p.IsDelayed,
			DelayMessage: p.DelayMessage,
			RequireOpen:  true,
		})
		switch {
		case err == nil:
			res.Updated++
		case errors.Is(err, ErrHistoryRowClosed), errors.Is(err, ErrHistoryRowNotFound):
			res.Skipped++
		default:
			res.Failed++
			r.log.Error("reconcile history row failed",
				"row_id", o.Row.ID,
				"entry_id", o.Row.EntryID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("row %s: %w", o.Row.ID, err))
		}
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) record(ctx context.Context, run ReconciliationRun) {
	if r.runs == nil {
		return
	}
	if err := r.runs.SaveReconciliationRun(ctx, run); err != nil {
		r.log.Warn("save reconciliation run failed", "run_id", run.ID, "error", err)
	}
}

// Runs returns recorded passes, latest first. Empty when no run log is configured.
func (r *Reconciler) Runs(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if r.runs == nil {
		return []ReconciliationRun{}, nil
	}
	runs, err := r.runs.ListReconciliationRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", err)
	}
	return runs, nil
}
