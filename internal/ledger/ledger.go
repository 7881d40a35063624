// Package ledger records the lifecycle of capability runs.
//
// A run moves pending -> running -> {success, failed, partial}. The terminal
// status is written once; finalization survives cancellation of the caller's
// context so an interrupted run is still closed out.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/store"
)

// ReasonReaped is recorded on runs failed by ReapStale.
const ReasonReaped = "reaped"

// Ledger wraps the run persistence of a store.
type Ledger struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "ledger")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start creates a run whose scope watermark is now and moves it to running.
// If another run of the capability is running, the new run is marked failed
// and an error wrapping store.ErrRunInProgress is returned.
func (l *Ledger) Start(ctx context.Context, capability model.Capability) (*model.Run, error) {
	if err := capability.Validate(); err != nil {
		return nil, err
	}

	run, err := l.store.CreateRun(ctx, capability, model.Watermark(l.now()))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: create run")
	}

	if err := l.store.TransitionRun(ctx, run.ID, model.RunStatusRunning, ""); err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			if ferr := l.store.TransitionRun(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed, "another run in progress"); ferr != nil {
				l.log.Warn("ledger: could not close rejected run", zap.String("run_id", run.ID), zap.Error(ferr))
			}
		}
		return nil, eris.Wrapf(err, "ledger: start %s run", capability)
	}
	run.Status = model.RunStatusRunning

	l.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("capability", string(capability)),
		zap.Time("watermark", run.StartedAt),
	)
	return run, nil
}

// Decide picks the terminal status for a run. Systemic failures fail the run;
// per-record failures or an interruption after some progress make it
// partial.
func Decide(processed, errCount int64, systemic, cancelled bool) model.RunStatus {
	switch {
	case systemic:
		return model.RunStatusFailed
	case cancelled && processed == 0:
		return model.RunStatusFailed
	case cancelled || errCount > 0:
		return model.RunStatusPartial
	default:
		return model.RunStatusSuccess
	}
}

// Complete writes the run's terminal status, counts and details.
func (l *Ledger) Complete(ctx context.Context, run *model.Run, outcome model.RunOutcome) error {
	ctx = context.WithoutCancel(ctx)

	if run.Status == model.RunStatusPending {
		// Never started; a pending run can only fail.
		return l.Fail(ctx, run, outcome.Details.Reason)
	}
	if err := l.store.FinishRun(ctx, run.ID, outcome); err != nil {
		return eris.Wrapf(err, "ledger: finish run %s", run.ID)
	}
	run.Status = outcome.Status
	run.ProcessedCount = outcome.Processed
	run.ErrorCount = outcome.Errors

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("capability", string(run.Capability)),
		zap.String("status", string(outcome.Status)),
		zap.Int64("processed", outcome.Processed),
		zap.Int64("errors", outcome.Errors),
		zap.Duration("elapsed", l.now().Sub(run.StartedAt)),
	}
	if outcome.Status == model.RunStatusSuccess {
		l.log.Info("run finished", fields...)
	} else {
		l.log.Warn("run finished", append(fields, zap.String("reason", outcome.Details.Reason))...)
	}
	return nil
}

// Fail closes a run as failed with a reason.
func (l *Ledger) Fail(ctx context.Context, run *model.Run, reason string) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	if run.Status == model.RunStatusPending {
		err = l.store.TransitionRun(ctx, run.ID, model.RunStatusFailed, reason)
	} else {
		err = l.store.FinishRun(ctx, run.ID, model.RunOutcome{
			Status:    model.RunStatusFailed,
			Processed: run.ProcessedCount,
			Errors:    run.ErrorCount,
			Details:   model.RunDetails{Reason: reason},
		})
	}
	if err != nil {
		return eris.Wrapf(err, "ledger: fail run %s", run.ID)
	}
	run.Status = model.RunStatusFailed

	l.log.Error("run failed",
		zap.String("run_id", run.ID),
		zap.String("capability", string(run.Capability)),
		zap.String("reason", reason),
	)
	return nil
}

// AppendDetails attaches details to a running or partial run.
func (l *Ledger) AppendDetails(ctx context.Context, runID string, details model.RunDetails) error {
	return eris.Wrapf(l.store.AppendRunDetails(ctx, runID, details), "ledger: append details to %s", runID)
}

// Progress records the counts of a run that is still going.
func (l *Ledger) Progress(ctx context.Context, runID string, processed, errCount int64) error {
	return eris.Wrapf(l.store.UpdateRunProgress(ctx, runID, processed, errCount), "ledger: progress of %s", runID)
}

// Get returns a run by id.
func (l *Ledger) Get(ctx context.Context, runID string) (*model.Run, error) {
	run, err := l.store.GetRun(ctx, runID)
	return run, eris.Wrapf(err, "ledger: get run %s", runID)
}

// List returns runs newest first.
func (l *Ledger) List(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	runs, err := l.store.ListRuns(ctx, filter)
	return runs, eris.Wrap(err, "ledger: list runs")
}

// Stats aggregates runs created within the lookback window.
func (l *Ledger) Stats(ctx context.Context, lookback time.Duration) ([]store.RunStat, error) {
	stats, err := l.store.RunStats(ctx, l.now().Add(-lookback))
	return stats, eris.Wrap(err, "ledger: run stats")
}

// ReapStale fails pending or running runs started more than maxAge ago,
// typically left behind by a crashed process.
func (l *Ledger) ReapStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := l.store.ReapStaleRuns(ctx, l.now().Add(-maxAge), ReasonReaped)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: reap stale runs")
	}
	if n > 0 {
		l.log.Warn("reaped stale runs", zap.Int64("count", n), zap.Duration("max_age", maxAge))
	}
	return n, nil
}
