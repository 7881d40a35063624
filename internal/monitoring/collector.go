package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/store"
)

// CapabilityMetrics is the run health of one capability.
type CapabilityMetrics struct {
	Runs      int64   `json:"runs"`
	Success   int64   `json:"success"`
	Partial   int64   `json:"partial"`
	Failed    int64   `json:"failed"`
	Processed int64   `json:"processed"`
	Errors    int64   `json:"errors"`
	FailRate  float64 `json:"fail_rate"`
}

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal    int64   `json:"runs_total"`
	RunsSuccess  int64   `json:"runs_success"`
	RunsPartial  int64   `json:"runs_partial"`
	RunsFailed   int64   `json:"runs_failed"`
	RunsActive   int64   `json:"runs_active"`
	RunFailRate  float64 `json:"run_fail_rate"`
	Processed    int64   `json:"processed"`
	RecordErrors int64   `json:"record_errors"`

	// Per-record error rate over everything attempted in the window.
	RecordErrorRate float64 `json:"record_error_rate"`

	// Pending or running runs older than the stale threshold, any age window.
	StaleRuns []string `json:"stale_runs,omitempty"`

	Capabilities map[model.Capability]*CapabilityMetrics `json:"capabilities"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of the store the collector reads.
type RunSource interface {
	RunStats(ctx context.Context, since time.Time) ([]store.RunStat, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers run metrics from the ledger tables.
type Collector struct {
	runs RunSource
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunSource) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the lookback window. Runs still active
// after staleAfter are listed as stale; zero disables the check.
func (c *Collector) Collect(ctx context.Context, lookbackHours int, staleAfter time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Capabilities:  make(map[model.Capability]*CapabilityMetrics),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.runs.RunStats(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run stats")
	}
	for _, st := range stats {
		cm := snap.Capabilities[st.Capability]
		if cm == nil {
			cm = &CapabilityMetrics{}
			snap.Capabilities[st.Capability] = cm
		}
		cm.Runs += st.Runs
		cm.Processed += st.Processed
		cm.Errors += st.Errors
		snap.RunsTotal += st.Runs
		snap.Processed += st.Processed
		snap.RecordErrors += st.Errors

		switch st.Status {
		case model.RunStatusSuccess:
			cm.Success += st.Runs
			snap.RunsSuccess += st.Runs
		case model.RunStatusPartial:
			cm.Partial += st.Runs
			snap.RunsPartial += st.Runs
		case model.RunStatusFailed:
			cm.Failed += st.Runs
			snap.RunsFailed += st.Runs
		default:
			snap.RunsActive += st.Runs
		}
	}

	for _, cm := range snap.Capabilities {
		cm.FailRate = ratio(cm.Failed, cm.Success+cm.Partial+cm.Failed)
	}
	snap.RunFailRate = ratio(snap.RunsFailed, snap.RunsSuccess+snap.RunsPartial+snap.RunsFailed)
	snap.RecordErrorRate = ratio(snap.RecordErrors, snap.Processed+snap.RecordErrors)

	if staleAfter > 0 {
		cutoff := now.Add(-staleAfter)
		for _, status := range []model.RunStatus{model.RunStatusPending, model.RunStatusRunning} {
			runs, err := c.runs.ListRuns(ctx, store.RunFilter{Status: status, Limit: 1000})
			if err != nil {
				return nil, eris.Wrap(err, "monitoring: list active runs")
			}
			for _, r := range runs {
				if r.StartedAt.Before(cutoff) {
					snap.StaleRuns = append(snap.StaleRuns, r.ID)
				}
			}
		}
	}

	return snap, nil
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
