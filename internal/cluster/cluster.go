// Package cluster persists the output of clustering runs.
package cluster

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/internal/store"
)

// Writer replaces cluster membership for the records a run covered.
type Writer struct {
	store store.Store
	retry resilience.RetryConfig
	log   *zap.Logger
}

// NewWriter creates a Writer.
func NewWriter(s store.Store, retryAttempts int) *Writer {
	retry := resilience.StorageRetryConfig(retryAttempts)
	retry.OnRetry = resilience.RetryLogger("cluster", "replace_membership")
	return &Writer{
		store: s,
		retry: retry,
		log:   zap.L().With(zap.String("component", "cluster")),
	}
}

// ReplaceMembership makes the covered records' membership in clusters of the
// run's capability exactly equal to assignments. recordIDs lists every record
// the run covered, including those with no assignment, whose prior links are
// removed. Clusters of other capabilities are untouched.
func (w *Writer) ReplaceMembership(ctx context.Context, run *model.Run, recordIDs []string, clusters []model.Cluster, assignments []model.ClusterAssignment) (*store.MembershipResult, error) {
	if run == nil {
		return nil, eris.New("cluster: nil run")
	}
	if err := validate(recordIDs, clusters, assignments); err != nil {
		return nil, eris.Wrapf(err, "cluster: run %s", run.ID)
	}

	update := store.MembershipUpdate{
		RunID:       run.ID,
		Capability:  run.Capability,
		RecordIDs:   dedupe(recordIDs),
		Clusters:    clusters,
		Assignments: assignments,
	}
	res, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (*store.MembershipResult, error) {
		return w.store.ReplaceMembership(ctx, update)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "cluster: replace membership for run %s", run.ID)
	}

	w.log.Info("membership replaced",
		zap.String("run_id", run.ID),
		zap.String("capability", string(run.Capability)),
		zap.Int("records", len(update.RecordIDs)),
		zap.Int("clusters", res.Clusters),
		zap.Int64("removed", res.Removed),
		zap.Int("links", res.Links),
	)
	return res, nil
}

// validate rejects assignments outside the covered records and duplicate
// cluster keys. Unknown cluster keys are left to the store, which may
// resolve keys written earlier in the same run.
func validate(recordIDs []string, clusters []model.Cluster, assignments []model.ClusterAssignment) error {
	covered := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		covered[id] = true
	}
	keys := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		if c.Key == "" {
			return eris.Wrap(store.ErrConstraint, "cluster with empty key")
		}
		if keys[c.Key] {
			return eris.Wrapf(store.ErrConstraint, "duplicate cluster key %q", c.Key)
		}
		keys[c.Key] = true
	}
	for _, a := range assignments {
		if !covered[a.RecordID] {
			return eris.Wrapf(store.ErrConstraint, "assignment for uncovered record %s", a.RecordID)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
