// Package store persists records, cursors, derived entities, clusters and
// runs. PostgresStore is the production backend; SQLiteStore serves local
// corpora and tests.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

// Sentinel errors returned (wrapped) by every backend.
var (
	ErrNotFound          = eris.New("store: not found")
	ErrConstraint        = eris.New("store: constraint violation")
	ErrRunInProgress     = eris.New("store: a run of this capability is already in progress")
	ErrInvalidTransition = eris.New("store: invalid run status transition")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Capability model.Capability `json:"capability,omitempty"`
	Status     model.RunStatus  `json:"status,omitempty"`
	Since      *time.Time       `json:"since,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// RunStat aggregates runs of one capability and status.
type RunStat struct {
	Capability model.Capability `json:"capability"`
	Status     model.RunStatus  `json:"status"`
	Runs       int64            `json:"runs"`
	Processed  int64            `json:"processed"`
	Errors     int64            `json:"errors"`
}

// CandidateFilter narrows the records considered by a search. Empty fields
// do not filter.
type CandidateFilter struct {
	Sources    []string   // source_name IN
	Tags       []string   // record carries every tag
	ClusterIDs []string   // record belongs to any cluster
	Languages  []string   // language IN ("" matches undetected records)
	From       *time.Time // ingested_at >= From
	To         *time.Time // ingested_at < To
	AnyTerms   []string   // term vector contains any of these terms
}

// EntityGroup is one normalized entity and how often it occurs in a record.
type EntityGroup struct {
	Key   model.EntityKey
	Text  string // surface form stored when the entity is first created
	Count int
}

// EntityUpsertResult summarizes one record's entity upsert.
type EntityUpsertResult struct {
	Created   int      `json:"created"`
	Links     int      `json:"links"`
	EntityIDs []string `json:"entity_ids"`
}

// MembershipUpdate is a clustering run's output for a batch of records.
type MembershipUpdate struct {
	RunID       string
	Capability  model.Capability
	RecordIDs   []string // records whose membership for Capability is replaced
	Clusters    []model.Cluster
	Assignments []model.ClusterAssignment
}

// MembershipResult summarizes a ReplaceMembership call.
type MembershipResult struct {
	Clusters int   `json:"clusters"`
	Removed  int64 `json:"removed"`
	Links    int   `json:"links"`
}

// Store defines the persistence interface for the corpus.
type Store interface {
	// Records
	InsertRecord(ctx context.Context, rec *model.Record) (bool, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	GetRecordByFingerprint(ctx context.Context, fingerprint string) (*model.Record, error)
	CountRecords(ctx context.Context) (int64, error)
	ListDue(ctx context.Context, capability model.Capability, asOf time.Time, afterID string, limit int) ([]model.Record, error)
	AdvanceCursors(ctx context.Context, capability model.Capability, recordIDs []string, coveredAt time.Time) (int64, error)
	ScanCandidates(ctx context.Context, filter CandidateFilter, fn func(*model.Record) error) error

	// Entities
	UpsertEntityLinks(ctx context.Context, recordID string, groups []EntityGroup) (*EntityUpsertResult, error)
	GetEntity(ctx context.Context, key model.EntityKey) (*model.Entity, error)
	ListEntityLinks(ctx context.Context, recordID string) ([]model.EntityLink, error)

	// Clusters
	ReplaceMembership(ctx context.Context, update MembershipUpdate) (*MembershipResult, error)
	ListClusters(ctx context.Context, runID string) ([]model.Cluster, error)
	ListRecordClusters(ctx context.Context, recordID string, capability model.Capability) ([]model.ClusterLink, error)

	// Runs
	CreateRun(ctx context.Context, capability model.Capability, startedAt time.Time) (*model.Run, error)
	TransitionRun(ctx context.Context, runID string, to model.RunStatus, reason string) error
	FinishRun(ctx context.Context, runID string, outcome model.RunOutcome) error
	AppendRunDetails(ctx context.Context, runID string, details model.RunDetails) error
	UpdateRunProgress(ctx context.Context, runID string, processed, errCount int64) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	RunStats(ctx context.Context, since time.Time) ([]RunStat, error)
	ReapStaleRuns(ctx context.Context, olderThan time.Time, reason string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type scannable interface {
	Scan(dest ...any) error
}

const defaultListLimit = 100

// encodeObject marshals v, storing nil maps as an empty JSON object.
func encodeObject(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}

func decodeObject(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// clustersByKey returns the clusters sorted by key, so concurrent writers
// take row locks in the same order.
func clustersByKey(clusters []model.Cluster) []model.Cluster {
	sorted := append([]model.Cluster(nil), clusters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	return sorted
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// checkTransition validates a ledger move against the status read under lock.
func checkTransition(runID string, from, to model.RunStatus) error {
	if !from.CanTransition(to) {
		return eris.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", runID, from, to)
	}
	return nil
}

// canAppendDetails reports whether details may still be attached to a run.
func canAppendDetails(status model.RunStatus) bool {
	return status == model.RunStatusRunning || status == model.RunStatusPartial
}
