package model

import (
	"regexp"
	"time"

	"github.com/rotisserie/eris"
)

// Capability names one kind of analysis job.
type Capability string

// CapabilityIngest is the ledger name for ingestion runs.
const CapabilityIngest Capability = "ingest"

var capabilityPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Validate checks the capability name is usable as a cursor key.
func (c Capability) Validate() error {
	if !capabilityPattern.MatchString(string(c)) {
		return eris.Errorf("model: invalid capability name %q", string(c))
	}
	return nil
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusPartial RunStatus = "partial"
)

// ParseRunStatus converts a string into a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusFailed, RunStatusPartial:
		return st, nil
	default:
		return "", eris.Errorf("model: unknown run status %q", s)
	}
}

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusPartial
}

// CanTransition reports whether s -> to is a legal ledger transition.
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusFailed
	case RunStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Run is one execution of a capability.
type Run struct {
	ID             string     `json:"id"`
	Capability     Capability `json:"capability"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"` // scope watermark
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ProcessedCount int64      `json:"processed_count"`
	ErrorCount     int64      `json:"error_count"`
	Details        RunDetails `json:"details"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RecordFailure describes one per-record error recorded on a run.
type RecordFailure struct {
	RecordID string `json:"record_id"`
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"` // timeout, circuit_open, transient or permanent
}

// MaxRecordedFailures caps how many per-record failures are kept in details.
const MaxRecordedFailures = 100

// RunDetails is the structured payload attached to a run.
type RunDetails struct {
	Failures        []RecordFailure `json:"failures,omitempty"`
	DroppedFailures int64           `json:"dropped_failures,omitempty"`
	Skipped         int64           `json:"skipped,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Artifacts       map[string]any  `json:"artifacts,omitempty"`
	Notes           []string        `json:"notes,omitempty"`
}

// Merge appends other into d. Failures beyond MaxRecordedFailures are counted
// but not kept.
func (d *RunDetails) Merge(other RunDetails) {
	for _, f := range other.Failures {
		if len(d.Failures) >= MaxRecordedFailures {
			d.DroppedFailures++
			continue
		}
		d.Failures = append(d.Failures, f)
	}
	d.DroppedFailures += other.DroppedFailures
	d.Skipped += other.Skipped
	if other.Reason != "" {
		d.Reason = other.Reason
	}
	if len(other.Artifacts) > 0 && d.Artifacts == nil {
		d.Artifacts = make(map[string]any, len(other.Artifacts))
	}
	for k, v := range other.Artifacts {
		d.Artifacts[k] = v
	}
	d.Notes = append(d.Notes, other.Notes...)
}

// RunOutcome is what the engine reports when finishing a run.
type RunOutcome struct {
	Status    RunStatus
	Processed int64
	Errors    int64
	Details   RunDetails
}
