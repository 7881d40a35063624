package resilience

import (
	"context"
	"errors"
)

// Failure kinds recorded against per-record errors.
const (
	FailureTimeout     = "timeout"
	FailureCircuitOpen = "circuit_open"
	FailureTransient   = "transient"
	FailurePermanent   = "permanent"
)

// ClassifyError buckets an error for run details and alerting.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrCircuitOpen):
		return FailureCircuitOpen
	case IsTransient(err):
		return FailureTransient
	default:
		return FailurePermanent
	}
}
