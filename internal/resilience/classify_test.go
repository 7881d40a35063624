package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("analyze: %w", context.DeadlineExceeded), FailureTimeout},
		{"circuit open", eris.Wrap(ErrCircuitOpen, "ner"), FailureCircuitOpen},
		{"transient", NewTransientError(errors.New("503"), 503), FailureTransient},
		{"permanent", errors.New("invalid input"), FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
