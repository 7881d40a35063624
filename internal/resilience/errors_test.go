package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input: missing field"), false},
		{"transient error", NewTransientError(errors.New("overloaded"), 529), true},
		{"wrapped transient", fmt.Errorf("ner-llm: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"connection reset", fmt.Errorf("read tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"dns not found", &net.DNSError{IsNotFound: true, Err: "no such host"}, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", eris.Wrap(&pgconn.PgError{Code: "40P01"}, "store: upsert links"), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsBackendFailure(t *testing.T) {
	assert.True(t, IsBackendFailure(NewTransientError(errors.New("overloaded"), 529)))
	assert.True(t, IsBackendFailure(fmt.Errorf("analyze: %w", context.DeadlineExceeded)))
	assert.False(t, IsBackendFailure(errors.New("model refused")))
	assert.False(t, IsBackendFailure(context.Canceled))
	assert.False(t, IsBackendFailure(nil))
}

func TestIsTransientStorage_IgnoresAPIErrors(t *testing.T) {
	assert.False(t, IsTransientStorage(NewTransientError(errors.New("503"), 503)))
	assert.True(t, IsTransientStorage(&pgconn.PgError{Code: "40001"}))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 500, te.StatusCode)
	assert.Equal(t, "root cause", te.Error())
}
