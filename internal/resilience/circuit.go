// Package resilience provides the retry, circuit breaker and error
// classification used around analyzer calls and storage writes.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow through
	CircuitOpen                         // calls fail fast
	CircuitHalfOpen                     // probe calls are let through
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold  int           // consecutive failures before opening; default 5
	ResetTimeout      time.Duration // open duration before probing; default 30s
	HalfOpenMaxProbes int           // successful probes needed to close; default 1

	// ShouldTrip decides whether an error counts as a failure. By default
	// every error except caller cancellation does.
	ShouldTrip func(err error) bool

	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards one analyzer or backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	probesInFlight      int
	openedAt            time.Time

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{cfg: cfg, nowFunc: time.Now}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	probe, err := cb.admit()
	if err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err, probe)
	return val, err
}

// State returns the current circuit state. An open circuit whose reset
// timeout has elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.probesInFlight = 0
	if cb.state != CircuitClosed {
		cb.setState(CircuitClosed)
	}
}

// Counters returns the current failure count and state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// admit reports whether the call may proceed and whether it is a half-open
// probe. At most HalfOpenMaxProbes probes are in flight at once.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return false, nil
	case CircuitOpen:
		if !cb.cooledDown() {
			return false, ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
	}
	if cb.probesInFlight+cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxProbes {
		return false, ErrCircuitOpen
	}
	cb.probesInFlight++
	return true, nil
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
	if cb.state == CircuitHalfOpen && !probe {
		return // admitted before the circuit opened
	}

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch cb.state {
		case CircuitClosed:
			cb.consecutiveFailures = 0
		case CircuitHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxProbes {
				cb.consecutiveFailures = 0
				cb.halfOpenSuccesses = 0
				cb.setState(CircuitClosed)
			}
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.nowFunc()
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.halfOpenSuccesses = 0
		cb.openedAt = cb.nowFunc()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// Breakers hands out one circuit breaker per name (analyzer capability or
// external service), created on first use.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty breaker registry sharing one config.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(b.cfg)
		b.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's state.
func (b *Breakers) States() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make(map[string]CircuitState, len(b.breakers))
	for name, cb := range b.breakers {
		states[name] = cb.State()
	}
	return states
}
