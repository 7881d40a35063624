package resilience

import "time"

// RetryFromSettings builds a RetryConfig from configured attempt and
// millisecond values. Zero or negative values keep the defaults.
func RetryFromSettings(attempts, initialMs, maxMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if initialMs > 0 {
		cfg.InitialBackoff = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		cfg.MaxBackoff = time.Duration(maxMs) * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return cfg
}

// BreakerFromSettings builds the per-capability breaker config from a failure
// threshold and a cooldown in seconds.
func BreakerFromSettings(threshold, resetSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if threshold > 0 {
		cfg.FailureThreshold = threshold
	}
	if resetSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetSecs) * time.Second
	}
	return cfg
}
