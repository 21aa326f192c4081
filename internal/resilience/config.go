package resilience

import (
	"time"
)

// Settings carries the resilience section of the app config. Zero fields
// keep the package defaults.
type Settings struct {
	MaxAttempts      int
	InitialBackoffMs int
	MaxBackoffMs     int
	BreakerThreshold int
	BreakerResetSecs int
}

// Retry returns a retry policy for one operation of service, logging each
// retried attempt.
func (s Settings) Retry(service, operation string) RetryConfig {
	cfg := DefaultRetryConfig()
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(s.InitialBackoffMs) * time.Millisecond
	}
	if s.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(s.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	cfg.OnRetry = RetryLogger(service, operation)
	return cfg
}

// Breaker returns the circuit breaker config these settings describe.
func (s Settings) Breaker() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if s.BreakerThreshold > 0 {
		cfg.FailureThreshold = s.BreakerThreshold
	}
	if s.BreakerResetSecs > 0 {
		cfg.ResetTimeout = time.Duration(s.BreakerResetSecs) * time.Second
	}
	return cfg
}

// Breakers returns a per-service breaker set built from these settings.
func (s Settings) Breakers() *ServiceBreakers {
	return NewServiceBreakers(s.Breaker())
}
