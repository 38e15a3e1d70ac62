package driftsync

import (
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// RetryPolicy computes backoff delays and the terminal-failure threshold for
// queued actions. It is a pure function of its configuration: given the same
// attempt count (and key, when jitter is enabled) it always returns the same
// delay, which keeps retry timing testable without mocking a clock.
type RetryPolicy struct {
	base        time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      float64
}

// NewRetryPolicy creates a policy from config, applying defaults for zero
// values.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.Base <= 0 {
		cfg.Base = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0
	}
	return &RetryPolicy{
		base:        cfg.Base,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		jitter:      cfg.Jitter,
	}
}

// MaxAttempts returns the terminal-failure threshold.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns the backoff before retrying the given attempt (0-based):
// min(maxDelay, base * 2^attempt). It is strictly increasing until the cap.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.base) * math.Pow(2, float64(attempt))
	if d > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// DelayFor returns the backoff for an attempt with jitter applied. The jitter
// is derived from an FNV hash of the key and attempt, so a given action and
// attempt always yield the same delay while distinct actions spread out,
// avoiding thundering-herd reconnection storms.
func (p *RetryPolicy) DelayFor(key string, attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.jitter == 0 {
		return d
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{byte(attempt)})
	// Map the hash to [-jitter, +jitter].
	frac := (float64(h.Sum64()%1000)/999.0)*2 - 1
	return time.Duration(float64(d) * (1 + frac*p.jitter))
}

// Exhausted reports whether the attempt count has reached the terminal
// threshold.
func (p *RetryPolicy) Exhausted(attemptCount int) bool {
	return attemptCount >= p.maxAttempts
}

// ErrCircuitOpen is returned when the gateway circuit breaker is open.
var ErrCircuitOpen = errors.New("gateway circuit breaker is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker short-circuits gateway calls while the remote is persistently
// failing, so drain passes do not burn the retry budget against a dead
// endpoint. It is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

// Execute runs the operation through the circuit breaker. An open circuit is
// reported as a transient failure so callers enter the normal backoff path.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	allowed := cb.allowLocked()
	cb.mu.Unlock()

	if !allowed {
		return ErrCircuitOpen
	}

	err := op()

	cb.mu.Lock()
	cb.recordLocked(err)
	cb.mu.Unlock()

	return err
}

func (cb *CircuitBreaker) allowLocked() bool {
	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordLocked(err error) {
	if err == nil || !IsTransient(err) {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns the current breaker state as a string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
