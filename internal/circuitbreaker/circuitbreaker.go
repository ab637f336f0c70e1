// Package circuitbreaker short-circuits provider calls for (model, provider)
// pairs that keep failing, cutting failover latency from timeouts to a state
// check.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects requests until the open timeout elapses.
	StateOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	OpenTimeout      time.Duration // how long an open circuit rejects
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      300 * time.Second,
	}
}

// Breaker tracks consecutive failures for one (model, provider) pair.
// consecutiveFailures and disabledUntil are updated together under the lock.
type Breaker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	disabledUntil       time.Time
	lastUsed            time.Time
	cfg                 Config
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Breaker{cfg: cfg, lastUsed: time.Now()}
}

// Allow reports whether a request may proceed. Timeout expiry is evaluated
// lazily here: once disabledUntil has passed, the failure count resets so a
// single success on the re-admitted attempt keeps the circuit closed.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	if b.disabledUntil.IsZero() {
		return true
	}
	if now.Before(b.disabledUntil) {
		return false
	}
	// Half-open on next try: re-admit and start counting fresh.
	b.disabledUntil = time.Time{}
	b.consecutiveFailures = 0
	return true
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.lastUsed = time.Now()
	b.consecutiveFailures = 0
	b.disabledUntil = time.Time{}
	b.mu.Unlock()
}

// RecordFailure increments the consecutive-failure count, opening the circuit
// when the threshold is reached.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.disabledUntil = now.Add(b.cfg.OpenTimeout)
	}
}

// State returns the current state, accounting for lazy expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disabledUntil.IsZero() && time.Now().Before(b.disabledUntil) {
		return StateOpen
	}
	return StateClosed
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
