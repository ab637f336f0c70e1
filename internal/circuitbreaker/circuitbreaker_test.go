package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 5, OpenTimeout: time.Minute})
	for i := range 4 {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker open after %d failures, threshold is 5", i+1)
		}
	}
	b.RecordFailure()
	if b.Allow() {
		t.Error("breaker should be open at 5 consecutive failures")
	}
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	// Consecutive counting: the streak restarts after a success.
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Error("breaker should stay closed, streak was broken")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Error("breaker should open after 3 consecutive failures")
	}
}

func TestLazyHalfOpenReadmission(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// Timeout elapsed: next Allow re-admits and resets the failure count,
	// so one success keeps the circuit closed.
	if !b.Allow() {
		t.Fatal("breaker should re-admit after timeout")
	}
	if b.Failures() != 0 {
		t.Errorf("failures = %d, want 0 after re-admission", b.Failures())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after probe success", b.State())
	}
}

func TestReopenOnProbeFailure(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should re-admit after timeout")
	}
	// Probe fails: threshold 1 trips the circuit again immediately.
	b.RecordFailure()
	if b.Allow() {
		t.Error("breaker should reopen after failed probe")
	}
}

func TestRegistryKeyedByModelAndProvider(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	a := r.GetOrCreate("gpt-4o", "openrouter")
	b := r.GetOrCreate("gpt-4o", "fireworks")
	c := r.GetOrCreate("llama-3.1-8b", "openrouter")

	if a == b || a == c {
		t.Error("breakers must be independent per (model, provider)")
	}
	if got := r.GetOrCreate("gpt-4o", "openrouter"); got != a {
		t.Error("same pair should return the same breaker")
	}
	if r.Get("gpt-4o", "openrouter") != a {
		t.Error("Get should find an existing breaker")
	}
	if r.Get("unknown", "unknown") != nil {
		t.Error("Get for unknown pair should return nil")
	}
}

func TestRegistryEvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	r.GetOrCreate("m1", "p1")
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	fresh := r.GetOrCreate("m2", "p2")
	_ = fresh

	if evicted := r.EvictStale(cutoff); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if r.Get("m1", "p1") != nil {
		t.Error("stale breaker should be gone")
	}
	if r.Get("m2", "p2") == nil {
		t.Error("fresh breaker should survive")
	}
}
