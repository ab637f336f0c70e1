package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// fakeWindowStore serves canned windows and records upserts.
type fakeWindowStore struct {
	mu         sync.Mutex
	minute     *gateway.RateWindow
	hour       *gateway.RateWindow
	day        *gateway.RateWindow
	err        error
	upsertErrs map[gateway.WindowKind]error
	upserts    []gateway.WindowKind
}

func (f *fakeWindowStore) GetRateWindows(_ context.Context, _ string, _ time.Time) (*gateway.RateWindow, *gateway.RateWindow, *gateway.RateWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minute, f.hour, f.day, f.err
}

func (f *fakeWindowStore) UpsertRateWindow(_ context.Context, _ string, kind gateway.WindowKind, _ time.Time, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := f.upsertErrs[kind]; err != nil {
		return err
	}
	f.upserts = append(f.upserts, kind)
	return nil
}

// fakeAudit collects recorded entries.
type fakeAudit struct {
	mu      sync.Mutex
	entries []*gateway.AuditEntry
}

func (f *fakeAudit) Record(_ context.Context, e *gateway.AuditEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Action
	}
	return out
}

func TestForPlan(t *testing.T) {
	t.Parallel()

	// Nil plan gets free-tier defaults.
	l := ForPlan(nil, gateway.EnvLive)
	if l.RequestsPerMinute != 60 {
		t.Errorf("nil plan rpm = %d, want 60", l.RequestsPerMinute)
	}

	// Plan daily budgets overlay the tier defaults.
	plan := &gateway.Plan{Type: gateway.PlanDev, DailyRequestLimit: 5_000, DailyTokenLimit: 1_000_000}
	l = ForPlan(plan, gateway.EnvLive)
	if l.RequestsPerDay != 5_000 || l.TokensPerDay != 1_000_000 {
		t.Errorf("overlay = %+v", l)
	}
	if l.RequestsPerMinute != 300 {
		t.Errorf("dev rpm = %d, want 300", l.RequestsPerMinute)
	}

	// Non-live environments run at half the limits.
	l = ForPlan(plan, gateway.EnvTest)
	if l.RequestsPerMinute != 150 {
		t.Errorf("test env rpm = %d, want 150", l.RequestsPerMinute)
	}
	if l.RequestsPerDay != 2_500 {
		t.Errorf("test env daily = %d, want 2500", l.RequestsPerDay)
	}

	// Team and customize share the top-tier windows.
	l = ForPlan(&gateway.Plan{Type: gateway.PlanCustomize}, gateway.EnvLive)
	if l.RequestsPerMinute != 1_000 {
		t.Errorf("customize rpm = %d, want 1000", l.RequestsPerMinute)
	}
}

func TestCheckAllowsFreshKey(t *testing.T) {
	t.Parallel()

	l := NewLimiter(&fakeWindowStore{}, nil, nil)
	limits := Limits{RequestsPerMinute: 10, TokensPerMinute: 1000}
	if err := l.Check(context.Background(), "k1", limits, 500); err != nil {
		t.Errorf("fresh key should pass: %v", err)
	}
}

func TestCheckRequestViolation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := &fakeWindowStore{
		minute: &gateway.RateWindow{
			KeyID: "k1", Kind: gateway.WindowMinute,
			WindowStart: gateway.WindowMinute.Truncate(now), Requests: 10,
		},
	}
	audit := &fakeAudit{}
	l := NewLimiter(store, audit, nil)

	err := l.Check(context.Background(), "k1", Limits{RequestsPerMinute: 10}, 0)
	var rle *gateway.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.Kind != "minute" {
		t.Errorf("kind = %q", rle.Kind)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute {
		t.Errorf("retry after = %s", rle.RetryAfter)
	}
	if got := audit.actions(); len(got) != 1 || got[0] != gateway.AuditRateLimitTrip {
		t.Errorf("audit actions = %v", got)
	}
}

func TestCheckTokenViolation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := &fakeWindowStore{
		day: &gateway.RateWindow{
			KeyID: "k1", Kind: gateway.WindowDay,
			WindowStart: gateway.WindowDay.Truncate(now), Requests: 5, Tokens: 990,
		},
	}
	l := NewLimiter(store, nil, nil)

	limits := Limits{RequestsPerDay: 100, TokensPerDay: 1000}
	// Precheck with zero tokens passes.
	if err := l.Check(context.Background(), "k1", limits, 0); err != nil {
		t.Errorf("precheck: %v", err)
	}
	// Estimated tokens would blow the day budget.
	err := l.Check(context.Background(), "k1", limits, 50)
	var rle *gateway.RateLimitError
	if !errors.As(err, &rle) || rle.Kind != "day" {
		t.Errorf("err = %v, want day RateLimitError", err)
	}
}

func TestCheckFailOpen(t *testing.T) {
	t.Parallel()

	store := &fakeWindowStore{err: errors.New("db locked")}
	audit := &fakeAudit{}
	l := NewLimiter(store, audit, nil)

	if err := l.Check(context.Background(), "k1", Limits{RequestsPerMinute: 1}, 0); err != nil {
		t.Errorf("store failure must fail open, got %v", err)
	}
	if got := audit.actions(); len(got) != 1 || got[0] != gateway.AuditLimiterFailOpen {
		t.Errorf("audit actions = %v", got)
	}
}

func TestCommitWritesAllWindows(t *testing.T) {
	t.Parallel()

	store := &fakeWindowStore{}
	l := NewLimiter(store, nil, nil)
	l.Commit(context.Background(), "k1", 42)

	if len(store.upserts) != 3 {
		t.Fatalf("upserts = %v, want minute+hour+day", store.upserts)
	}
}

func TestCommitContinuesPastFailedWindow(t *testing.T) {
	t.Parallel()

	store := &fakeWindowStore{
		upsertErrs: map[gateway.WindowKind]error{gateway.WindowMinute: errors.New("db locked")},
	}
	audit := &fakeAudit{}
	l := NewLimiter(store, audit, nil)
	l.Commit(context.Background(), "k1", 42)

	// Hour and day still get stamped when the minute upsert fails.
	if len(store.upserts) != 2 {
		t.Fatalf("upserts = %v, want hour+day", store.upserts)
	}
	if got := audit.actions(); len(got) != 1 || got[0] != gateway.AuditLimiterFailOpen {
		t.Errorf("audit actions = %v", got)
	}
}

func TestConcurrencyAcquireRelease(t *testing.T) {
	t.Parallel()

	c := NewConcurrency()

	rel1, err := c.Acquire("k1", 2)
	if err != nil {
		t.Fatal(err)
	}
	rel2, err := c.Acquire("k1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Acquire("k1", 2); !errors.Is(err, gateway.ErrConcurrencyLimited) {
		t.Errorf("third acquire err = %v, want ErrConcurrencyLimited", err)
	}

	rel1()
	rel1() // double release is a no-op
	if got := c.InFlight("k1"); got != 1 {
		t.Errorf("in flight = %d, want 1", got)
	}
	rel2()

	// Another key is unaffected.
	if _, err := c.Acquire("k2", 1); err != nil {
		t.Errorf("separate key: %v", err)
	}
}

func TestConcurrencyUnlimited(t *testing.T) {
	t.Parallel()

	c := NewConcurrency()
	for range 50 {
		if _, err := c.Acquire("k1", 0); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConcurrencyEvictStale(t *testing.T) {
	t.Parallel()

	c := NewConcurrency()
	rel, _ := c.Acquire("busy", 5)
	relIdle, _ := c.Acquire("idle", 5)
	relIdle()

	// "busy" still has an in-flight request and must survive.
	if evicted := c.EvictStale(time.Now().Add(time.Second)); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if got := c.InFlight("busy"); got != 1 {
		t.Errorf("busy in flight = %d, want 1", got)
	}
	rel()
}
