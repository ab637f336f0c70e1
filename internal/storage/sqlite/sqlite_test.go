package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id string, credits string) *gateway.User {
	t.Helper()
	u := &gateway.User{
		ID:              id,
		IdentitySubject: "sub-" + id,
		Email:           id + "@example.com",
		Credits:         decimal.RequireFromString(credits),
		Subscription:    gateway.SubscriptionActive,
		IsActive:        true,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal("create user:", err)
	}
	return u
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "u1", "12.5")

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if !got.Credits.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("credits = %s, want 12.5", got.Credits)
	}
	if got.Subscription != gateway.SubscriptionActive {
		t.Errorf("subscription = %q", got.Subscription)
	}

	bySub, err := s.GetUserBySubject(ctx, "sub-u1")
	if err != nil {
		t.Fatal("get by subject:", err)
	}
	if bySub.ID != "u1" {
		t.Errorf("id = %q, want u1", bySub.ID)
	}
}

func TestDeductCredits(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "1")

	balance, err := s.DeductCredits(ctx, "u1", decimal.RequireFromString("0.25"))
	if err != nil {
		t.Fatal("deduct:", err)
	}
	if !balance.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("balance = %s, want 0.75", balance)
	}

	_, err = s.DeductCredits(ctx, "u1", decimal.RequireFromString("0.76"))
	var ice *gateway.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if ice.Available != "0.75" {
		t.Errorf("available = %s, want 0.75", ice.Available)
	}

	// Balance untouched by the failed deduction.
	got, _ := s.GetUser(ctx, "u1")
	if !got.Credits.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("balance after failed deduct = %s, want 0.75", got.Credits)
	}
}

func TestDeductCreditsConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "1")

	// 10 concurrent deductions of 0.05 = 0.5 total; all must land exactly once.
	var wg sync.WaitGroup
	amount := decimal.RequireFromString("0.05")
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeductCredits(ctx, "u1", amount); err != nil {
				t.Error("deduct:", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Credits.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("final balance = %s, want 0.5", got.Credits)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "0")

	max := int64(100)
	key := &gateway.APIKey{
		ID:             "key-1",
		UserID:         "u1",
		Secret:         "gw_live_abc123",
		Name:           "default",
		IsActive:       true,
		IsPrimary:      true,
		EnvironmentTag: gateway.EnvLive,
		Scopes:         gateway.ScopeMap{"chat": {"*"}},
		MaxRequests:    &max,
		IPAllowlist:    []string{"10.0.0.1"},
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyBySecret(ctx, "gw_live_abc123")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Name != "default" || !got.IsPrimary {
		t.Errorf("got %+v", got)
	}
	if !got.Scopes.Allows("chat", "gpt-4o") {
		t.Error("scopes lost in round trip")
	}
	if got.MaxRequests == nil || *got.MaxRequests != 100 {
		t.Errorf("max_requests = %v, want 100", got.MaxRequests)
	}
	if len(got.IPAllowlist) != 1 || got.IPAllowlist[0] != "10.0.0.1" {
		t.Errorf("ip allowlist = %v", got.IPAllowlist)
	}
}

func TestKeyNameUniquePerUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "0")

	k := &gateway.APIKey{ID: "key-1", UserID: "u1", Secret: "gw_live_a", Name: "prod", IsActive: true}
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatal(err)
	}

	dup := &gateway.APIKey{ID: "key-2", UserID: "u1", Secret: "gw_live_b", Name: "prod", IsActive: true}
	if err := s.CreateKey(ctx, dup); !errors.Is(err, gateway.ErrConstraint) {
		t.Errorf("duplicate name err = %v, want ErrConstraint", err)
	}

	free, err := s.CheckKeyNameUnique(ctx, "u1", "prod", "")
	if err != nil {
		t.Fatal(err)
	}
	if free {
		t.Error("name should be taken")
	}
	free, _ = s.CheckKeyNameUnique(ctx, "u1", "prod", "key-1")
	if !free {
		t.Error("name should be free when excluding its own key")
	}
}

func TestAssignPlanSingleActive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "0")

	for _, p := range []*gateway.Plan{
		{ID: "p-free", Name: "Free", Type: gateway.PlanFree, MaxConcurrentRequests: 5, IsActive: true},
		{ID: "p-dev", Name: "Dev", Type: gateway.PlanDev, MaxConcurrentRequests: 20, IsActive: true},
	} {
		if err := s.CreatePlan(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.AssignPlan(ctx, &gateway.UserPlan{UserID: "u1", PlanID: "p-free"}); err != nil {
		t.Fatal("assign free:", err)
	}
	if err := s.AssignPlan(ctx, &gateway.UserPlan{UserID: "u1", PlanID: "p-dev"}); err != nil {
		t.Fatal("assign dev:", err)
	}

	active, err := s.GetActiveUserPlan(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active.PlanID != "p-dev" {
		t.Errorf("active plan = %q, want p-dev", active.PlanID)
	}
}

func TestDeactivateUserPlanByUserID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", "0")

	if err := s.CreatePlan(ctx, &gateway.Plan{ID: "p-dev", Name: "Dev", Type: gateway.PlanDev, IsActive: true}); err != nil {
		t.Fatal(err)
	}
	expired := time.Now().Add(-time.Hour)
	if err := s.AssignPlan(ctx, &gateway.UserPlan{UserID: "u1", PlanID: "p-dev", ExpiresAt: &expired}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeactivateUserPlan(ctx, "u1"); err != nil {
		t.Fatal("deactivate by user id:", err)
	}
	if _, err := s.GetActiveUserPlan(ctx, "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("active plan after deactivate: err = %v, want ErrNotFound", err)
	}
	// A second deactivation has nothing to clear.
	if err := s.DeactivateUserPlan(ctx, "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("repeat deactivate err = %v, want ErrNotFound", err)
	}
}

func TestRateWindowUpsertMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	start := gateway.WindowMinute.Truncate(now)

	for i := range 3 {
		if err := s.UpsertRateWindow(ctx, "key-1", gateway.WindowMinute, start, 1, int64(10*i)); err != nil {
			t.Fatal(err)
		}
	}

	minute, _, _, err := s.GetRateWindows(ctx, "key-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if minute == nil {
		t.Fatal("minute window should exist after upserts")
	}
	if minute.Requests != 3 {
		t.Errorf("requests = %d, want 3", minute.Requests)
	}
	if minute.Tokens != 30 {
		t.Errorf("tokens = %d, want 30", minute.Tokens)
	}
}

func TestUsageInsertAndSum(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	records := []gateway.UsageRecord{
		{ID: "r1", UserID: "u1", KeyID: "k1", Model: "gpt-4o-mini", Provider: "openrouter",
			PromptTokens: 10, CompletionTokens: 20, RequestID: "req-1", Timestamp: time.Now()},
		{ID: "r2", UserID: "u1", KeyID: "k1", Model: "gpt-4o-mini", Provider: "openrouter",
			PromptTokens: 5, CompletionTokens: 5, RequestID: "req-2", Timestamp: time.Now()},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	// Duplicate request_id rejected.
	dup := []gateway.UsageRecord{{ID: "r3", UserID: "u1", KeyID: "k1", Model: "m",
		Provider: "p", RequestID: "req-1", Timestamp: time.Now()}}
	if err := s.InsertUsage(ctx, dup); !errors.Is(err, gateway.ErrConstraint) {
		t.Errorf("duplicate request_id err = %v, want ErrConstraint", err)
	}

	requests, tokens, err := s.SumUsage(ctx, "u1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if requests != 2 || tokens != 40 {
		t.Errorf("sum = (%d, %d), want (2, 40)", requests, tokens)
	}
}

func TestAuditInsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	err := s.InsertAudit(context.Background(), &gateway.AuditEntry{
		UserID: "u1", Action: gateway.AuditRateLimitTrip, IP: "10.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
}
