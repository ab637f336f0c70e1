package entitlement

import (
	"context"
	"sync"
	"time"
)

// Trial budgets applied to users without a paid plan.
const (
	TrialMaxRequests int64 = 1_000
	TrialMaxTokens   int64 = 100_000
)

// usageSummer provides aggregated usage for budget sync.
type usageSummer interface {
	SumUsage(ctx context.Context, userID string, since time.Time) (requests, tokens int64, err error)
}

// budgetEntry tracks cumulative trial consumption for a single user.
type budgetEntry struct {
	requests int64
	tokens   int64
	syncedAt time.Time
}

// TrialTracker counts trial request/token consumption per user, separately
// from the plan rate windows.
type TrialTracker struct {
	mu      sync.Mutex
	budgets map[string]*budgetEntry
}

// NewTrialTracker creates an empty tracker.
func NewTrialTracker() *TrialTracker {
	return &TrialTracker{budgets: make(map[string]*budgetEntry)}
}

// Remaining returns the unconsumed trial budget for a user.
func (t *TrialTracker) Remaining(userID string) (requests, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.budgets[userID]
	if !ok {
		return TrialMaxRequests, TrialMaxTokens
	}
	return max(0, TrialMaxRequests-e.requests), max(0, TrialMaxTokens-e.tokens)
}

// Consume adds one request and its tokens to the user's trial spend.
func (t *TrialTracker) Consume(userID string, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.budgets[userID]
	if !ok {
		e = &budgetEntry{}
		t.budgets[userID] = e
	}
	e.requests++
	e.tokens += tokens
}

// Sync reloads a user's consumption from recorded usage since the given time.
// Called on first sight of a user so restarts do not reset trial budgets.
func (t *TrialTracker) Sync(ctx context.Context, store usageSummer, userID string, since time.Time) error {
	requests, tokens, err := store.SumUsage(ctx, userID, since)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.budgets[userID]
	if !ok {
		e = &budgetEntry{}
		t.budgets[userID] = e
	}
	e.requests = requests
	e.tokens = tokens
	e.syncedAt = time.Now()
	return nil
}

// Synced reports whether the user's budget was loaded from the store.
func (t *TrialTracker) Synced(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.budgets[userID]
	return ok && !e.syncedAt.IsZero()
}
