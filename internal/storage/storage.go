// Package storage defines persistence interfaces for the gateway.
// The Store contract is the only point of data access for all other components.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// UserStore manages user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	GetUserBySubject(ctx context.Context, subject string) (*gateway.User, error)
	UpdateUser(ctx context.Context, u *gateway.User) error
	// DeductCredits atomically subtracts amount from the user's balance and
	// returns the new balance. A deduction that would drive the balance
	// negative fails with InsufficientCreditsError and leaves it unchanged.
	DeductCredits(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	// AddCredits atomically adds amount (used by trial conversion and top-ups).
	AddCredits(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, k *gateway.APIKey) error
	GetKeyBySecret(ctx context.Context, secret string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, userID string) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, k *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	// CheckKeyNameUnique reports whether (userID, name) is free, optionally
	// excluding one key id (for renames).
	CheckKeyNameUnique(ctx context.Context, userID, name, excludingID string) (bool, error)
	// IncrementKeyUsage bumps requests_used by one.
	IncrementKeyUsage(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// PlanStore manages plan and assignment persistence.
type PlanStore interface {
	ListPlans(ctx context.Context) ([]*gateway.Plan, error)
	GetPlan(ctx context.Context, id string) (*gateway.Plan, error)
	// GetActiveUserPlan returns the single active assignment, or ErrNotFound.
	GetActiveUserPlan(ctx context.Context, userID string) (*gateway.UserPlan, error)
	// AssignPlan deactivates any existing assignment and inserts the new one
	// in a single transaction.
	AssignPlan(ctx context.Context, up *gateway.UserPlan) error
	DeactivateUserPlan(ctx context.Context, userID string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	// SumUsage aggregates requests and tokens for a user since the given time.
	SumUsage(ctx context.Context, userID string, since time.Time) (requests, tokens int64, err error)
}

// RateWindowStore manages sliding-window counter rows. Upserts against the
// same (key, kind, window_start) linearize on the single-writer connection.
type RateWindowStore interface {
	// UpsertRateWindow adds deltas to the row, creating it lazily.
	UpsertRateWindow(ctx context.Context, keyID string, kind gateway.WindowKind, windowStart time.Time, requestsDelta, tokensDelta int64) error
	// GetRateWindows returns the current minute/hour/day rows for the key,
	// zero-valued for windows with no row yet.
	GetRateWindows(ctx context.Context, keyID string, now time.Time) (minute, hour, day *gateway.RateWindow, err error)
	// PruneRateWindows deletes rows whose window ended before cutoff.
	PruneRateWindows(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore appends audit entries.
type AuditStore interface {
	InsertAudit(ctx context.Context, e *gateway.AuditEntry) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	APIKeyStore
	PlanStore
	UsageStore
	RateWindowStore
	AuditStore
	Ping(ctx context.Context) error
	Close() error
}
