package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway domain. Handlers map these to HTTP statuses
// and machine-readable codes; see internal/server.
var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrUserDisabled       = errors.New("user disabled")
	ErrKeyInactive        = errors.New("api key inactive")
	ErrKeyExpired         = errors.New("api key expired")
	ErrKeyLimitReached    = errors.New("api key request limit reached")
	ErrIPNotAllowed       = errors.New("ip address not allowed")
	ErrRefererNotAllowed  = errors.New("referer not allowed")
	ErrInsufficientScope  = errors.New("insufficient scope")
	ErrPlanExpired        = errors.New("plan expired")
	ErrTrialExpired       = errors.New("trial expired")
	ErrModelUnknown       = errors.New("model unknown")
	ErrParameterInvalid   = errors.New("invalid parameter")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict on write")
	ErrConstraint         = errors.New("constraint violation")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrProviderExhausted  = errors.New("all providers failed")
	ErrConcurrencyLimited = errors.New("concurrency limit reached")
)

// TrialBudget snapshots a trial user's remaining allowance for response headers.
type TrialBudget struct {
	EndAt             *time.Time
	RemainingTokens   int64
	RemainingRequests int64
	RemainingCredits  string
}

// RateLimitError reports a denied admission with backoff guidance.
type RateLimitError struct {
	Kind       string // "minute", "hour", "day", "concurrency", "plan", "trial"
	RetryAfter time.Duration
	Remaining  int64
	Trial      *TrialBudget // set when Kind is "trial"
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Kind, e.RetryAfter)
}

// Is makes errors.Is(err, &RateLimitError{}) match any rate limit error.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// InsufficientCreditsError reports a deduction that would drive the balance negative.
type InsufficientCreditsError struct {
	Required  string // decimal strings; avoids float drift in messages
	Available string
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	_, ok := target.(*InsufficientCreditsError)
	return ok
}

// TrialExpiredError carries the remaining-budget snapshot surfaced in response headers.
type TrialExpiredError struct {
	EndAt             *time.Time
	RemainingTokens   int64
	RemainingRequests int64
	RemainingCredits  string
}

func (e *TrialExpiredError) Error() string { return ErrTrialExpired.Error() }

func (e *TrialExpiredError) Unwrap() error { return ErrTrialExpired }
