// Package entitlement resolves a user's plan or trial budget and enforces it
// at request admission.
package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// store is the persistence surface the engine needs.
type store interface {
	usageSummer
	GetActiveUserPlan(ctx context.Context, userID string) (*gateway.UserPlan, error)
	GetPlan(ctx context.Context, id string) (*gateway.Plan, error)
	DeactivateUserPlan(ctx context.Context, userID string) error
	UpdateUser(ctx context.Context, u *gateway.User) error
}

// Trial is the trial-budget view inside an Entitlement.
type Trial struct {
	IsTrial           bool
	IsExpired         bool
	RemainingTokens   int64
	RemainingRequests int64
	RemainingCredits  decimal.Decimal
	EndAt             *time.Time
}

// Entitlement is the resolved budget for a user at one instant.
type Entitlement struct {
	HasPlan             bool
	PlanName            string
	Plan                *gateway.Plan
	DailyRequestLimit   int64
	DailyTokenLimit     int64
	MonthlyRequestLimit int64
	MonthlyTokenLimit   int64
	Features            []string
	Trial               Trial
}

// Engine resolves and enforces entitlements.
type Engine struct {
	store store
	trial *TrialTracker
	log   *slog.Logger
	now   func() time.Time
}

// New creates an Engine.
func New(s store, trial *TrialTracker, log *slog.Logger) *Engine {
	if trial == nil {
		trial = NewTrialTracker()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: s, trial: trial, log: log, now: time.Now}
}

// Tracker exposes the trial tracker so the orchestrator can commit spend.
func (e *Engine) Tracker() *TrialTracker { return e.trial }

// Resolve returns the user's current entitlement. An active UserPlan wins;
// a UserPlan past its expiry is deactivated and the user demoted to expired;
// otherwise trial budgets apply.
func (e *Engine) Resolve(ctx context.Context, user *gateway.User) (*Entitlement, error) {
	now := e.now()

	up, err := e.store.GetActiveUserPlan(ctx, user.ID)
	switch {
	case err == nil:
		if up.ExpiresAt != nil && !up.ExpiresAt.After(now) {
			e.expirePlan(ctx, user)
			return e.trialEntitlement(ctx, user, now), nil
		}
		plan, err := e.store.GetPlan(ctx, up.PlanID)
		if err != nil {
			return nil, err
		}
		return &Entitlement{
			HasPlan:             true,
			PlanName:            plan.Name,
			Plan:                plan,
			DailyRequestLimit:   plan.DailyRequestLimit,
			DailyTokenLimit:     plan.DailyTokenLimit,
			MonthlyRequestLimit: plan.MonthlyRequestLimit,
			MonthlyTokenLimit:   plan.MonthlyTokenLimit,
			Features:            plan.Features,
		}, nil
	case errors.Is(err, gateway.ErrNotFound):
		return e.trialEntitlement(ctx, user, now), nil
	default:
		return nil, err
	}
}

// expirePlan deactivates the lapsed plan and demotes the user. Both writes
// are best-effort; admission control still rejects on the returned state.
func (e *Engine) expirePlan(ctx context.Context, user *gateway.User) {
	if err := e.store.DeactivateUserPlan(ctx, user.ID); err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "deactivate lapsed plan",
			slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}
	user.Subscription = gateway.SubscriptionExpired
	if err := e.store.UpdateUser(ctx, user); err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "demote user to expired",
			slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}
}

func (e *Engine) trialEntitlement(ctx context.Context, user *gateway.User, now time.Time) *Entitlement {
	isTrial := user.Subscription == gateway.SubscriptionTrial
	expired := user.Subscription == gateway.SubscriptionExpired
	if isTrial && user.TrialEndAt != nil && !user.TrialEndAt.After(now) {
		expired = true
	}

	if isTrial && !e.trial.Synced(user.ID) {
		since := user.CreatedAt
		if since.IsZero() {
			since = now.AddDate(0, -1, 0)
		}
		if err := e.trial.Sync(ctx, e.store, user.ID, since); err != nil {
			e.log.LogAttrs(ctx, slog.LevelWarn, "trial budget sync",
				slog.String("user_id", user.ID), slog.String("error", err.Error()))
		}
	}
	remReq, remTok := e.trial.Remaining(user.ID)

	return &Entitlement{
		HasPlan:           false,
		DailyRequestLimit: TrialMaxRequests,
		DailyTokenLimit:   TrialMaxTokens,
		Trial: Trial{
			IsTrial:           isTrial,
			IsExpired:         expired,
			RemainingTokens:   remTok,
			RemainingRequests: remReq,
			RemainingCredits:  user.Credits,
			EndAt:             user.TrialEndAt,
		},
	}
}

// Enforce admits or rejects a request against the resolved entitlement.
// tokensRequested is the estimated token load; env scales plan budgets for
// non-live keys.
func (e *Engine) Enforce(ctx context.Context, user *gateway.User, ent *Entitlement, tokensRequested int64, env string) error {
	if ent.HasPlan {
		return e.enforcePlan(ctx, user, ent, tokensRequested, env)
	}
	if ent.Trial.IsExpired {
		return &gateway.TrialExpiredError{
			EndAt:             ent.Trial.EndAt,
			RemainingTokens:   ent.Trial.RemainingTokens,
			RemainingRequests: ent.Trial.RemainingRequests,
			RemainingCredits:  ent.Trial.RemainingCredits.String(),
		}
	}
	if user.Subscription == gateway.SubscriptionExpired {
		return gateway.ErrPlanExpired
	}
	if ent.Trial.RemainingRequests < 1 || ent.Trial.RemainingTokens < tokensRequested ||
		(ent.Trial.IsTrial && ent.Trial.RemainingCredits.Sign() <= 0) {
		return &gateway.RateLimitError{Kind: "trial", Trial: &gateway.TrialBudget{
			EndAt:             ent.Trial.EndAt,
			RemainingTokens:   ent.Trial.RemainingTokens,
			RemainingRequests: ent.Trial.RemainingRequests,
			RemainingCredits:  ent.Trial.RemainingCredits.String(),
		}}
	}
	return nil
}

func (e *Engine) enforcePlan(ctx context.Context, user *gateway.User, ent *Entitlement, tokensRequested int64, env string) error {
	mult := gateway.EnvironmentMultiplier(env)
	monthlyReq := scale(ent.MonthlyRequestLimit, mult)
	monthlyTok := scale(ent.MonthlyTokenLimit, mult)
	if monthlyReq == 0 && monthlyTok == 0 {
		return nil
	}

	since := e.now().AddDate(0, -1, 0)
	requests, tokens, err := e.store.SumUsage(ctx, user.ID, since)
	if err != nil {
		// Monthly budgets fail open like the rate limiter; daily windows
		// still bound the damage.
		e.log.LogAttrs(ctx, slog.LevelWarn, "monthly budget check failing open",
			slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return nil
	}
	if monthlyReq > 0 && requests+1 > monthlyReq {
		return &gateway.RateLimitError{Kind: "plan", RetryAfter: 0}
	}
	if monthlyTok > 0 && tokens+tokensRequested > monthlyTok {
		return &gateway.RateLimitError{Kind: "plan", RetryAfter: 0}
	}
	return nil
}

func scale(v int64, mult float64) int64 {
	if v == 0 || mult == 1.0 {
		return v
	}
	s := int64(float64(v) * mult)
	if s < 1 {
		return 1
	}
	return s
}
