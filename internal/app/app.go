// Package app implements the request orchestration pipeline for the Gatewayz
// gateway: admission control, parameter clamping, provider failover, and
// post-call metering.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/entitlement"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/selector"
	"github.com/Alpaca-Network/gatewayz/internal/telemetry"
	"github.com/Alpaca-Network/gatewayz/internal/tokencount"
)

// Scope actions checked against API key scopes.
const (
	ActionChat   = "chat.completions"
	ActionImages = "images.generations"
)

// trialMaxConcurrent caps in-flight requests for users without a plan.
const trialMaxConcurrent = 5

// Timeouts bound a single request's lifetime.
type Timeouts struct {
	Request    time.Duration // unary request ceiling
	Stream     time.Duration // hard ceiling on a streamed response
	StreamIdle time.Duration // max gap between stream chunks
}

// DefaultTimeouts returns the stock request timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Request:    120 * time.Second,
		Stream:     10 * time.Minute,
		StreamIdle: 60 * time.Second,
	}
}

// creditStore is the billing surface the orchestrator needs.
type creditStore interface {
	DeductCredits(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	IncrementKeyUsage(ctx context.Context, id string) error
}

// usageRecorder accepts completed usage records, fire-and-forget.
type usageRecorder interface {
	Record(r gateway.UsageRecord)
}

// auditSink records operational events without blocking.
type auditSink interface {
	Record(ctx context.Context, e *gateway.AuditEntry)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store        creditStore
	Entitlements *entitlement.Engine
	Limiter      *ratelimit.Limiter
	Concurrency  *ratelimit.Concurrency
	Selector     *selector.Selector
	Providers    *provider.Registry
	Catalog      *registry.Registry
	Counter      *tokencount.Counter
	Recorder     usageRecorder
	Audit        auditSink
	Metrics      *telemetry.Metrics // optional
	Log          *slog.Logger
}

// App is the orchestration service behind the HTTP handlers.
type App struct {
	store        creditStore
	entitlements *entitlement.Engine
	limiter      *ratelimit.Limiter
	concurrency  *ratelimit.Concurrency
	selector     *selector.Selector
	providers    *provider.Registry
	catalog      *registry.Registry
	counter      *tokencount.Counter
	recorder     usageRecorder
	audit        auditSink
	metrics      *telemetry.Metrics
	timeouts     Timeouts
	log          *slog.Logger
	now          func() time.Time
}

// New creates an App from its dependencies.
func New(d Deps, timeouts Timeouts) *App {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Counter == nil {
		d.Counter = tokencount.NewCounter()
	}
	if timeouts.Request <= 0 {
		timeouts = DefaultTimeouts()
	}
	return &App{
		store:        d.Store,
		entitlements: d.Entitlements,
		limiter:      d.Limiter,
		concurrency:  d.Concurrency,
		selector:     d.Selector,
		providers:    d.Providers,
		catalog:      d.Catalog,
		counter:      d.Counter,
		recorder:     d.Recorder,
		audit:        d.Audit,
		metrics:      d.Metrics,
		timeouts:     timeouts,
		log:          d.Log,
		now:          time.Now,
	}
}

// admission is the per-request state assembled by admit.
type admission struct {
	principal *gateway.Principal
	ent       *entitlement.Entitlement
	model     *registry.Model
	estTokens int64
	release   func()
}

// admit runs the shared admission pipeline: principal, model resolution,
// scope, entitlement, window limits, credit precheck, concurrency slot.
// On success the caller owns the release func.
func (a *App) admit(ctx context.Context, action, modelID string, estTokens int64) (*admission, error) {
	pr := gateway.PrincipalFromContext(ctx)
	if pr == nil {
		return nil, gateway.ErrInvalidCredential
	}

	model, ok := a.catalog.Get(modelID)
	if !ok {
		return nil, gateway.ErrModelUnknown
	}

	if !pr.Scopes.Allows(action, model.Canonical) {
		return nil, gateway.ErrInsufficientScope
	}

	ent, err := a.entitlements.Resolve(ctx, pr.User)
	if err != nil {
		return nil, err
	}
	if err := a.entitlements.Enforce(ctx, pr.User, ent, estTokens, pr.Env); err != nil {
		return nil, err
	}

	// Paid users must hold a positive balance before the call; trial users
	// spend budget, not credits.
	if !ent.Trial.IsTrial && pr.User.Credits.Sign() <= 0 {
		return nil, &gateway.InsufficientCreditsError{
			Required:  gateway.FallbackCreditPerToken.Mul(decimal.NewFromInt(estTokens)).String(),
			Available: pr.User.Credits.String(),
		}
	}

	// The window precheck counts only the prospective request; token totals
	// land at Commit once the provider reports actuals.
	limits := ratelimit.ForPlan(ent.Plan, pr.Env)
	if err := a.limiter.Check(ctx, pr.Key.ID, limits, 0); err != nil {
		if a.metrics != nil {
			var rl *gateway.RateLimitError
			if errors.As(err, &rl) {
				a.metrics.RateLimitRejects.WithLabelValues(rl.Kind).Inc()
			}
		}
		return nil, err
	}

	maxConc := trialMaxConcurrent
	if ent.HasPlan {
		maxConc = ent.Plan.MaxConcurrentRequests
	}
	release, err := a.concurrency.Acquire(pr.Key.ID, maxConc)
	if err != nil {
		return nil, err
	}

	return &admission{
		principal: pr,
		ent:       ent,
		model:     model,
		estTokens: estTokens,
		release:   release,
	}, nil
}

// costFor prices a completed call. Provider-declared per-1K rates win; a
// provider with no pricing falls back to the flat per-token rate.
func costFor(model *registry.Model, providerName string, promptTokens, completionTokens int) decimal.Decimal {
	for _, l := range model.Listings {
		if l.Provider != providerName {
			continue
		}
		if l.InputPer1K > 0 || l.OutputPer1K > 0 {
			in := decimal.NewFromFloat(l.InputPer1K).
				Mul(decimal.NewFromInt(int64(promptTokens))).
				Div(decimal.NewFromInt(1000))
			out := decimal.NewFromFloat(l.OutputPer1K).
				Mul(decimal.NewFromInt(int64(completionTokens))).
				Div(decimal.NewFromInt(1000))
			return in.Add(out)
		}
		break
	}
	total := int64(promptTokens + completionTokens)
	return gateway.FallbackCreditPerToken.Mul(decimal.NewFromInt(total))
}
