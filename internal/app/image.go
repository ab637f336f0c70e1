package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/entitlement"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
)

const defaultImageProvider = "openrouter"

// GenerateImage forwards an image generation request to a provider that
// implements image generation. Image models are not part of the chat catalog,
// so admission skips model resolution and prices by prompt tokens.
func (a *App) GenerateImage(ctx context.Context, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	pr := gateway.PrincipalFromContext(ctx)
	if pr == nil {
		return nil, gateway.ErrInvalidCredential
	}
	if !pr.Scopes.Allows(ActionImages, req.Model) {
		return nil, gateway.ErrInsufficientScope
	}

	est := int64(a.counter.CountText(req.Model, req.Prompt))

	ent, err := a.entitlements.Resolve(ctx, pr.User)
	if err != nil {
		return nil, err
	}
	if err := a.entitlements.Enforce(ctx, pr.User, ent, est, pr.Env); err != nil {
		return nil, err
	}
	if !ent.Trial.IsTrial && pr.User.Credits.Sign() <= 0 {
		return nil, &gateway.InsufficientCreditsError{
			Required:  gateway.FallbackCreditPerToken.Mul(decimal.NewFromInt(est)).String(),
			Available: pr.User.Credits.String(),
		}
	}
	if err := a.limiter.Check(ctx, pr.Key.ID, ratelimit.ForPlan(ent.Plan, pr.Env), 0); err != nil {
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
	defer release()

	providerName := req.Provider
	if providerName == "" {
		providerName = defaultImageProvider
	}
	adapter, err := a.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	imager, ok := adapter.(gateway.ImageAdapter)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s cannot generate images", gateway.ErrParameterInvalid, providerName)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Request)
	defer cancel()

	started := a.now()
	resp, err := imager.GenerateImage(ctx, req)
	if err != nil {
		return nil, err
	}

	resp.GatewayUsage = a.settleImage(ctx, pr, ent, req.Model, providerName, int(est), started)
	return resp, nil
}

// settleImage meters a completed image call. No completion tokens exist, so
// the prompt estimate is the charged load.
func (a *App) settleImage(ctx context.Context, pr *gateway.Principal, ent *entitlement.Entitlement, model, providerName string, promptTokens int, started time.Time) *gateway.GatewayUsage {
	base := context.WithoutCancel(ctx)
	cost := gateway.FallbackCreditPerToken.Mul(decimal.NewFromInt(int64(promptTokens)))
	latency := time.Since(started).Milliseconds()

	var balanceAfter decimal.Decimal
	isTrial := ent.Trial.IsTrial
	if isTrial {
		a.entitlements.Tracker().Consume(pr.User.ID, int64(promptTokens))
		balanceAfter = pr.User.Credits
	} else {
		balanceAfter = a.deduct(base, pr, cost)
	}

	a.limiter.Commit(base, pr.Key.ID, int64(promptTokens))
	if err := a.store.IncrementKeyUsage(base, pr.Key.ID); err != nil {
		a.log.LogAttrs(base, slog.LevelWarn, "key usage increment failed",
			slog.String("key_id", pr.Key.ID), slog.String("error", err.Error()))
	}

	if a.recorder != nil {
		a.recorder.Record(gateway.UsageRecord{
			UserID:       pr.User.ID,
			KeyID:        pr.Key.ID,
			Model:        model,
			Provider:     providerName,
			PromptTokens: promptTokens,
			Cost:         cost,
			LatencyMs:    latency,
			RequestID:    gateway.RequestIDFromContext(ctx),
			FinishReason: "stop",
			Timestamp:    a.now(),
		})
	}

	return &gateway.GatewayUsage{
		TokensCharged:    promptTokens,
		RequestMs:        latency,
		UserBalanceAfter: balanceAfter.String(),
		UserAPIKey:       pr.Key.Prefix(),
		Provider:         providerName,
		CostCredits:      cost.String(),
		Trial:            isTrial,
	}
}
