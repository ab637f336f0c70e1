package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// settle meters a completed call: trial budget or credit deduction, window
// commit, key usage bump, and the usage record. It runs on a cancel-free
// context so client disconnects cannot skip billing.
func (a *App) settle(ctx context.Context, adm *admission, providerName string, usage *gateway.Usage, started time.Time, finishReason string) *gateway.GatewayUsage {
	base := context.WithoutCancel(ctx)
	pr := adm.principal

	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	cost := costFor(adm.model, providerName, usage.PromptTokens, usage.CompletionTokens)
	latency := time.Since(started).Milliseconds()

	var balanceAfter decimal.Decimal
	isTrial := adm.ent.Trial.IsTrial
	if isTrial {
		a.entitlements.Tracker().Consume(pr.User.ID, int64(total))
		balanceAfter = pr.User.Credits
		if a.metrics != nil {
			a.metrics.TrialRequests.Inc()
		}
	} else {
		balanceAfter = a.deduct(base, pr, cost)
	}

	a.limiter.Commit(base, pr.Key.ID, int64(total))

	if err := a.store.IncrementKeyUsage(base, pr.Key.ID); err != nil {
		a.log.LogAttrs(base, slog.LevelWarn, "key usage increment failed",
			slog.String("key_id", pr.Key.ID), slog.String("error", err.Error()))
	}

	if a.recorder != nil {
		a.recorder.Record(gateway.UsageRecord{
			UserID:           pr.User.ID,
			KeyID:            pr.Key.ID,
			Model:            adm.model.Canonical,
			Provider:         providerName,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			Cost:             cost,
			LatencyMs:        latency,
			RequestID:        gateway.RequestIDFromContext(ctx),
			FinishReason:     finishReason,
			Timestamp:        a.now(),
		})
	}

	if a.metrics != nil {
		a.metrics.TokensProcessed.WithLabelValues(adm.model.Canonical, "prompt").Add(float64(usage.PromptTokens))
		a.metrics.TokensProcessed.WithLabelValues(adm.model.Canonical, "completion").Add(float64(usage.CompletionTokens))
		if !isTrial {
			charged, _ := cost.Float64()
			a.metrics.CreditsCharged.WithLabelValues(adm.model.Canonical).Add(charged)
		}
		a.metrics.UpstreamDuration.WithLabelValues(providerName, adm.model.Canonical).
			Observe(time.Since(started).Seconds())
	}

	return &gateway.GatewayUsage{
		TokensCharged:    total,
		RequestMs:        latency,
		UserBalanceAfter: balanceAfter.String(),
		UserAPIKey:       pr.Key.Prefix(),
		Provider:         providerName,
		CostCredits:      cost.String(),
		Trial:            isTrial,
	}
}

// deduct charges cost against the user's balance, flooring at zero. The call
// already happened, so a shortfall is absorbed and audited rather than failed.
func (a *App) deduct(ctx context.Context, pr *gateway.Principal, cost decimal.Decimal) decimal.Decimal {
	newBal, err := a.store.DeductCredits(ctx, pr.User.ID, cost)
	if err == nil {
		return newBal
	}

	var insufficient *gateway.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		a.log.LogAttrs(ctx, slog.LevelError, "credit deduction failed",
			slog.String("user_id", pr.User.ID), slog.String("error", err.Error()))
		return pr.User.Credits
	}

	// Drain whatever is left and record the overspend.
	avail, perr := decimal.NewFromString(insufficient.Available)
	if perr == nil && avail.Sign() > 0 {
		if bal, derr := a.store.DeductCredits(ctx, pr.User.ID, avail); derr == nil {
			newBal = bal
		}
	}
	if a.audit != nil {
		details, _ := json.Marshal(map[string]string{
			"required":  cost.String(),
			"available": insufficient.Available,
		})
		a.audit.Record(ctx, &gateway.AuditEntry{
			UserID:  pr.User.ID,
			KeyID:   pr.Key.ID,
			Action:  gateway.AuditCreditOverspend,
			Details: details,
		})
	}
	return newBal
}
