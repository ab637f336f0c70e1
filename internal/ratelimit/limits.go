// Package ratelimit enforces per-key sliding-window request and token limits
// plus per-key concurrency caps.
package ratelimit

import (
	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// Limits holds the effective window limits for a key. Zero means unlimited.
type Limits struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	TokensPerMinute   int64
	TokensPerHour     int64
	TokensPerDay      int64
}

// planDefaults are the window limits applied per plan tier when the plan
// itself carries no explicit daily numbers for a window.
var planDefaults = map[gateway.PlanType]Limits{
	gateway.PlanFree: {
		RequestsPerMinute: 60, RequestsPerHour: 1_000, RequestsPerDay: 10_000,
		TokensPerMinute: 10_000, TokensPerHour: 100_000, TokensPerDay: 1_000_000,
	},
	gateway.PlanDev: {
		RequestsPerMinute: 300, RequestsPerHour: 5_000, RequestsPerDay: 50_000,
		TokensPerMinute: 50_000, TokensPerHour: 500_000, TokensPerDay: 5_000_000,
	},
	gateway.PlanTeam: {
		RequestsPerMinute: 1_000, RequestsPerHour: 20_000, RequestsPerDay: 200_000,
		TokensPerMinute: 200_000, TokensPerHour: 2_000_000, TokensPerDay: 20_000_000,
	},
	gateway.PlanCustomize: {
		RequestsPerMinute: 1_000, RequestsPerHour: 20_000, RequestsPerDay: 200_000,
		TokensPerMinute: 200_000, TokensPerHour: 2_000_000, TokensPerDay: 20_000_000,
	},
}

// ForPlan returns the effective limits for a plan, overlaying the plan's own
// daily budgets on the tier defaults and scaling by the environment
// multiplier.
func ForPlan(plan *gateway.Plan, env string) Limits {
	l := planDefaults[gateway.PlanFree]
	if plan != nil {
		if d, ok := planDefaults[plan.Type]; ok {
			l = d
		}
		if plan.DailyRequestLimit > 0 {
			l.RequestsPerDay = plan.DailyRequestLimit
		}
		if plan.DailyTokenLimit > 0 {
			l.TokensPerDay = plan.DailyTokenLimit
		}
	}
	return l.scale(gateway.EnvironmentMultiplier(env))
}

func (l Limits) scale(mult float64) Limits {
	if mult == 1.0 {
		return l
	}
	scale := func(v int64) int64 {
		if v == 0 {
			return 0
		}
		s := int64(float64(v) * mult)
		if s < 1 {
			return 1
		}
		return s
	}
	return Limits{
		RequestsPerMinute: scale(l.RequestsPerMinute),
		RequestsPerHour:   scale(l.RequestsPerHour),
		RequestsPerDay:    scale(l.RequestsPerDay),
		TokensPerMinute:   scale(l.TokensPerMinute),
		TokensPerHour:     scale(l.TokensPerHour),
		TokensPerDay:      scale(l.TokensPerDay),
	}
}

// forKind returns the request and token limits for a window kind.
func (l Limits) forKind(kind gateway.WindowKind) (requests, tokens int64) {
	switch kind {
	case gateway.WindowMinute:
		return l.RequestsPerMinute, l.TokensPerMinute
	case gateway.WindowHour:
		return l.RequestsPerHour, l.TokensPerHour
	default:
		return l.RequestsPerDay, l.TokensPerDay
	}
}
