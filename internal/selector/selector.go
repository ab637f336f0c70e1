// Package selector picks providers for a canonical model in priority order
// and fails over across them under circuit-breaker control.
package selector

import (
	"context"
	"log/slog"
	"slices"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/circuitbreaker"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
)

// DefaultMaxRetries caps how many providers one request may try.
const DefaultMaxRetries = 3

// CallFunc invokes one provider with its native model ID.
type CallFunc func(ctx context.Context, provider, nativeID string) (any, error)

// Attempt records one provider try within a failover run.
type Attempt struct {
	Provider string
	NativeID string
	Number   int
	Success  bool
	Err      error
}

// Result reports the outcome of a failover run.
type Result struct {
	Provider string // winning provider, empty on failure
	NativeID string
	Attempts []Attempt
}

// Options tune a single failover run.
type Options struct {
	PreferredProvider string
	RequiredFeatures  []string
	MaxCost           float64 // max credits per 1K output tokens, 0 = no cap
	MaxRetries        int     // 0 means DefaultMaxRetries
}

// Selector routes calls across a model's providers.
type Selector struct {
	registry *registry.Registry
	breakers *circuitbreaker.Registry
	log      *slog.Logger
}

// New creates a Selector.
func New(reg *registry.Registry, breakers *circuitbreaker.Registry, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{registry: reg, breakers: breakers, log: log}
}

// candidates builds the ordered provider list for one run.
func (s *Selector) candidates(model *registry.Model, opts Options) []registry.Listing {
	out := make([]registry.Listing, 0, len(model.Listings))
	for _, l := range model.Listings {
		if !hasAll(l.Features, opts.RequiredFeatures) {
			continue
		}
		if opts.MaxCost > 0 && (l.InputPer1K > opts.MaxCost || l.OutputPer1K > opts.MaxCost) {
			continue
		}
		out = append(out, l)
	}

	if opts.PreferredProvider != "" {
		if idx := slices.IndexFunc(out, func(l registry.Listing) bool {
			return l.Provider == opts.PreferredProvider
		}); idx > 0 {
			promoted := out[idx]
			copy(out[1:idx+1], out[:idx])
			out[0] = promoted
		}
	}

	// Skip providers whose circuit is open; expiry is checked lazily inside.
	filtered := out[:0]
	for _, l := range out {
		if s.breakers.GetOrCreate(model.Canonical, l.Provider).Allow() {
			filtered = append(filtered, l)
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if len(filtered) > maxRetries {
		filtered = filtered[:maxRetries]
	}
	return filtered
}

// ExecuteWithFailover resolves the canonical model and tries its providers in
// order until one call succeeds. Each outcome feeds the (model, provider)
// circuit. On exhaustion the last provider error is returned alongside the
// attempt log.
func (s *Selector) ExecuteWithFailover(ctx context.Context, canonicalID string, call CallFunc, opts Options) (any, *Result, error) {
	model, ok := s.registry.Get(canonicalID)
	if !ok {
		return nil, &Result{}, gateway.ErrModelUnknown
	}

	cands := s.candidates(model, opts)
	result := &Result{Attempts: make([]Attempt, 0, len(cands))}
	if len(cands) == 0 {
		return nil, result, gateway.ErrCircuitOpen
	}

	var lastErr error
	for i, l := range cands {
		if err := ctx.Err(); err != nil {
			return nil, result, err
		}
		resp, err := call(ctx, l.Provider, l.NativeID)
		attempt := Attempt{Provider: l.Provider, NativeID: l.NativeID, Number: i + 1, Success: err == nil, Err: err}
		result.Attempts = append(result.Attempts, attempt)

		breaker := s.breakers.GetOrCreate(model.Canonical, l.Provider)
		if err == nil {
			breaker.RecordSuccess()
			result.Provider = l.Provider
			result.NativeID = l.NativeID
			return resp, result, nil
		}

		breaker.RecordFailure()
		lastErr = err
		s.log.LogAttrs(ctx, slog.LevelWarn, "provider attempt failed",
			slog.String("model", model.Canonical),
			slog.String("provider", l.Provider),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()))
	}
	return nil, result, lastErr
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
