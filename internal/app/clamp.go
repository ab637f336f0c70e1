package app

import (
	"context"
	"fmt"
	"log/slog"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

const (
	defaultMaxTokens = 950
	capMaxTokens     = 1000
)

// clampParams validates and normalizes sampling parameters into InvokeParams.
// An explicit non-positive max_tokens is a caller error and fails the request;
// out-of-range sampling values are clamped into range and logged.
func (a *App) clampParams(ctx context.Context, req *gateway.ChatRequest) (*gateway.InvokeParams, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return nil, fmt.Errorf("%w: max_tokens must be positive", gateway.ErrParameterInvalid)
		}
		maxTokens = min(*req.MaxTokens, capMaxTokens)
		if *req.MaxTokens > capMaxTokens {
			a.logClamp(ctx, "max_tokens", float64(*req.MaxTokens), float64(capMaxTokens))
		}
	}

	p := &gateway.InvokeParams{
		Messages:         req.Messages,
		MaxTokens:        maxTokens,
		Temperature:      a.clampRange(ctx, "temperature", req.Temperature, 0, 2),
		TopP:             a.clampRange(ctx, "top_p", req.TopP, 0, 1),
		FrequencyPenalty: a.clampRange(ctx, "frequency_penalty", req.FrequencyPenalty, -2, 2),
		PresencePenalty:  a.clampRange(ctx, "presence_penalty", req.PresencePenalty, -2, 2),
		Tools:            req.Tools,
	}
	return p, nil
}

// clampRange bounds an optional float parameter to [lo, hi].
func (a *App) clampRange(ctx context.Context, name string, v *float64, lo, hi float64) *float64 {
	if v == nil {
		return nil
	}
	clamped := min(max(*v, lo), hi)
	if clamped != *v {
		a.logClamp(ctx, name, *v, clamped)
	}
	return &clamped
}

func (a *App) logClamp(ctx context.Context, name string, from, to float64) {
	a.log.LogAttrs(ctx, slog.LevelDebug, "parameter clamped",
		slog.String("param", name),
		slog.Float64("from", from),
		slog.Float64("to", to),
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
	)
}
