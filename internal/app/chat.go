package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/selector"
	"github.com/Alpaca-Network/gatewayz/internal/telemetry"
)

// ChatCompletion runs the full unary pipeline: admission, failover call,
// metering, and the gateway usage block.
func (a *App) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	params, err := a.clampParams(ctx, req)
	if err != nil {
		return nil, err
	}

	est := a.counter.EstimateRequest(req.Model, req.Messages)
	adm, err := a.admit(ctx, ActionChat, req.Model, int64(est))
	if err != nil {
		return nil, err
	}
	defer adm.release()

	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Request)
	defer cancel()

	ctx, span := telemetry.Tracer("app").Start(ctx, "chat.completion",
		trace.WithAttributes(attribute.String("gen_ai.request.model", adm.model.Canonical)))
	defer span.End()

	started := a.now()
	raw, result, err := a.selector.ExecuteWithFailover(ctx, adm.model.Canonical,
		func(cctx context.Context, providerName, nativeID string) (any, error) {
			adapter, aerr := a.providers.Get(providerName)
			if aerr != nil {
				return nil, aerr
			}
			p := *params
			p.NativeModelID = nativeID
			return adapter.Invoke(cctx, &p)
		}, a.selectorOptions(req))
	a.countAttempts(result)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, ok := raw.(*gateway.ChatResponse)
	if !ok {
		return nil, fmt.Errorf("provider %s returned unexpected payload", result.Provider)
	}

	usage := resp.Usage
	if usage == nil {
		// Upstream omitted usage; estimate so billing never silently skips.
		completion := 0
		if len(resp.Choices) > 0 {
			completion = a.counter.CountText(req.Model, string(resp.Choices[0].Message.Content))
		}
		usage = &gateway.Usage{
			PromptTokens:     est,
			CompletionTokens: completion,
			TotalTokens:      est + completion,
		}
		resp.Usage = usage
	}

	finishReason := "stop"
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		finishReason = resp.Choices[0].FinishReason
	}

	resp.Model = adm.model.Canonical
	resp.GatewayUsage = a.settle(ctx, adm, result.Provider, usage, started, finishReason)
	return resp, nil
}

// ChatCompletionStream runs the streaming pipeline. Chunks are forwarded
// verbatim; after the upstream finishes, a gateway usage event precedes the
// Done sentinel. An interrupted stream settles what was observed with
// finish_reason "interrupted".
func (a *App) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	params, err := a.clampParams(ctx, req)
	if err != nil {
		return nil, err
	}

	est := a.counter.EstimateRequest(req.Model, req.Messages)
	adm, err := a.admit(ctx, ActionChat, req.Model, int64(est))
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, a.timeouts.Stream)

	// The span covers provider selection and connection; chunks flow after.
	sctx, span := telemetry.Tracer("app").Start(sctx, "chat.completion.stream",
		trace.WithAttributes(attribute.String("gen_ai.request.model", adm.model.Canonical)))

	started := a.now()
	raw, result, err := a.selector.ExecuteWithFailover(sctx, adm.model.Canonical,
		func(cctx context.Context, providerName, nativeID string) (any, error) {
			adapter, aerr := a.providers.Get(providerName)
			if aerr != nil {
				return nil, aerr
			}
			p := *params
			p.NativeModelID = nativeID
			return adapter.InvokeStream(sctx, &p)
		}, a.selectorOptions(req))
	a.countAttempts(result)
	if err != nil {
		span.RecordError(err)
		span.End()
		cancel()
		adm.release()
		return nil, err
	}
	span.End()

	upstream, ok := raw.(<-chan gateway.StreamChunk)
	if !ok {
		cancel()
		adm.release()
		return nil, fmt.Errorf("provider %s returned unexpected payload", result.Provider)
	}

	out := make(chan gateway.StreamChunk, 16)
	go a.pumpStream(ctx, sctx, cancel, adm, result.Provider, est, started, upstream, out)
	return out, nil
}

// pumpStream forwards upstream chunks to out, enforcing the idle gap, and
// settles billing exactly once whichever way the stream ends.
func (a *App) pumpStream(ctx, sctx context.Context, cancel context.CancelFunc, adm *admission, providerName string, est int, started time.Time, upstream <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer close(out)
	defer adm.release()
	defer cancel()

	var usage *gateway.Usage
	idle := time.NewTimer(a.timeouts.StreamIdle)
	defer idle.Stop()

	settleInterrupted := func() {
		if usage == nil {
			usage = &gateway.Usage{PromptTokens: est, TotalTokens: est}
		}
		a.settle(ctx, adm, providerName, usage, started, "interrupted")
	}

	for {
		select {
		case chunk, open := <-upstream:
			if !open {
				settleInterrupted()
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.timeouts.StreamIdle)

			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				out <- chunk
				settleInterrupted()
				return
			}
			if chunk.Done {
				if usage == nil {
					usage = &gateway.Usage{PromptTokens: est, TotalTokens: est}
				}
				gu := a.settle(ctx, adm, providerName, usage, started, "stop")
				if data, err := json.Marshal(struct {
					GatewayUsage *gateway.GatewayUsage `json:"gateway_usage"`
				}{gu}); err == nil {
					out <- gateway.StreamChunk{Data: data}
				}
				out <- gateway.StreamChunk{Done: true}
				return
			}
			out <- chunk

		case <-idle.C:
			out <- gateway.StreamChunk{Err: fmt.Errorf("stream idle for %s: %w", a.timeouts.StreamIdle, context.DeadlineExceeded)}
			settleInterrupted()
			return

		case <-sctx.Done():
			settleInterrupted()
			return
		}
	}
}

func (a *App) selectorOptions(req *gateway.ChatRequest) selector.Options {
	opts := selector.Options{PreferredProvider: req.Provider}
	if len(req.Tools) > 0 {
		opts.RequiredFeatures = []string{"tools"}
	}
	return opts
}

func (a *App) countAttempts(result *selector.Result) {
	if a.metrics == nil || result == nil {
		return
	}
	for _, att := range result.Attempts {
		outcome := "error"
		if att.Success {
			outcome = "success"
		}
		a.metrics.FailoverAttempts.WithLabelValues(att.Provider, outcome).Inc()
	}
}
