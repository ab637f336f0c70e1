// Package openaicompat implements the adapter for providers that speak the
// OpenAI chat completions wire format (OpenRouter, Fireworks, Together,
// DeepInfra, Portkey).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
	"github.com/Alpaca-Network/gatewayz/internal/provider/sseutil"
)

var _ gateway.Adapter = (*Client)(nil)

// Client is an adapter for an OpenAI-compatible upstream.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Client for the named provider. baseURL must point at the
// provider's /v1 root. The provided http.Client carries auth in its transport.
func New(name, baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// wireRequest is the OpenAI chat completions request body.
type wireRequest struct {
	Model            string            `json:"model"`
	Messages         []gateway.Message `json:"messages"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	Tools            json.RawMessage   `json:"tools,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	StreamOptions    *streamOptions    `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (c *Client) buildBody(p *gateway.InvokeParams, stream bool) ([]byte, error) {
	req := wireRequest{
		// Upstreams key routing on lowercase model ids.
		Model:            strings.ToLower(p.NativeModelID),
		Messages:         p.Messages,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		Tools:            p.Tools,
		Stream:           stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportErr(c.name, err)
	}
	return resp, nil
}

// Invoke sends a non-streaming chat completion request.
func (c *Client) Invoke(ctx context.Context, p *gateway.InvokeParams) (*gateway.ChatResponse, error) {
	body, err := c.buildBody(p, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return &out, nil
}

// InvokeStream sends a streaming chat completion request. Raw SSE data
// payloads are forwarded as-is in StreamChunk.Data.
func (c *Client) InvokeStream(ctx context.Context, p *gateway.InvokeParams) (<-chan gateway.StreamChunk, error) {
	body, err := c.buildBody(p, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadStream(ctx, c.name, resp, ch)
	return ch, nil
}

// ListModels fetches the provider catalog from GET /models. It understands
// both the bare OpenAI shape (id only) and the OpenRouter shape carrying
// pricing, context length, and modality metadata.
func (c *Client) ListModels(ctx context.Context) ([]gateway.RawModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportErr(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read models response: %w", c.name, err)
	}

	var models []gateway.RawModel
	gjson.GetBytes(raw, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		rm := gateway.RawModel{
			Provider:      c.name,
			ID:            id,
			DisplayName:   m.Get("name").String(),
			Description:   m.Get("description").String(),
			ContextLength: int(m.Get("context_length").Int()),
			MaxTokens:     int(m.Get("top_provider.max_completion_tokens").Int()),
			InputPer1K:    per1K(m.Get("pricing.prompt")),
			OutputPer1K:   per1K(m.Get("pricing.completion")),
		}
		// Modality strings look like "text+image->text"; keep the input side.
		modality, _, _ := strings.Cut(m.Get("architecture.modality").String(), "->")
		for _, mod := range strings.Split(modality, "+") {
			if mod = strings.TrimSpace(mod); mod != "" {
				rm.Modalities = append(rm.Modalities, mod)
			}
		}
		m.Get("supported_parameters").ForEach(func(_, p gjson.Result) bool {
			rm.Features = append(rm.Features, p.String())
			return true
		})
		models = append(models, rm)
		return true
	})
	return models, nil
}

// per1K converts a per-token price string to a per-1K-token rate.
func per1K(v gjson.Result) float64 {
	f, err := strconv.ParseFloat(v.String(), 64)
	if err != nil {
		return 0
	}
	return f * 1000
}
