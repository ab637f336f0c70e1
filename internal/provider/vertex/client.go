package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
	"github.com/Alpaca-Network/gatewayz/internal/provider/sseutil"
)

const providerName = "vertex"

var _ gateway.Adapter = (*Client)(nil)

// Client is a Vertex AI adapter for Google-published Gemini models.
type Client struct {
	project  string
	location string
	baseURL  string
	http     *http.Client
}

// New creates a Vertex Client. The provided http.Client must carry GCP
// credentials in its transport chain (see cloudauth.GCPJWTTransport).
// If baseURL is empty it is derived from the location.
func New(project, location, baseURL string, client *http.Client) *Client {
	if location == "" {
		location = "us-central1"
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		project:  project,
		location: location,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     client,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

func (c *Client) modelURL(model string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		c.baseURL, c.project, c.location, model)
}

// Invoke sends a generateContent request and translates the response.
func (c *Client) Invoke(ctx context.Context, p *gateway.InvokeParams) (*gateway.ChatResponse, error) {
	vreq, err := translateRequest(p)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(vreq)
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(p.NativeModelID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportErr(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vertex: read response: %w", err)
	}
	return translateResponse(respBody, p.NativeModelID)
}

// InvokeStream performs a unary generateContent call and synthesizes an
// OpenAI-shaped stream from the result: one content chunk carrying the full
// completion and finish reason, then a usage chunk, then the Done sentinel.
func (c *Client) InvokeStream(ctx context.Context, p *gateway.InvokeParams) (<-chan gateway.StreamChunk, error) {
	resp, err := c.Invoke(ctx, p)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 4)
	go func() {
		defer close(ch)

		var content string
		finishReason := "stop"
		if len(resp.Choices) > 0 {
			finishReason = resp.Choices[0].FinishReason
			json.Unmarshal(resp.Choices[0].Message.Content, &content)
		}

		ch <- gateway.StreamChunk{
			Data: sseutil.BuildDeltaChunk(resp.ID, p.NativeModelID, map[string]any{
				"role":    "assistant",
				"content": content,
			}, finishReason),
		}
		if resp.Usage != nil {
			ch <- gateway.StreamChunk{
				Data:  sseutil.BuildUsageChunk(resp.ID, p.NativeModelID, resp.Usage),
				Usage: resp.Usage,
			}
		}
		ch <- gateway.StreamChunk{Done: true}
	}()
	return ch, nil
}

// vertexCatalog is the set of Google-published models served through this
// adapter. Vertex has no lightweight public listing endpoint, so the catalog
// is pinned here. Pricing is credits per 1K tokens.
var vertexCatalog = []gateway.RawModel{
	{
		Provider: providerName, ID: "gemini-2.5-pro",
		DisplayName: "Gemini 2.5 Pro", ContextLength: 1048576, MaxTokens: 65536,
		Modalities: []string{"text", "image"}, InputPer1K: 0.00125, OutputPer1K: 0.01,
		Features: []string{"tools", "temperature", "top_p"},
	},
	{
		Provider: providerName, ID: "gemini-2.5-flash",
		DisplayName: "Gemini 2.5 Flash", ContextLength: 1048576, MaxTokens: 65536,
		Modalities: []string{"text", "image"}, InputPer1K: 0.0003, OutputPer1K: 0.0025,
		Features: []string{"tools", "temperature", "top_p"},
	},
	{
		Provider: providerName, ID: "gemini-2.0-flash",
		DisplayName: "Gemini 2.0 Flash", ContextLength: 1048576, MaxTokens: 8192,
		Modalities: []string{"text", "image"}, InputPer1K: 0.0001, OutputPer1K: 0.0004,
		Features: []string{"tools", "temperature", "top_p"},
	},
	{
		Provider: providerName, ID: "gemini-2.0-flash-lite",
		DisplayName: "Gemini 2.0 Flash Lite", ContextLength: 1048576, MaxTokens: 8192,
		Modalities: []string{"text"}, InputPer1K: 0.000075, OutputPer1K: 0.0003,
		Features: []string{"temperature", "top_p"},
	},
}

// ListModels returns the pinned Gemini catalog.
func (c *Client) ListModels(_ context.Context) ([]gateway.RawModel, error) {
	out := make([]gateway.RawModel, len(vertexCatalog))
	copy(out, vertexCatalog)
	return out, nil
}
