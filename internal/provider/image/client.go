// Package image implements a single-shot image generation adapter for
// providers exposing the OpenAI images API shape.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
)

var _ gateway.ImageAdapter = (*Client)(nil)

// Client posts image generation requests to an OpenAI-compatible upstream.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates an image Client. Auth travels in the http.Client transport.
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

// GenerateImage sends a generation request. Unknown fields carried in
// req.Extra are merged into the wire body so provider-specific knobs pass
// through without gateway changes.
func (c *Client) GenerateImage(ctx context.Context, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	wire := map[string]any{"prompt": req.Prompt}
	if len(req.Extra) > 0 {
		if err := json.Unmarshal(req.Extra, &wire); err != nil {
			return nil, fmt.Errorf("%s: merge extra fields: %w", c.name, err)
		}
		wire["prompt"] = req.Prompt
	}
	if req.Model != "" {
		wire["model"] = strings.ToLower(req.Model)
	}
	if req.Size != "" {
		wire["size"] = req.Size
	}
	if req.N > 0 {
		wire["n"] = req.N
	}
	if req.Quality != "" {
		wire["quality"] = req.Quality
	}
	if req.Style != "" {
		wire["style"] = req.Style
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.WrapTransportErr(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}

	var out gateway.ImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	out.Provider = c.name
	out.Model = req.Model
	return &out, nil
}
