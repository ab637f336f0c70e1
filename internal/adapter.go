package gateway

import "context"

// InvokeParams is the uniform parameter set handed to a provider adapter.
// Clamping happens in the orchestrator; adapters pass values through.
type InvokeParams struct {
	NativeModelID    string
	Messages         []Message
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Tools            []byte // raw JSON, forwarded verbatim
}

// RawModel is a provider catalog entry, normalized at registry-ingest time.
type RawModel struct {
	Provider      string
	ID            string // native model id
	DisplayName   string
	Description   string
	ContextLength int
	Modalities    []string
	InputPer1K    float64 // credits per 1k prompt tokens; 0 = undeclared
	OutputPer1K   float64
	MaxTokens     int
	Features      []string
}

// Adapter is the uniform contract all upstream provider adapters implement.
// Adapters never retry; retry and failover policy lives in the selector.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openrouter", "vertex").
	Name() string
	// ListModels fetches the provider catalog.
	ListModels(ctx context.Context) ([]RawModel, error)
	// Invoke sends a non-streaming chat completion request.
	Invoke(ctx context.Context, p *InvokeParams) (*ChatResponse, error)
	// InvokeStream sends a streaming chat completion request. The returned
	// channel is closed after a Done sentinel or an error chunk.
	InvokeStream(ctx context.Context, p *InvokeParams) (<-chan StreamChunk, error)
}

// ImageAdapter is an optional interface for providers that can generate
// images. Checked via type assertion by the orchestrator.
type ImageAdapter interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}
