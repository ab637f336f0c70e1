package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
)

func TestInvoke(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "openai/gpt-4o-mini" {
			t.Errorf("model = %v, want lowercase", body["model"])
		}
		if body["max_tokens"] != float64(256) {
			t.Errorf("max_tokens = %v", body["max_tokens"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"model":   "openai/gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": `"hi"`}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6},
		})
	}))
	defer srv.Close()

	c := New("openrouter", srv.URL, srv.Client())
	resp, err := c.Invoke(context.Background(), &gateway.InvokeParams{
		NativeModelID: "OpenAI/GPT-4o-mini",
		Messages:      []gateway.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
		MaxTokens:     256,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestInvokeUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("fireworks", srv.URL, srv.Client())
	_, err := c.Invoke(context.Background(), &gateway.InvokeParams{NativeModelID: "m", MaxTokens: 10})
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("apiErr = %v", err)
	}
}

func TestInvokeStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("stream not forced true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New("together", srv.URL, srv.Client())
	ch, err := c.InvokeStream(context.Background(), &gateway.InvokeParams{NativeModelID: "m", MaxTokens: 10})
	if err != nil {
		t.Fatal(err)
	}
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		if chunk.Done {
			done = true
		}
	}
	if !done {
		t.Error("no Done sentinel")
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{
			"id":"meta-llama/llama-3.1-8b-instruct",
			"name":"Llama 3.1 8B",
			"context_length":131072,
			"architecture":{"modality":"text+image->text"},
			"pricing":{"prompt":"0.00000002","completion":"0.00000005"},
			"top_provider":{"max_completion_tokens":4096},
			"supported_parameters":["tools","temperature"]
		}]}`))
	}))
	defer srv.Close()

	c := New("openrouter", srv.URL, srv.Client())
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 {
		t.Fatalf("got %d models", len(models))
	}
	m := models[0]
	if m.ID != "meta-llama/llama-3.1-8b-instruct" || m.Provider != "openrouter" {
		t.Errorf("model = %+v", m)
	}
	if m.InputPer1K != 0.00002 {
		t.Errorf("input per 1k = %v", m.InputPer1K)
	}
	if len(m.Modalities) != 2 {
		t.Errorf("modalities = %v", m.Modalities)
	}
	if len(m.Features) != 2 || m.Features[0] != "tools" {
		t.Errorf("features = %v", m.Features)
	}
	if m.MaxTokens != 4096 {
		t.Errorf("max tokens = %d", m.MaxTokens)
	}
}
