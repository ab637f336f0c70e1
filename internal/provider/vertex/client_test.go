package vertex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
)

const generateResponse = `{
	"candidates": [{
		"content": {"role": "model", "parts": [{"text": "Hello there"}]},
		"finishReason": "STOP"
	}],
	"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 3, "totalTokenCount": 11}
}`

func TestInvoke(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/v1/projects/proj-1/locations/us-central1/publishers/google/models/gemini-2.0-flash:generateContent"
		if r.URL.Path != wantPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["systemInstruction"] == nil {
			t.Error("system message not lifted to systemInstruction")
		}
		contents := body["contents"].([]any)
		last := contents[len(contents)-1].(map[string]any)
		if last["role"] != "model" {
			t.Errorf("assistant role = %v, want model", last["role"])
		}
		w.Write([]byte(generateResponse))
	}))
	defer srv.Close()

	c := New("proj-1", "us-central1", srv.URL, srv.Client())
	resp, err := c.Invoke(context.Background(), &gateway.InvokeParams{
		NativeModelID: "gemini-2.0-flash",
		Messages: []gateway.Message{
			{Role: "system", Content: json.RawMessage(`"be brief"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
			{Role: "assistant", Content: json.RawMessage(`"yes?"`)},
		},
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	var content string
	json.Unmarshal(resp.Choices[0].Message.Content, &content)
	if content != "Hello there" {
		t.Errorf("content = %q", content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 11 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestInvokeUpstreamError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"throttled", http.StatusTooManyRequests, provider.ErrRateLimited},
		{"server error", http.StatusInternalServerError, provider.ErrUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{}}`, tc.status)
			}))
			defer srv.Close()

			c := New("proj-1", "us-central1", srv.URL, srv.Client())
			_, err := c.Invoke(context.Background(), &gateway.InvokeParams{NativeModelID: "gemini-2.0-flash", MaxTokens: 10})
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestInvokeRejectsNonTextParts(t *testing.T) {
	t.Parallel()

	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.Write([]byte(generateResponse))
	}))
	defer srv.Close()

	c := New("proj-1", "us-central1", srv.URL, srv.Client())
	_, err := c.Invoke(context.Background(), &gateway.InvokeParams{
		NativeModelID: "gemini-2.0-flash",
		Messages: []gateway.Message{{
			Role:    "user",
			Content: json.RawMessage(`[{"type":"image_url","image_url":{"url":"https://img.example/cat.png"}},{"type":"text","text":"what is this?"}]`),
		}},
		MaxTokens: 10,
	})
	if !errors.Is(err, provider.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	if called {
		t.Error("unsupported content must not reach the upstream")
	}
}

func TestInvokeStreamSynthesized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(generateResponse))
	}))
	defer srv.Close()

	c := New("proj-1", "us-central1", srv.URL, srv.Client())
	ch, err := c.InvokeStream(context.Background(), &gateway.InvokeParams{
		NativeModelID: "gemini-2.0-flash",
		Messages:      []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		MaxTokens:     128,
	})
	if err != nil {
		t.Fatal(err)
	}

	var chunks []gateway.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want content + usage + done", len(chunks))
	}
	if !strings.Contains(string(chunks[0].Data), "Hello there") {
		t.Errorf("content chunk = %s", chunks[0].Data)
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 11 {
		t.Errorf("usage chunk = %+v", chunks[1].Usage)
	}
	if !chunks[2].Done {
		t.Error("missing Done sentinel")
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"OTHER":      "other",
	}
	for in, want := range tests {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	c := New("proj-1", "", "", nil)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) == 0 {
		t.Fatal("empty catalog")
	}
	for _, m := range models {
		if m.Provider != "vertex" {
			t.Errorf("provider = %q", m.Provider)
		}
		if !strings.HasPrefix(m.ID, "gemini-") {
			t.Errorf("unexpected model id %q", m.ID)
		}
	}
}
