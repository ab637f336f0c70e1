package image

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

func TestGenerateImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "a red fox" {
			t.Errorf("prompt = %v", body["prompt"])
		}
		if body["model"] != "black-forest-labs/flux-1.1-pro" {
			t.Errorf("model = %v, want lowercase", body["model"])
		}
		// Extra fields merged into the wire body.
		if body["seed"] != float64(42) {
			t.Errorf("seed = %v", body["seed"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"created": 1700000000,
			"data":    []map[string]any{{"url": "https://img.example/1.png"}},
		})
	}))
	defer srv.Close()

	c := New("deepinfra", srv.URL, srv.Client())
	resp, err := c.GenerateImage(context.Background(), &gateway.ImageRequest{
		Prompt: "a red fox",
		Model:  "black-forest-labs/FLUX-1.1-pro",
		Extra:  json.RawMessage(`{"seed":42}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Data[0].URL == "" {
		t.Errorf("data = %+v", resp.Data)
	}
	if resp.Provider != "deepinfra" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestGenerateImageUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad prompt"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New("deepinfra", srv.URL, srv.Client())
	_, err := c.GenerateImage(context.Background(), &gateway.ImageRequest{Prompt: "x"})
	if !errors.Is(err, provider.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}
