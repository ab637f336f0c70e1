package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// maxBodyBytes bounds request bodies; chat payloads are capped well below this.
const maxBodyBytes = 4 << 20

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("model and messages are required", "invalid_request_error"))
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := s.deps.App.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream serves SSE streaming chat completions. Admission
// failures surface as plain JSON errors before any SSE bytes are written.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	ch, err := s.deps.App.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				sse.done()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
					slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
				)
				sse.done()
				return
			}
			if chunk.Done {
				sse.done()
				return
			}
			sse.data(chunk.Data)

		case <-keepAlive.C:
			sse.keepAlive()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}

	var req gateway.ImageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("prompt is required", "invalid_request_error"))
		return
	}
	// Carry provider-specific fields through untouched.
	req.Extra = body

	resp, err := s.deps.App.GenerateImage(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
