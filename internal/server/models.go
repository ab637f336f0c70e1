package server

import (
	"net/http"
)

// handleListModels returns the canonical model catalog in OpenAI-compatible
// list form, enriched with provider and pricing details. An optional ?q=
// parameter filters by substring match on ID or display name.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var models = s.deps.Catalog.List()
	if q := r.URL.Query().Get("q"); q != "" {
		models = s.deps.Catalog.Search(q)
	}

	created := s.deps.Catalog.BuiltAt().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		providers := make([]modelProvider, len(m.Listings))
		for j, l := range m.Listings {
			providers[j] = modelProvider{
				Provider:    l.Provider,
				ID:          l.NativeID,
				InputPer1K:  l.InputPer1K,
				OutputPer1K: l.OutputPer1K,
				MaxTokens:   l.MaxTokens,
			}
		}
		data[i] = modelEntry{
			ID:            m.Canonical,
			Object:        "model",
			Created:       created,
			OwnedBy:       "system",
			DisplayName:   m.DisplayName,
			Description:   m.Description,
			ContextLength: m.ContextLength,
			Modalities:    m.Modalities,
			Features:      m.Features,
			Providers:     providers,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID            string          `json:"id"`
	Object        string          `json:"object"`
	Created       int64           `json:"created"`
	OwnedBy       string          `json:"owned_by"`
	DisplayName   string          `json:"display_name,omitempty"`
	Description   string          `json:"description,omitempty"`
	ContextLength int             `json:"context_length,omitempty"`
	Modalities    []string        `json:"modalities,omitempty"`
	Features      []string        `json:"features,omitempty"`
	Providers     []modelProvider `json:"providers,omitempty"`
}

type modelProvider struct {
	Provider    string  `json:"provider"`
	ID          string  `json:"id"`
	InputPer1K  float64 `json:"input_per_1k,omitempty"`
	OutputPer1K float64 `json:"output_per_1k,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
