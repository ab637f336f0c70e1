package server

import (
	"net/http"
	"time"
)

// handleCatalogRefresh forces an immediate catalog refetch from every
// configured provider.
func (s *server) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalogRefreshResponse{
		Status:  "ok",
		Models:  len(s.deps.Catalog.List()),
		BuiltAt: s.deps.Catalog.BuiltAt().UTC().Format(time.RFC3339),
	})
}

type catalogRefreshResponse struct {
	Status  string `json:"status"`
	Models  int    `json:"models"`
	BuiltAt string `json:"built_at"`
}

// handleAdminStatus reports catalog state and the providers currently listed.
func (s *server) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	models := s.deps.Catalog.List()
	seen := map[string]bool{}
	var providers []string
	for _, m := range models {
		for _, l := range m.Listings {
			if !seen[l.Provider] {
				seen[l.Provider] = true
				providers = append(providers, l.Provider)
			}
		}
	}

	writeJSON(w, http.StatusOK, adminStatusResponse{
		Models:         len(models),
		Providers:      providers,
		CatalogBuiltAt: s.deps.Catalog.BuiltAt().UTC().Format(time.RFC3339),
	})
}

type adminStatusResponse struct {
	Models         int      `json:"models"`
	Providers      []string `json:"providers"`
	CatalogBuiltAt string   `json:"catalog_built_at"`
}
