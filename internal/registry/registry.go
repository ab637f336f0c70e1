// Package registry maintains the canonical model catalog merged from all
// configured provider catalogs.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// providerPriority orders providers by observed reliability. Lower is tried
// first. Unknown providers sort last.
var providerPriority = map[string]int{
	"vertex":     1,
	"openrouter": 2,
	"fireworks":  3,
	"together":   4,
	"deepinfra":  5,
	"portkey":    6,
}

const unknownPriority = 100

// googleOverlay pins the provider order for the Gemini family regardless of
// catalog contents: first-party Vertex serving wins over resellers.
var googleOverlay = map[string][]string{
	"gemini-2.5-pro":        {"vertex", "openrouter"},
	"gemini-2.5-flash":      {"vertex", "openrouter"},
	"gemini-2.0-flash":      {"vertex", "openrouter"},
	"gemini-2.0-flash-lite": {"vertex", "openrouter"},
}

// Listing is one provider's offering of a canonical model.
type Listing struct {
	Provider    string
	NativeID    string
	Priority    int
	InputPer1K  float64
	OutputPer1K float64
	MaxTokens   int
	Features    []string
}

// Model is a canonical catalog entry with its provider listings ordered by
// ascending priority.
type Model struct {
	Canonical     string
	DisplayName   string
	Description   string
	ContextLength int
	Modalities    []string
	Features      []string // union over listings
	Listings      []Listing
}

// Supports reports whether any listing declares the feature.
func (m *Model) Supports(feature string) bool {
	return slices.Contains(m.Features, feature)
}

// snapshot is an immutable view of the merged catalog. Readers hold it only
// long enough to copy the pointer; a refresh swaps the whole snapshot.
type snapshot struct {
	byCanonical map[string]*Model
	bridge      map[string]string // provider + "\x00" + nativeID -> canonical
	sorted      []*Model
	builtAt     time.Time
	raw         map[string][]gateway.RawModel // per-provider source, kept for partial refresh
}

// Registry merges provider catalogs into a canonical model index.
type Registry struct {
	adapters []gateway.Adapter
	log      *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// New creates a Registry over the given adapters. Call Refresh before use.
func New(adapters []gateway.Adapter, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		adapters: adapters,
		log:      log,
		snap:     &snapshot{byCanonical: map[string]*Model{}, bridge: map[string]string{}},
	}
}

// Refresh fetches every provider catalog in parallel and swaps in a new
// snapshot. A provider fetch failure keeps that provider's previous listings;
// Refresh only errors when every provider fails and nothing was cached.
func (r *Registry) Refresh(ctx context.Context) error {
	prev := r.current()

	results := make([][]gateway.RawModel, len(r.adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range r.adapters {
		g.Go(func() error {
			models, err := a.ListModels(gctx)
			if err != nil {
				r.log.LogAttrs(gctx, slog.LevelWarn, "catalog fetch failed",
					slog.String("provider", a.Name()), slog.String("error", err.Error()))
				return nil // partial refresh: keep previous listings
			}
			results[i] = models
			return nil
		})
	}
	g.Wait()

	raw := make(map[string][]gateway.RawModel, len(r.adapters))
	var fetched int
	for i, a := range r.adapters {
		if results[i] != nil {
			raw[a.Name()] = results[i]
			fetched++
		} else if old, ok := prev.raw[a.Name()]; ok {
			raw[a.Name()] = old
		}
	}
	if fetched == 0 && len(prev.raw) == 0 {
		return gateway.ErrStoreUnavailable
	}

	next := buildSnapshot(raw)
	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()

	r.log.LogAttrs(ctx, slog.LevelInfo, "model catalog refreshed",
		slog.Int("models", len(next.sorted)),
		slog.Int("providers_fetched", fetched))
	return nil
}

func buildSnapshot(raw map[string][]gateway.RawModel) *snapshot {
	s := &snapshot{
		byCanonical: make(map[string]*Model),
		bridge:      make(map[string]string),
		builtAt:     time.Now(),
		raw:         raw,
	}

	for providerName, models := range raw {
		prio := priorityFor(providerName)
		for _, rm := range models {
			canonical := Canonicalize(rm.ID)
			m, ok := s.byCanonical[canonical]
			if !ok {
				m = &Model{Canonical: canonical}
				s.byCanonical[canonical] = m
			}
			if m.DisplayName == "" {
				m.DisplayName = rm.DisplayName
			}
			if m.Description == "" {
				m.Description = rm.Description
			}
			if rm.ContextLength > m.ContextLength {
				m.ContextLength = rm.ContextLength
			}
			for _, mod := range rm.Modalities {
				if !slices.Contains(m.Modalities, mod) {
					m.Modalities = append(m.Modalities, mod)
				}
			}
			for _, f := range rm.Features {
				if !slices.Contains(m.Features, f) {
					m.Features = append(m.Features, f)
				}
			}
			m.Listings = append(m.Listings, Listing{
				Provider:    providerName,
				NativeID:    rm.ID,
				Priority:    prio,
				InputPer1K:  rm.InputPer1K,
				OutputPer1K: rm.OutputPer1K,
				MaxTokens:   rm.MaxTokens,
				Features:    rm.Features,
			})
			s.bridge[bridgeKey(providerName, rm.ID)] = canonical
		}
	}

	for canonical, m := range s.byCanonical {
		applyOverlay(canonical, m)
		sort.SliceStable(m.Listings, func(i, j int) bool {
			return m.Listings[i].Priority < m.Listings[j].Priority
		})
	}

	s.sorted = make([]*Model, 0, len(s.byCanonical))
	for _, m := range s.byCanonical {
		s.sorted = append(s.sorted, m)
	}
	sort.Slice(s.sorted, func(i, j int) bool {
		return s.sorted[i].Canonical < s.sorted[j].Canonical
	})
	return s
}

// applyOverlay forces the pinned provider order for Google-family models.
func applyOverlay(canonical string, m *Model) {
	order, ok := googleOverlay[canonical]
	if !ok {
		return
	}
	for i := range m.Listings {
		if idx := slices.Index(order, m.Listings[i].Provider); idx >= 0 {
			m.Listings[i].Priority = idx + 1
		} else {
			m.Listings[i].Priority = unknownPriority
		}
	}
}

func priorityFor(provider string) int {
	if p, ok := providerPriority[provider]; ok {
		return p
	}
	return unknownPriority
}

func bridgeKey(provider, nativeID string) string {
	return provider + "\x00" + strings.ToLower(nativeID)
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	s := r.snap
	r.mu.RUnlock()
	return s
}

// Get returns the canonical model for a requested ID. The ID is
// canonicalized first, so native spellings resolve too.
func (r *Registry) Get(id string) (*Model, bool) {
	m, ok := r.current().byCanonical[Canonicalize(id)]
	return m, ok
}

// ResolveFromProviderID maps a provider-native ID back to its canonical model.
func (r *Registry) ResolveFromProviderID(provider, nativeID string) (*Model, bool) {
	s := r.current()
	canonical, ok := s.bridge[bridgeKey(provider, nativeID)]
	if !ok {
		return nil, false
	}
	m, ok := s.byCanonical[canonical]
	return m, ok
}

// List returns all models sorted by canonical ID. The slice is shared with
// the snapshot; callers must not mutate it.
func (r *Registry) List() []*Model {
	return r.current().sorted
}

// Search returns models whose canonical ID or display name contains q,
// case-insensitively.
func (r *Registry) Search(q string) []*Model {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return r.List()
	}
	var out []*Model
	for _, m := range r.current().sorted {
		if strings.Contains(m.Canonical, q) || strings.Contains(strings.ToLower(m.DisplayName), q) {
			out = append(out, m)
		}
	}
	return out
}

// BuiltAt returns the construction time of the active snapshot.
func (r *Registry) BuiltAt() time.Time {
	return r.current().builtAt
}
