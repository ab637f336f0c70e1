package circuitbreaker

import (
	"sync"
	"time"
)

// Registry manages per-(model, provider) Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

func key(model, provider string) string {
	return model + "\x00" + provider
}

// Get returns the breaker for (model, provider), or nil if none exists.
func (r *Registry) Get(model, provider string) *Breaker {
	r.mu.RLock()
	b := r.breakers[key(model, provider)]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for (model, provider), creating one if
// needed. Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(model, provider string) *Breaker {
	k := key(model, provider)
	r.mu.RLock()
	b, ok := r.breakers[k]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[k]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[k] = b
	return b
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
