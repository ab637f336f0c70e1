package ratelimit

import (
	"sync"
	"time"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// slot tracks in-flight requests for a single API key.
type slot struct {
	mu       sync.Mutex
	inFlight int
	lastUsed time.Time
}

// Concurrency caps simultaneous in-flight requests per API key, matching the
// window limits which are also tracked per key.
type Concurrency struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// NewConcurrency creates an empty concurrency tracker.
func NewConcurrency() *Concurrency {
	return &Concurrency{slots: make(map[string]*slot)}
}

// getOrCreate returns the slot for keyID, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (c *Concurrency) getOrCreate(keyID string) *slot {
	c.mu.RLock()
	s, ok := c.slots[keyID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[keyID]; ok {
		return s
	}
	s = &slot{lastUsed: time.Now()}
	c.slots[keyID] = s
	return s
}

// Acquire claims an in-flight slot. max <= 0 means unlimited. The returned
// release function must be called exactly once when the request finishes.
func (c *Concurrency) Acquire(keyID string, max int) (release func(), err error) {
	s := c.getOrCreate(keyID)
	s.mu.Lock()
	s.lastUsed = time.Now()
	if max > 0 && s.inFlight >= max {
		s.mu.Unlock()
		return nil, gateway.ErrConcurrencyLimited
	}
	s.inFlight++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.inFlight > 0 {
				s.inFlight--
			}
			s.mu.Unlock()
		})
	}, nil
}

// InFlight returns the current in-flight count for a key.
func (c *Concurrency) InFlight(keyID string) int {
	c.mu.RLock()
	s, ok := c.slots[keyID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// EvictStale removes idle slots not used since cutoff. Slots with in-flight
// requests are never evicted.
func (c *Concurrency) EvictStale(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for k, s := range c.slots {
		s.mu.Lock()
		stale := s.inFlight == 0 && s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(c.slots, k)
			evicted++
		}
	}
	return evicted
}
