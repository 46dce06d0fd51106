package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process memory. Counts are not shared
// between instances, so it is only correct for a single process.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
	now      func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*Counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment implements Store
func (s *MemoryStore) Increment(_ context.Context, key string, max int, window time.Duration) (Counter, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.WindowEnd) {
		c = &Counter{
			Key:         key,
			Count:       1,
			WindowStart: now,
			WindowEnd:   now.Add(window),
			Allowed:     true,
		}
		s.counters[key] = c
		return *c, nil
	}

	if c.Count < max {
		c.Count++
		c.Allowed = true
	} else {
		c.Allowed = false
	}
	return *c, nil
}

// Sweep drops counters whose window has ended and returns how many
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.WindowEnd) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live counters
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
