package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It does not deduplicate
// across instances and is meant for tests and single-process development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Scope]*Record
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Scope]*Record)}
}

func clone(r *Record) *Record {
	c := *r
	if r.ResponseBody != nil {
		c.ResponseBody = append([]byte(nil), r.ResponseBody...)
	}
	if r.ResponseHeaders != nil {
		c.ResponseHeaders = make(map[string]string, len(r.ResponseHeaders))
		for k, v := range r.ResponseHeaders {
			c.ResponseHeaders[k] = v
		}
	}
	return &c
}

// Reserve implements Store
func (m *MemoryStore) Reserve(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Scope()]; ok {
		return clone(existing), nil
	}
	m.records[rec.Scope()] = clone(rec)
	return nil, nil
}

// ReplaceExpired implements Store
func (m *MemoryStore) ReplaceExpired(_ context.Context, rec *Record, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.Scope()]
	if ok && (!existing.Expired(now) || existing.Fingerprint != rec.Fingerprint) {
		return false, nil
	}
	m.records[rec.Scope()] = clone(rec)
	return true, nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, scope Scope) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[scope]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(existing), nil
}

// Complete implements Store
func (m *MemoryStore) Complete(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.Scope()]
	if !ok || existing.Status != StatusPending || existing.Fingerprint != rec.Fingerprint {
		return ErrNotReserved
	}
	existing.Status = StatusCompleted
	existing.ExpiresAt = rec.ExpiresAt
	existing.ResponseStatus = rec.ResponseStatus
	existing.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	existing.ResponseHeaders = clone(rec).ResponseHeaders
	return nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, scope Scope, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[scope]; ok && existing.Status == StatusPending && existing.Fingerprint == fingerprint {
		delete(m.records, scope)
	}
	return nil
}

// Sweep implements Store
func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for scope, r := range m.records {
		if r.Expired(now) {
			delete(m.records, scope)
			removed++
		}
	}
	return removed, nil
}
