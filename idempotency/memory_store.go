package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps idempotency records in process memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	opts    options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory idempotency store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		opts:    newOptions(opts),
	}
}

// CheckIdempotency returns the unexpired record for key
func (s *MemoryStore) CheckIdempotency(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.ExpiresAt.After(s.opts.now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// RecordProcessedCommand stores rec unless an unexpired record exists for its key
func (s *MemoryStore) RecordProcessedCommand(_ context.Context, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	if existing, ok := s.records[rec.Key]; ok && existing.ExpiresAt.After(now) {
		return nil
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = now
	}
	rec.ExpiresAt = now.Add(ttl)
	s.records[rec.Key] = rec
	return nil
}

// PurgeExpired removes expired records
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
