package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/catalog/domain"
)

// MemoryEventStore keeps events in a process-local arena: one global log ordered
// by sequence, indexed by aggregate and by event ID.
type MemoryEventStore struct {
	mu      sync.RWMutex
	log     []domain.Event
	streams map[uuid.UUID][]int
	ids     map[uuid.UUID]int
}

var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore creates an empty in-memory event store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[uuid.UUID][]int),
		ids:     make(map[uuid.UUID]int),
	}
}

// SaveEvents appends events to the arena
func (s *MemoryEventStore) SaveEvents(ctx context.Context, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known := 0
	for _, evt := range events {
		if _, ok := s.ids[evt.ID]; ok {
			known++
		}
	}
	switch {
	case known == len(events):
		stored := make([]domain.Event, 0, len(events))
		for _, evt := range events {
			stored = append(stored, s.log[s.ids[evt.ID]])
		}
		return stored, nil
	case known > 0:
		return nil, fmt.Errorf("%w: %d of %d events already stored", ErrDuplicateEvent, known, len(events))
	}

	if err := checkContiguous(events, func(id uuid.UUID) (int, error) {
		return len(s.streams[id]), nil
	}); err != nil {
		return nil, err
	}

	stored := make([]domain.Event, 0, len(events))
	for _, evt := range events {
		idx := len(s.log)
		evt.Sequence = int64(idx + 1)
		s.log = append(s.log, evt)
		s.streams[evt.AggregateID] = append(s.streams[evt.AggregateID], idx)
		s.ids[evt.ID] = idx
		stored = append(stored, evt)
	}
	return stored, nil
}

// FindEventsByAggregateID gets all events for an aggregate
func (s *MemoryEventStore) FindEventsByAggregateID(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	return s.FindEventsByAggregateIDFromVersion(ctx, aggregateID, 1)
}

// FindEventsByAggregateIDFromVersion gets events for an aggregate starting at fromVersion
func (s *MemoryEventStore) FindEventsByAggregateIDFromVersion(_ context.Context, aggregateID uuid.UUID, fromVersion int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromVersion < 1 {
		fromVersion = 1
	}
	stream := s.streams[aggregateID]
	if fromVersion > len(stream) {
		return []domain.Event{}, nil
	}
	out := make([]domain.Event, 0, len(stream)-fromVersion+1)
	for _, idx := range stream[fromVersion-1:] {
		out = append(out, s.log[idx])
	}
	return out, nil
}

// FindEventsByTypeAndTimeRange gets events of one type within [from, to]
func (s *MemoryEventStore) FindEventsByTypeAndTimeRange(_ context.Context, eventType string, from, to time.Time) ([]domain.Event, error) {
	return s.filter(func(evt domain.Event) bool {
		return evt.Type == eventType && !evt.OccurredAt.Before(from) && !evt.OccurredAt.After(to)
	}), nil
}

// FindEventsByCorrelationID gets every event written under one correlation ID
func (s *MemoryEventStore) FindEventsByCorrelationID(_ context.Context, correlationID string) ([]domain.Event, error) {
	return s.filter(func(evt domain.Event) bool {
		return evt.Metadata.CorrelationID == correlationID
	}), nil
}

// GetStreamVersion returns the latest version of an aggregate
func (s *MemoryEventStore) GetStreamVersion(_ context.Context, aggregateID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[aggregateID]), nil
}

// StreamExists checks if an aggregate has any events
func (s *MemoryEventStore) StreamExists(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	v, err := s.GetStreamVersion(ctx, aggregateID)
	return v > 0, err
}

// ReadAfter gets up to limit events after afterSequence in global order
func (s *MemoryEventStore) ReadAfter(_ context.Context, afterSequence int64, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(max(afterSequence, 0))
	if start >= len(s.log) {
		return []domain.Event{}, nil
	}
	end := len(s.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]domain.Event, end-start)
	copy(out, s.log[start:end])
	return out, nil
}

// CountAfter counts events after afterSequence
func (s *MemoryEventStore) CountAfter(_ context.Context, afterSequence int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return max(int64(len(s.log))-max(afterSequence, 0), 0), nil
}

func (s *MemoryEventStore) filter(keep func(domain.Event) bool) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Event{}
	for _, evt := range s.log {
		if keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}
