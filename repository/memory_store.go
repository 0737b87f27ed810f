package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
)

// MemorySnapshotStore keeps snapshots in memory and appends to an in-memory event store.
// The mutex stands in for the row lock a database takes during compare-and-swap.
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]Snapshot
	events    *eventstore.MemoryEventStore
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore creates a snapshot store appending to events
func NewMemorySnapshotStore(events *eventstore.MemoryEventStore) *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[uuid.UUID]Snapshot),
		events:    events,
	}
}

// Insert stores a new snapshot together with its events
func (s *MemorySnapshotStore) Insert(ctx context.Context, snapshot Snapshot, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snapshot.ID]; ok {
		return ErrSnapshotExists
	}
	if _, ok := s.liveBySKU(snapshot.SKU); ok {
		return ErrSKUTaken
	}
	if _, err := s.events.SaveEvents(ctx, events); err != nil {
		return err
	}
	s.snapshots[snapshot.ID] = snapshot
	return nil
}

// CompareAndSwap replaces the snapshot if the stored version matches
func (s *MemorySnapshotStore) CompareAndSwap(ctx context.Context, snapshot Snapshot, expectedVersion int, events []domain.Event) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.snapshots[snapshot.ID]
	if !ok {
		return 0, false, ErrSnapshotNotFound
	}
	if current.Version != expectedVersion {
		return current.Version, false, nil
	}
	if _, err := s.events.SaveEvents(ctx, events); err != nil {
		return current.Version, false, err
	}
	s.snapshots[snapshot.ID] = snapshot
	return snapshot.Version, true, nil
}

// FindByID returns the snapshot for an aggregate
func (s *MemorySnapshotStore) FindByID(_ context.Context, id uuid.UUID) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[id]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snapshot, nil
}

// FindLiveBySKU returns the non-deleted snapshot holding sku
func (s *MemorySnapshotStore) FindLiveBySKU(_ context.Context, sku string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.liveBySKU(sku)
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (s *MemorySnapshotStore) liveBySKU(sku string) (Snapshot, bool) {
	for _, snapshot := range s.snapshots {
		if snapshot.SKU == sku && snapshot.DeletedAt == nil {
			return snapshot, true
		}
	}
	return Snapshot{}, false
}
