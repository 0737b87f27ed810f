package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/catalog/domain"
)

var (
	// ErrVersionConflict is returned when appended events do not continue their stream
	ErrVersionConflict = errors.New("event stream version conflict")
	// ErrDuplicateEvent is returned when only part of a batch was already stored
	ErrDuplicateEvent = errors.New("duplicate event")
)

// EventStore is the interface for event storage
type EventStore interface {
	// SaveEvents atomically appends events and returns them with their global sequence.
	// Re-saving a batch whose event IDs are all stored returns the stored events.
	SaveEvents(ctx context.Context, events []domain.Event) ([]domain.Event, error)

	// FindEventsByAggregateID gets all events for an aggregate in version order
	FindEventsByAggregateID(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error)

	// FindEventsByAggregateIDFromVersion gets events for an aggregate starting at fromVersion
	FindEventsByAggregateIDFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]domain.Event, error)

	// FindEventsByTypeAndTimeRange gets events of one type that occurred within [from, to]
	FindEventsByTypeAndTimeRange(ctx context.Context, eventType string, from, to time.Time) ([]domain.Event, error)

	// FindEventsByCorrelationID gets every event written under one correlation ID
	FindEventsByCorrelationID(ctx context.Context, correlationID string) ([]domain.Event, error)

	// GetStreamVersion returns the latest version of an aggregate, zero if none
	GetStreamVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)

	// StreamExists checks if an aggregate has any events
	StreamExists(ctx context.Context, aggregateID uuid.UUID) (bool, error)

	// ReadAfter gets up to limit events with a global sequence greater than afterSequence
	ReadAfter(ctx context.Context, afterSequence int64, limit int) ([]domain.Event, error)

	// CountAfter counts events with a global sequence greater than afterSequence
	CountAfter(ctx context.Context, afterSequence int64) (int64, error)
}

// checkContiguous verifies that the events of each aggregate in a batch continue
// that aggregate's stream. current returns the stored version of a stream.
func checkContiguous(events []domain.Event, current func(uuid.UUID) (int, error)) error {
	next := make(map[uuid.UUID]int)
	for _, evt := range events {
		want, ok := next[evt.AggregateID]
		if !ok {
			v, err := current(evt.AggregateID)
			if err != nil {
				return err
			}
			want = v + 1
		}
		if evt.Version != want {
			return fmt.Errorf("%w: aggregate %s expected version %d, got %d",
				ErrVersionConflict, evt.AggregateID, want, evt.Version)
		}
		next[evt.AggregateID] = want + 1
	}
	return nil
}
