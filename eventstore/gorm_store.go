package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/models"
)

// appendLockKey serializes appends on postgres so global sequences commit in order
const appendLockKey = 7_300_114

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	db *gorm.DB
}

var _ EventStore = (*GormEventStore)(nil)

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

// WithTx returns a store bound to an open transaction
func (s *GormEventStore) WithTx(tx *gorm.DB) *GormEventStore {
	return &GormEventStore{db: tx}
}

// SaveEvents appends events in a single transaction
func (s *GormEventStore) SaveEvents(ctx context.Context, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var saved []domain.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", appendLockKey).Error; err != nil {
				return fmt.Errorf("failed to acquire append lock: %w", err)
			}
		}

		ids := make([]string, len(events))
		for i, evt := range events {
			ids[i] = evt.ID.String()
		}
		var existing []models.Event
		if err := tx.Where("event_id IN ?", ids).Order("sequence ASC").Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to check existing events: %w", err)
		}
		switch {
		case len(existing) == len(events):
			stored, err := toDomainEvents(existing)
			if err != nil {
				return err
			}
			saved = stored
			return nil
		case len(existing) > 0:
			return fmt.Errorf("%w: %d of %d events already stored", ErrDuplicateEvent, len(existing), len(events))
		}

		if err := checkContiguous(events, func(id uuid.UUID) (int, error) {
			return streamVersion(tx, id)
		}); err != nil {
			return err
		}

		saved = make([]domain.Event, 0, len(events))
		for _, evt := range events {
			row, err := toRow(evt)
			if err != nil {
				return err
			}

			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to save event: %w", err)
			}

			evt.Sequence = row.Sequence
			saved = append(saved, evt)

			log.Info().
				Str("aggregateID", evt.AggregateID.String()).
				Str("eventType", evt.Type).
				Int("version", evt.Version).
				Int64("sequence", row.Sequence).
				Msg("Event saved")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// FindEventsByAggregateID gets all events for an aggregate
func (s *GormEventStore) FindEventsByAggregateID(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	return s.FindEventsByAggregateIDFromVersion(ctx, aggregateID, 1)
}

// FindEventsByAggregateIDFromVersion gets events for an aggregate starting at fromVersion
func (s *GormEventStore) FindEventsByAggregateIDFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND version >= ?", aggregateID.String(), fromVersion).
		Order("version ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return toDomainEvents(rows)
}

// FindEventsByTypeAndTimeRange gets events of one type within [from, to]
func (s *GormEventStore) FindEventsByTypeAndTimeRange(ctx context.Context, eventType string, from, to time.Time) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("event_type = ? AND occurred_at >= ? AND occurred_at <= ?", eventType, from.UTC(), to.UTC()).
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}
	return toDomainEvents(rows)
}

// FindEventsByCorrelationID gets every event written under one correlation ID
func (s *GormEventStore) FindEventsByCorrelationID(ctx context.Context, correlationID string) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query events by correlation ID: %w", err)
	}
	return toDomainEvents(rows)
}

// GetStreamVersion returns the latest version of an aggregate
func (s *GormEventStore) GetStreamVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	return streamVersion(s.db.WithContext(ctx), aggregateID)
}

// StreamExists checks if an aggregate has any events
func (s *GormEventStore) StreamExists(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_id = ?", aggregateID.String()).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check stream existence: %w", err)
	}
	return count > 0, nil
}

// ReadAfter gets up to limit events after afterSequence in global order
func (s *GormEventStore) ReadAfter(ctx context.Context, afterSequence int64, limit int) ([]domain.Event, error) {
	q := s.db.WithContext(ctx).
		Where("sequence > ?", afterSequence).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.Event
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return toDomainEvents(rows)
}

// CountAfter counts events after afterSequence
func (s *GormEventStore) CountAfter(ctx context.Context, afterSequence int64) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("sequence > ?", afterSequence).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func streamVersion(db *gorm.DB, aggregateID uuid.UUID) (int, error) {
	var version int
	if err := db.Model(&models.Event{}).
		Where("aggregate_id = ?", aggregateID.String()).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error; err != nil {
		return 0, fmt.Errorf("failed to get stream version: %w", err)
	}
	return version, nil
}

func toRow(evt domain.Event) (models.Event, error) {
	data, err := domain.EncodePayload(evt.Data)
	if err != nil {
		return models.Event{}, err
	}
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	return models.Event{
		EventID:       evt.ID.String(),
		AggregateID:   evt.AggregateID.String(),
		AggregateType: evt.AggregateType,
		EventType:     evt.Type,
		Version:       evt.Version,
		Data:          data,
		Metadata:      metadata,
		CorrelationID: evt.Metadata.CorrelationID,
		OccurredAt:    evt.OccurredAt.UTC(),
	}, nil
}

func toDomainEvents(rows []models.Event) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		evt, err := toDomainEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func toDomainEvent(row models.Event) (domain.Event, error) {
	id, err := uuid.Parse(row.EventID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("invalid event ID %q: %w", row.EventID, err)
	}
	aggregateID, err := uuid.Parse(row.AggregateID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("invalid aggregate ID %q: %w", row.AggregateID, err)
	}

	data, err := domain.DecodePayload(row.EventType, row.Data)
	if err != nil {
		return domain.Event{}, err
	}

	var metadata domain.Metadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return domain.Event{}, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}

	return domain.Event{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: row.AggregateType,
		Type:          row.EventType,
		Version:       row.Version,
		Sequence:      row.Sequence,
		OccurredAt:    row.OccurredAt.UTC(),
		Metadata:      metadata,
		Data:          data,
	}, nil
}
