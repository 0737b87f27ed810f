package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/backstage/services/catalog/database"
	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
	"example.com/backstage/services/catalog/models"
)

// GormSnapshotStore implements SnapshotStore using GORM. Snapshot writes and
// event appends share one transaction.
type GormSnapshotStore struct {
	db     *gorm.DB
	events *eventstore.GormEventStore
}

var _ SnapshotStore = (*GormSnapshotStore)(nil)

// NewGormSnapshotStore creates a new GORM snapshot store
func NewGormSnapshotStore(db *gorm.DB, events *eventstore.GormEventStore) *GormSnapshotStore {
	return &GormSnapshotStore{db: db, events: events}
}

// Insert stores a new snapshot together with its events
func (s *GormSnapshotStore) Insert(ctx context.Context, snapshot Snapshot, events []domain.Event) error {
	var conflict error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toSnapshotRow(snapshot)
		if err := tx.Create(&row).Error; err != nil {
			if database.IsUniqueViolation(err) {
				conflict = err
			}
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}

		if _, err := s.events.WithTx(tx).SaveEvents(ctx, events); err != nil {
			return err
		}
		return nil
	})
	if conflict != nil {
		return s.classifyConflict(ctx, snapshot, conflict)
	}
	return err
}

// classifyConflict tells a live SKU collision apart from a second insert of the
// same aggregate once the failed transaction has rolled back
func (s *GormSnapshotStore) classifyConflict(ctx context.Context, snapshot Snapshot, cause error) error {
	if _, err := s.FindByID(ctx, snapshot.ID); err == nil {
		return fmt.Errorf("%w: %s: %v", ErrSnapshotExists, snapshot.ID, cause)
	}

	holder, err := s.FindLiveBySKU(ctx, snapshot.SKU)
	switch {
	case err == nil && holder.ID != snapshot.ID:
		return ErrSKUTaken
	case err != nil && !errors.Is(err, ErrSnapshotNotFound):
		return fmt.Errorf("failed to classify snapshot conflict: %w", err)
	}
	return fmt.Errorf("failed to insert snapshot: %w", cause)
}

// CompareAndSwap replaces the snapshot if the stored version matches
func (s *GormSnapshotStore) CompareAndSwap(ctx context.Context, snapshot Snapshot, expectedVersion int, events []domain.Event) (int, bool, error) {
	actual := expectedVersion
	swapped := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ProductSnapshot{}).
			Where("aggregate_id = ? AND version = ?", snapshot.ID.String(), expectedVersion).
			Updates(map[string]interface{}{
				"name":        snapshot.Name,
				"description": snapshot.Description,
				"price_cents": snapshot.PriceCents,
				"status":      string(snapshot.Status),
				"version":     snapshot.Version,
				"updated_at":  snapshot.UpdatedAt,
				"deleted_at":  snapshot.DeletedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update snapshot: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			var current models.ProductSnapshot
			if err := tx.Select("version").
				Where("aggregate_id = ?", snapshot.ID.String()).
				First(&current).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrSnapshotNotFound
				}
				return fmt.Errorf("failed to read snapshot version: %w", err)
			}
			actual = current.Version
			return nil
		}

		if _, err := s.events.WithTx(tx).SaveEvents(ctx, events); err != nil {
			return err
		}
		actual = snapshot.Version
		swapped = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return actual, swapped, nil
}

// FindByID returns the snapshot for an aggregate
func (s *GormSnapshotStore) FindByID(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	return s.first(s.db.WithContext(ctx).Where("aggregate_id = ?", id.String()))
}

// FindLiveBySKU returns the non-deleted snapshot holding sku
func (s *GormSnapshotStore) FindLiveBySKU(ctx context.Context, sku string) (Snapshot, error) {
	return s.first(s.db.WithContext(ctx).Where("sku = ? AND deleted_at IS NULL", sku))
}

func (s *GormSnapshotStore) first(q *gorm.DB) (Snapshot, error) {
	var row models.ProductSnapshot
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return fromSnapshotRow(row)
}

func toSnapshotRow(s Snapshot) models.ProductSnapshot {
	return models.ProductSnapshot{
		AggregateID: s.ID.String(),
		SKU:         s.SKU,
		Name:        s.Name,
		Description: s.Description,
		PriceCents:  s.PriceCents,
		Status:      string(s.Status),
		Version:     s.Version,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		DeletedAt:   s.DeletedAt,
	}
}

func fromSnapshotRow(row models.ProductSnapshot) (Snapshot, error) {
	id, err := uuid.Parse(row.AggregateID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid aggregate ID %q: %w", row.AggregateID, err)
	}
	return Snapshot{
		ID:          id,
		SKU:         row.SKU,
		Name:        row.Name,
		Description: row.Description,
		PriceCents:  row.PriceCents,
		Status:      domain.Status(row.Status),
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		DeletedAt:   row.DeletedAt,
	}, nil
}
