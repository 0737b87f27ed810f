package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/catalog/models"
)

// GormStore implements Store using GORM
type GormStore struct {
	db   *gorm.DB
	opts options
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a new GORM idempotency store
func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	return &GormStore{db: db, opts: newOptions(opts)}
}

// CheckIdempotency returns the unexpired record for key
func (s *GormStore) CheckIdempotency(ctx context.Context, key string) (Record, bool, error) {
	var row models.ProcessedCommand
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, s.opts.now()).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	aggregateID, err := uuid.Parse(row.AggregateID)
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid aggregate ID %q: %w", row.AggregateID, err)
	}

	return Record{
		Key:         row.IdempotencyKey,
		CommandType: row.CommandType,
		AggregateID: aggregateID,
		Result:      row.Result,
		ProcessedAt: row.ProcessedAt.UTC(),
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, true, nil
}

// RecordProcessedCommand stores rec unless an unexpired record exists for its key
func (s *GormStore) RecordProcessedCommand(ctx context.Context, rec Record, ttl time.Duration) error {
	now := s.opts.now()
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = now
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// An expired row would otherwise block the insert below
		if err := tx.Where("idempotency_key = ? AND expires_at <= ?", rec.Key, now).
			Delete(&models.ProcessedCommand{}).Error; err != nil {
			return fmt.Errorf("failed to clear expired idempotency key: %w", err)
		}

		row := models.ProcessedCommand{
			IdempotencyKey: rec.Key,
			CommandType:    rec.CommandType,
			AggregateID:    rec.AggregateID.String(),
			Result:         rec.Result,
			ProcessedAt:    processedAt.UTC(),
			ExpiresAt:      now.Add(ttl).UTC(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to record processed command: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			log.Debug().Str("idempotencyKey", rec.Key).Msg("Idempotency key already recorded")
		}
		return nil
	})
}

// PurgeExpired removes expired records
func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&models.ProcessedCommand{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired idempotency keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}
