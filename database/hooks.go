package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/backstage/services/catalog/metrics"
)

const startTimeKey = "metrics:start_time"

// RegisterMetricsHooks records query counts, durations and error rates per operation
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) error {
	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("metrics:before_create", markStart); err != nil {
		return fmt.Errorf("failed to register create hook: %w", err)
	}
	if err := cb.Create().After("gorm:create").Register("metrics:after_create", record(m, "insert")); err != nil {
		return fmt.Errorf("failed to register create hook: %w", err)
	}
	if err := cb.Query().Before("gorm:query").Register("metrics:before_query", markStart); err != nil {
		return fmt.Errorf("failed to register query hook: %w", err)
	}
	if err := cb.Query().After("gorm:query").Register("metrics:after_query", record(m, "select")); err != nil {
		return fmt.Errorf("failed to register query hook: %w", err)
	}
	if err := cb.Update().Before("gorm:update").Register("metrics:before_update", markStart); err != nil {
		return fmt.Errorf("failed to register update hook: %w", err)
	}
	if err := cb.Update().After("gorm:update").Register("metrics:after_update", record(m, "update")); err != nil {
		return fmt.Errorf("failed to register update hook: %w", err)
	}
	return nil
}

func markStart(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func record(m *metrics.Metrics, op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		name := "db." + op
		if start, ok := db.InstanceGet(startTimeKey); ok {
			m.RecordDuration(name, time.Since(start.(time.Time)))
		}
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			m.RecordError(name)
			return
		}
		m.RecordSuccess(name)
	}
}
