package models

import (
	"time"
)

// Event represents a stored domain event. Sequence is the global append order.
type Event struct {
	Sequence      int64     `gorm:"primaryKey;autoIncrement" json:"sequence"`
	EventID       string    `gorm:"uniqueIndex;size:36" json:"event_id"`
	AggregateID   string    `gorm:"uniqueIndex:idx_events_stream;size:36" json:"aggregate_id"`
	AggregateType string    `gorm:"size:64" json:"aggregate_type"`
	EventType     string    `gorm:"index;size:64" json:"event_type"`
	Version       int       `gorm:"uniqueIndex:idx_events_stream" json:"version"`
	Data          []byte    `json:"data"`
	Metadata      []byte    `json:"metadata"`
	CorrelationID string    `gorm:"index;size:255" json:"correlation_id"`
	OccurredAt    time.Time `gorm:"index" json:"occurred_at"`
	CreatedAt     time.Time `json:"created_at"`
}
