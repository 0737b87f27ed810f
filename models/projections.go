package models

import (
	"time"
)

// ProjectionPosition tracks how far a projection has read the global event log
type ProjectionPosition struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ProjectionName  string     `gorm:"uniqueIndex;size:128" json:"projection_name"`
	Generation      int64      `gorm:"not null;default:0" json:"generation"`
	LastEventID     string     `gorm:"size:36" json:"last_event_id"`
	LastSequence    int64      `json:"last_sequence"`
	EventsProcessed int64      `json:"events_processed"`
	LastProcessedAt *time.Time `json:"last_processed_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
