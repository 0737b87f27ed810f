package models

import (
	"time"
)

// ProcessedCommand records the outcome of a command keyed by its idempotency key
type ProcessedCommand struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	IdempotencyKey string    `gorm:"uniqueIndex;size:255" json:"idempotency_key"`
	CommandType    string    `gorm:"size:64" json:"command_type"`
	AggregateID    string    `gorm:"size:36" json:"aggregate_id"`
	Result         []byte    `json:"result"`
	ProcessedAt    time.Time `json:"processed_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}
