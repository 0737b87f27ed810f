package models

import (
	"time"
)

// ProductSnapshot is the write-side row used for existence checks, SKU uniqueness
// and the optimistic concurrency gate. The event log stays authoritative for state.
type ProductSnapshot struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	AggregateID string     `gorm:"uniqueIndex;size:36" json:"aggregate_id"`
	SKU         string     `gorm:"index;size:50" json:"sku"`
	Name        string     `gorm:"size:255" json:"name"`
	Description string     `json:"description"`
	PriceCents  int64      `json:"price_cents"`
	Status      string     `gorm:"size:32" json:"status"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `gorm:"index" json:"deleted_at"`
}

// ProductView is the denormalized read model maintained by the product projection
type ProductView struct {
	ID                uint       `gorm:"primaryKey" json:"-"`
	AggregateID       string     `gorm:"uniqueIndex;size:36" json:"id"`
	Version           int        `json:"version"`
	SKU               string     `gorm:"index;size:50" json:"sku"`
	Name              string     `gorm:"size:255" json:"name"`
	Description       string     `json:"description"`
	PriceCents        int64      `json:"price_cents"`
	Status            string     `gorm:"index;size:32" json:"status"`
	DiscontinueReason string     `json:"discontinue_reason,omitempty"`
	Deleted           bool       `gorm:"index" json:"deleted"`
	DeletedBy         string     `json:"deleted_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}
