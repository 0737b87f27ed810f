package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProductAggregateType is the aggregate type stored alongside every product event
const ProductAggregateType = "product"

// EventType constants
const (
	ProductCreated      = "V1_PRODUCT_CREATED"
	ProductUpdated      = "V1_PRODUCT_UPDATED"
	ProductPriceChanged = "V1_PRODUCT_PRICE_CHANGED"
	ProductActivated    = "V1_PRODUCT_ACTIVATED"
	ProductDiscontinued = "V1_PRODUCT_DISCONTINUED"
	ProductDeleted      = "V1_PRODUCT_DELETED"
)

// Payload is the type-specific body of a domain event
type Payload interface {
	EventType() string
}

// Metadata carries request context that travels with every event
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// Event represents a domain event
type Event struct {
	ID            uuid.UUID `json:"id"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Type          string    `json:"type"`
	Version       int       `json:"version"`
	// Sequence is the global position assigned by the event store. Zero until stored.
	Sequence   int64     `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
	Metadata   Metadata  `json:"metadata"`
	Data       Payload   `json:"data"`
}

// ProductCreatedEvent represents a product created event
type ProductCreatedEvent struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	Status      Status `json:"status"`
}

// EventType returns the event type
func (ProductCreatedEvent) EventType() string { return ProductCreated }

// ProductUpdatedEvent represents a product updated event
type ProductUpdatedEvent struct {
	PreviousName        string `json:"previous_name"`
	NewName             string `json:"new_name"`
	PreviousDescription string `json:"previous_description,omitempty"`
	NewDescription      string `json:"new_description,omitempty"`
}

// EventType returns the event type
func (ProductUpdatedEvent) EventType() string { return ProductUpdated }

// ProductPriceChangedEvent represents a product price changed event
type ProductPriceChangedEvent struct {
	PreviousPriceCents int64   `json:"previous_price_cents"`
	NewPriceCents      int64   `json:"new_price_cents"`
	ChangePercentage   float64 `json:"change_percentage"`
	Confirmed          bool    `json:"confirmed"`
}

// EventType returns the event type
func (ProductPriceChangedEvent) EventType() string { return ProductPriceChanged }

// ProductActivatedEvent represents a product activated event
type ProductActivatedEvent struct {
	PreviousStatus Status `json:"previous_status"`
	NewStatus      Status `json:"new_status"`
}

// EventType returns the event type
func (ProductActivatedEvent) EventType() string { return ProductActivated }

// ProductDiscontinuedEvent represents a product discontinued event
type ProductDiscontinuedEvent struct {
	PreviousStatus Status `json:"previous_status"`
	NewStatus      Status `json:"new_status"`
	Reason         string `json:"reason,omitempty"`
}

// EventType returns the event type
func (ProductDiscontinuedEvent) EventType() string { return ProductDiscontinued }

// ProductDeletedEvent represents a product deleted event
type ProductDeletedEvent struct {
	DeletedBy      string `json:"deleted_by"`
	PreviousStatus Status `json:"previous_status"`
}

// EventType returns the event type
func (ProductDeletedEvent) EventType() string { return ProductDeleted }
