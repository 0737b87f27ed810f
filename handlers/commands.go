package handlers

import (
	"github.com/google/uuid"

	"example.com/backstage/services/catalog/domain"
)

// Command type names, used for idempotency records, metrics and message routing
const (
	CreateProductType      = "CreateProduct"
	UpdateProductType      = "UpdateProduct"
	ChangePriceType        = "ChangePrice"
	ActivateProductType    = "ActivateProduct"
	DiscontinueProductType = "DiscontinueProduct"
	DeleteProductType      = "DeleteProduct"
)

// Command is one of the product commands defined in this package
type Command interface {
	CommandType() string
	envelope() Envelope
}

// Envelope carries the fields common to every command
type Envelope struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=255"`
	Metadata       domain.Metadata `json:"-"`
}

func (e Envelope) envelope() Envelope { return e }

// CreateProductCommand creates a draft product
type CreateProductCommand struct {
	Envelope
	SKU         string `json:"sku" validate:"required,min=3,max=50,sku"`
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=5000"`
	PriceCents  int64  `json:"price_cents" validate:"gt=0"`
}

// UpdateProductCommand changes the product name and description
type UpdateProductCommand struct {
	Envelope
	ProductID       uuid.UUID `json:"product_id" validate:"required"`
	ExpectedVersion int       `json:"expected_version" validate:"gte=1"`
	Name            string    `json:"name" validate:"required,min=1,max=255"`
	Description     string    `json:"description" validate:"max=5000"`
}

// ChangePriceCommand sets a new product price
type ChangePriceCommand struct {
	Envelope
	ProductID          uuid.UUID `json:"product_id" validate:"required"`
	ExpectedVersion    int       `json:"expected_version" validate:"gte=1"`
	NewPriceCents      int64     `json:"new_price_cents" validate:"gt=0"`
	ConfirmLargeChange bool      `json:"confirm_large_change"`
}

// ActivateProductCommand activates a draft product
type ActivateProductCommand struct {
	Envelope
	ProductID       uuid.UUID `json:"product_id" validate:"required"`
	ExpectedVersion int       `json:"expected_version" validate:"gte=1"`
}

// DiscontinueProductCommand retires a product
type DiscontinueProductCommand struct {
	Envelope
	ProductID       uuid.UUID `json:"product_id" validate:"required"`
	ExpectedVersion int       `json:"expected_version" validate:"gte=1"`
	Reason          string    `json:"reason" validate:"max=1000"`
}

// DeleteProductCommand soft deletes a product
type DeleteProductCommand struct {
	Envelope
	ProductID       uuid.UUID `json:"product_id" validate:"required"`
	ExpectedVersion int       `json:"expected_version" validate:"gte=1"`
	DeletedBy       string    `json:"deleted_by" validate:"required,max=255"`
}

func (CreateProductCommand) CommandType() string      { return CreateProductType }
func (UpdateProductCommand) CommandType() string      { return UpdateProductType }
func (ChangePriceCommand) CommandType() string        { return ChangePriceType }
func (ActivateProductCommand) CommandType() string    { return ActivateProductType }
func (DiscontinueProductCommand) CommandType() string { return DiscontinueProductType }
func (DeleteProductCommand) CommandType() string      { return DeleteProductType }
