package domain

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a product
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusActive       Status = "ACTIVE"
	StatusDiscontinued Status = "DISCONTINUED"
)

const (
	MinSKULength         = 3
	MaxSKULength         = 50
	MaxNameLength        = 255
	MaxDescriptionLength = 5000
)

var skuPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Product is the event-sourced product aggregate.
//
// Every operation returns a new value carrying one more uncommitted event and
// leaves the receiver untouched, so a failed command never leaves partial state.
type Product struct {
	ID          uuid.UUID
	SKU         string
	Name        string
	Description string
	PriceCents  int64
	Status      Status
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time

	uncommitted []Event
}

var _ Aggregate = Product{}

// NewProduct creates a draft product and records its creation event
func NewProduct(sku, name, description string, priceCents int64, opts ...Option) (Product, error) {
	if err := ValidateSKU(sku); err != nil {
		return Product{}, err
	}
	if err := validateName(name); err != nil {
		return Product{}, err
	}
	if err := validateDescription(description); err != nil {
		return Product{}, err
	}
	if err := validatePrice(priceCents); err != nil {
		return Product{}, err
	}

	m := newMutation(opts)
	evt := m.event(uuid.New(), 1, ProductCreatedEvent{
		SKU:         sku,
		Name:        name,
		Description: description,
		PriceCents:  priceCents,
		Status:      StatusDraft,
	})
	return Product{}.record(evt), nil
}

// Reconstitute rebuilds a product by replaying its stored events in order
func Reconstitute(events []Event) (Product, error) {
	if len(events) == 0 {
		return Product{}, fmt.Errorf("%w: no events", ErrInvalidEventStream)
	}
	if events[0].Type != ProductCreated {
		return Product{}, fmt.Errorf("%w: stream starts with %s", ErrInvalidEventStream, events[0].Type)
	}

	var p Product
	for i, evt := range events {
		if evt.Version != i+1 {
			return Product{}, fmt.Errorf("%w: expected version %d, got %d",
				ErrInvalidEventStream, i+1, evt.Version)
		}
		if i > 0 && evt.AggregateID != p.ID {
			return Product{}, fmt.Errorf("%w: event %s belongs to aggregate %s",
				ErrInvalidEventStream, evt.ID, evt.AggregateID)
		}
		p = p.apply(evt)
	}
	return p, nil
}

// GetID returns the aggregate ID
func (p Product) GetID() uuid.UUID { return p.ID }

// GetType returns the aggregate type
func (p Product) GetType() string { return ProductAggregateType }

// GetVersion returns the aggregate version
func (p Product) GetVersion() int { return p.Version }

// GetEvents returns a copy of the uncommitted events
func (p Product) GetEvents() []Event { return slices.Clone(p.uncommitted) }

// IsDeleted reports whether the product has been soft deleted
func (p Product) IsDeleted() bool { return p.DeletedAt != nil }

// MarkCommitted returns the product without its uncommitted events
func (p Product) MarkCommitted() Product {
	p.uncommitted = nil
	return p
}

// Update changes the product name and description
func (p Product) Update(name, description string, expectedVersion int, opts ...Option) (Product, error) {
	if err := p.checkMutable(); err != nil {
		return Product{}, err
	}
	if err := p.checkVersion(expectedVersion); err != nil {
		return Product{}, err
	}
	if err := validateName(name); err != nil {
		return Product{}, err
	}
	if err := validateDescription(description); err != nil {
		return Product{}, err
	}

	m := newMutation(opts)
	return p.record(m.event(p.ID, p.Version+1, ProductUpdatedEvent{
		PreviousName:        p.Name,
		NewName:             name,
		PreviousDescription: p.Description,
		NewDescription:      description,
	})), nil
}

// ChangePrice sets a new price. An active product whose price moves by more than the
// threshold needs confirmLargeChange.
func (p Product) ChangePrice(newPriceCents int64, expectedVersion int, confirmLargeChange bool, opts ...Option) (Product, error) {
	if err := p.checkMutable(); err != nil {
		return Product{}, err
	}
	if err := p.checkVersion(expectedVersion); err != nil {
		return Product{}, err
	}
	if err := validatePrice(newPriceCents); err != nil {
		return Product{}, err
	}

	m := newMutation(opts)
	pct := changePercentage(p.PriceCents, newPriceCents)
	if p.Status == StatusActive && pct > m.threshold && !confirmLargeChange {
		return Product{}, &PriceChangeThresholdExceededError{
			PreviousPriceCents: p.PriceCents,
			NewPriceCents:      newPriceCents,
			ChangePercentage:   pct,
			ThresholdPercent:   m.threshold,
		}
	}

	return p.record(m.event(p.ID, p.Version+1, ProductPriceChangedEvent{
		PreviousPriceCents: p.PriceCents,
		NewPriceCents:      newPriceCents,
		ChangePercentage:   math.Round(pct*100) / 100,
		Confirmed:          confirmLargeChange,
	})), nil
}

// Activate moves a draft product to active
func (p Product) Activate(expectedVersion int, opts ...Option) (Product, error) {
	if err := p.checkMutable(); err != nil {
		return Product{}, err
	}
	if p.Status != StatusDraft {
		return Product{}, &InvalidStateTransitionError{From: p.Status, Action: "activate"}
	}
	if err := p.checkVersion(expectedVersion); err != nil {
		return Product{}, err
	}

	m := newMutation(opts)
	return p.record(m.event(p.ID, p.Version+1, ProductActivatedEvent{
		PreviousStatus: p.Status,
		NewStatus:      StatusActive,
	})), nil
}

// Discontinue retires a draft or active product
func (p Product) Discontinue(expectedVersion int, reason string, opts ...Option) (Product, error) {
	if err := p.checkMutable(); err != nil {
		return Product{}, err
	}
	if p.Status == StatusDiscontinued {
		return Product{}, &InvalidStateTransitionError{From: p.Status, Action: "discontinue"}
	}
	if err := p.checkVersion(expectedVersion); err != nil {
		return Product{}, err
	}

	m := newMutation(opts)
	return p.record(m.event(p.ID, p.Version+1, ProductDiscontinuedEvent{
		PreviousStatus: p.Status,
		NewStatus:      StatusDiscontinued,
		Reason:         reason,
	})), nil
}

// Delete soft deletes the product in any status
func (p Product) Delete(expectedVersion int, deletedBy string, opts ...Option) (Product, error) {
	if err := p.checkMutable(); err != nil {
		return Product{}, err
	}
	if err := p.checkVersion(expectedVersion); err != nil {
		return Product{}, err
	}

	m := newMutation(opts)
	return p.record(m.event(p.ID, p.Version+1, ProductDeletedEvent{
		DeletedBy:      deletedBy,
		PreviousStatus: p.Status,
	})), nil
}

func (p Product) checkMutable() error {
	if p.IsDeleted() {
		return &ProductDeletedError{ID: p.ID}
	}
	return nil
}

func (p Product) checkVersion(expected int) error {
	if expected != p.Version {
		return &ConcurrentModificationError{ID: p.ID, Expected: expected, Actual: p.Version}
	}
	return nil
}

// record applies evt and appends it to a fresh copy of the uncommitted list
func (p Product) record(evt Event) Product {
	next := p.apply(evt)
	next.uncommitted = append(slices.Clone(p.uncommitted), evt)
	return next
}

func (p Product) apply(evt Event) Product {
	switch data := evt.Data.(type) {
	case ProductCreatedEvent:
		p.ID = evt.AggregateID
		p.SKU = data.SKU
		p.Name = data.Name
		p.Description = data.Description
		p.PriceCents = data.PriceCents
		p.Status = data.Status
		p.CreatedAt = evt.OccurredAt
	case ProductUpdatedEvent:
		p.Name = data.NewName
		p.Description = data.NewDescription
	case ProductPriceChangedEvent:
		p.PriceCents = data.NewPriceCents
	case ProductActivatedEvent:
		p.Status = data.NewStatus
	case ProductDiscontinuedEvent:
		p.Status = data.NewStatus
	case ProductDeletedEvent:
		deletedAt := evt.OccurredAt
		p.DeletedAt = &deletedAt
	}
	p.Version = evt.Version
	p.UpdatedAt = evt.OccurredAt
	return p
}

func changePercentage(previous, next int64) float64 {
	if previous == 0 {
		return 0
	}
	return math.Abs(float64(next-previous)) * 100 / float64(previous)
}

// ValidateSKU checks the length and character set of a SKU
func ValidateSKU(sku string) error {
	n := utf8.RuneCountInString(sku)
	switch {
	case n < MinSKULength || n > MaxSKULength:
		return &InvariantViolationError{Field: "sku",
			Reason: fmt.Sprintf("must be between %d and %d characters", MinSKULength, MaxSKULength)}
	case !skuPattern.MatchString(sku):
		return &InvariantViolationError{Field: "sku", Reason: "must contain only letters, digits and hyphens"}
	}
	return nil
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return &InvariantViolationError{Field: "name", Reason: "must not be blank"}
	case utf8.RuneCountInString(name) > MaxNameLength:
		return &InvariantViolationError{Field: "name",
			Reason: fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	}
	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return &InvariantViolationError{Field: "description",
			Reason: fmt.Sprintf("must be at most %d characters", MaxDescriptionLength)}
	}
	return nil
}

func validatePrice(priceCents int64) error {
	if priceCents <= 0 {
		return &InvariantViolationError{Field: "price_cents", Reason: "must be positive"}
	}
	return nil
}
