package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvariantViolation           = errors.New("invariant violation")
	ErrInvalidStateTransition       = errors.New("invalid state transition")
	ErrProductDeleted               = errors.New("product is deleted")
	ErrPriceChangeThresholdExceeded = errors.New("price change threshold exceeded")
	ErrConcurrentModification       = errors.New("concurrent modification")
	ErrProductNotFound              = errors.New("product not found")
	ErrDuplicateSKU                 = errors.New("duplicate sku")
	ErrInvalidEventStream           = errors.New("invalid event stream")
)

// InvariantViolationError reports a field that breaks a product invariant
type InvariantViolationError struct {
	Field  string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Field, e.Reason)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// InvalidStateTransitionError reports an action that the status machine does not allow
type InvalidStateTransitionError struct {
	From   Status
	Action string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a product in status %s", e.Action, e.From)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// ProductDeletedError reports a mutation attempted on a soft-deleted product
type ProductDeletedError struct {
	ID uuid.UUID
}

func (e *ProductDeletedError) Error() string {
	return fmt.Sprintf("product %s is deleted", e.ID)
}

func (e *ProductDeletedError) Is(target error) bool { return target == ErrProductDeleted }

// PriceChangeThresholdExceededError reports an unconfirmed large price change on an active product
type PriceChangeThresholdExceededError struct {
	PreviousPriceCents int64
	NewPriceCents      int64
	ChangePercentage   float64
	ThresholdPercent   float64
}

func (e *PriceChangeThresholdExceededError) Error() string {
	return fmt.Sprintf("price change of %.2f%% (%d -> %d) exceeds %.2f%% and requires confirmation",
		e.ChangePercentage, e.PreviousPriceCents, e.NewPriceCents, e.ThresholdPercent)
}

func (e *PriceChangeThresholdExceededError) Is(target error) bool {
	return target == ErrPriceChangeThresholdExceeded
}

// ConcurrentModificationError reports a stale expected version
type ConcurrentModificationError struct {
	ID       uuid.UUID
	Expected int
	Actual   int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("product %s was modified concurrently: expected version %d, actual %d",
		e.ID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// ProductNotFoundError reports a lookup that matched nothing
type ProductNotFoundError struct {
	ID  uuid.UUID
	SKU string
}

func (e *ProductNotFoundError) Error() string {
	if e.SKU != "" {
		return fmt.Sprintf("product with sku %q not found", e.SKU)
	}
	return fmt.Sprintf("product %s not found", e.ID)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrProductNotFound }

// DuplicateSKUError reports a SKU already held by a live product
type DuplicateSKUError struct {
	SKU string
}

func (e *DuplicateSKUError) Error() string {
	return fmt.Sprintf("sku %q is already in use", e.SKU)
}

func (e *DuplicateSKUError) Is(target error) bool { return target == ErrDuplicateSKU }
