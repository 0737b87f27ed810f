package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
)

var (
	// ErrSnapshotNotFound is returned by snapshot stores when no row matches
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSKUTaken is returned by snapshot stores when a live product already holds the SKU
	ErrSKUTaken = errors.New("sku taken")
	// ErrSnapshotExists is returned by snapshot stores when the aggregate was already inserted
	ErrSnapshotExists = errors.New("snapshot already exists")
)

// Snapshot is the write-side summary of a product kept next to its event stream
type Snapshot struct {
	ID          uuid.UUID
	SKU         string
	Name        string
	Description string
	PriceCents  int64
	Status      domain.Status
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// SnapshotFromProduct captures the current state of p
func SnapshotFromProduct(p domain.Product) Snapshot {
	return Snapshot{
		ID:          p.ID,
		SKU:         p.SKU,
		Name:        p.Name,
		Description: p.Description,
		PriceCents:  p.PriceCents,
		Status:      p.Status,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		DeletedAt:   p.DeletedAt,
	}
}

// SnapshotStore persists snapshots and appends events in one atomic step
type SnapshotStore interface {
	// Insert stores a new snapshot together with its events.
	// Returns ErrSKUTaken when another live product holds the same SKU and
	// ErrSnapshotExists when the aggregate itself was already inserted.
	Insert(ctx context.Context, snapshot Snapshot, events []domain.Event) error

	// CompareAndSwap replaces the snapshot only if its stored version equals expectedVersion,
	// appending events in the same step. swapped is false with the actual stored version on mismatch.
	CompareAndSwap(ctx context.Context, snapshot Snapshot, expectedVersion int, events []domain.Event) (actual int, swapped bool, err error)

	// FindByID returns the snapshot for an aggregate or ErrSnapshotNotFound
	FindByID(ctx context.Context, id uuid.UUID) (Snapshot, error)

	// FindLiveBySKU returns the non-deleted snapshot holding sku or ErrSnapshotNotFound
	FindLiveBySKU(ctx context.Context, sku string) (Snapshot, error)
}

// ProductRepository loads and persists product aggregates with optimistic concurrency
type ProductRepository struct {
	snapshots SnapshotStore
	events    eventstore.EventStore
}

// NewProductRepository creates a new product repository
func NewProductRepository(snapshots SnapshotStore, events eventstore.EventStore) *ProductRepository {
	return &ProductRepository{snapshots: snapshots, events: events}
}

// Save persists a newly created product and its events
func (r *ProductRepository) Save(ctx context.Context, p domain.Product) (domain.Product, error) {
	events := p.GetEvents()
	if len(events) == 0 {
		return p, nil
	}

	if holder, err := r.snapshots.FindLiveBySKU(ctx, p.SKU); err == nil {
		if holder.ID == p.ID {
			return domain.Product{}, fmt.Errorf("failed to save product %s: %w", p.ID, ErrSnapshotExists)
		}
		return domain.Product{}, &domain.DuplicateSKUError{SKU: p.SKU}
	} else if !errors.Is(err, ErrSnapshotNotFound) {
		return domain.Product{}, fmt.Errorf("failed to check sku uniqueness: %w", err)
	}

	if err := r.snapshots.Insert(ctx, SnapshotFromProduct(p), events); err != nil {
		if errors.Is(err, ErrSKUTaken) {
			return domain.Product{}, &domain.DuplicateSKUError{SKU: p.SKU}
		}
		return domain.Product{}, fmt.Errorf("failed to save product: %w", err)
	}

	log.Info().
		Str("aggregateID", p.ID.String()).
		Str("sku", p.SKU).
		Int("version", p.Version).
		Msg("Product saved")

	return p.MarkCommitted(), nil
}

// Update persists the uncommitted events of a loaded product. The stored version
// must still equal the version the product was loaded at.
func (r *ProductRepository) Update(ctx context.Context, p domain.Product) (domain.Product, error) {
	events := p.GetEvents()
	if len(events) == 0 {
		return p, nil
	}
	expected := p.Version - len(events)

	actual, swapped, err := r.snapshots.CompareAndSwap(ctx, SnapshotFromProduct(p), expected, events)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		return domain.Product{}, &domain.ProductNotFoundError{ID: p.ID}
	case errors.Is(err, eventstore.ErrVersionConflict):
		stored, verr := r.events.GetStreamVersion(ctx, p.ID)
		if verr != nil {
			return domain.Product{}, fmt.Errorf("failed to read stream version: %w", verr)
		}
		return domain.Product{}, &domain.ConcurrentModificationError{ID: p.ID, Expected: expected, Actual: stored}
	case err != nil:
		return domain.Product{}, fmt.Errorf("failed to update product: %w", err)
	case !swapped:
		log.Warn().
			Str("aggregateID", p.ID.String()).
			Int("expectedVersion", expected).
			Int("actualVersion", actual).
			Msg("Concurrent modification detected")
		return domain.Product{}, &domain.ConcurrentModificationError{ID: p.ID, Expected: expected, Actual: actual}
	}

	log.Info().
		Str("aggregateID", p.ID.String()).
		Int("version", p.Version).
		Int("events", len(events)).
		Msg("Product updated")

	return p.MarkCommitted(), nil
}

// FindByID loads a product by replaying its event stream
func (r *ProductRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Product, error) {
	if _, err := r.snapshots.FindByID(ctx, id); err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return domain.Product{}, &domain.ProductNotFoundError{ID: id}
		}
		return domain.Product{}, fmt.Errorf("failed to find product: %w", err)
	}
	return r.load(ctx, id)
}

// FindBySKU loads the live product holding sku
func (r *ProductRepository) FindBySKU(ctx context.Context, sku string) (domain.Product, error) {
	snapshot, err := r.snapshots.FindLiveBySKU(ctx, sku)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return domain.Product{}, &domain.ProductNotFoundError{SKU: sku}
		}
		return domain.Product{}, fmt.Errorf("failed to find product by sku: %w", err)
	}
	return r.load(ctx, snapshot.ID)
}

func (r *ProductRepository) load(ctx context.Context, id uuid.UUID) (domain.Product, error) {
	events, err := r.events.FindEventsByAggregateID(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) == 0 {
		return domain.Product{}, &domain.ProductNotFoundError{ID: id}
	}

	p, err := domain.Reconstitute(events)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to reconstitute product %s: %w", id, err)
	}
	return p, nil
}
