package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/catalog/database/dbtest"
	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
	"example.com/backstage/services/catalog/repository"
)

type fixture struct {
	repo   *repository.ProductRepository
	events eventstore.EventStore
}

func fixtures() map[string]func(t *testing.T) fixture {
	return map[string]func(t *testing.T) fixture{
		"memory": func(t *testing.T) fixture {
			events := eventstore.NewMemoryEventStore()
			snapshots := repository.NewMemorySnapshotStore(events)
			return fixture{repo: repository.NewProductRepository(snapshots, events), events: events}
		},
		"gorm": func(t *testing.T) fixture {
			db := dbtest.Open(t)
			events := eventstore.NewGormEventStore(db)
			snapshots := repository.NewGormSnapshotStore(db, events)
			return fixture{repo: repository.NewProductRepository(snapshots, events), events: events}
		},
	}
}

func TestProductRepository(t *testing.T) {
	for name, newFixture := range fixtures() {
		t.Run(name, func(t *testing.T) {
			t.Run("save and load", func(t *testing.T) { testSaveAndLoad(t, newFixture(t)) })
			t.Run("duplicate sku", func(t *testing.T) { testDuplicateSKU(t, newFixture(t)) })
			t.Run("same aggregate saved twice", func(t *testing.T) { testSaveTwice(t, newFixture(t)) })
			t.Run("stale update", func(t *testing.T) { testStaleUpdate(t, newFixture(t)) })
			t.Run("not found", func(t *testing.T) { testNotFound(t, newFixture(t)) })
			t.Run("mutations accumulate", func(t *testing.T) { testMutationsAccumulate(t, newFixture(t)) })
		})
	}
}

func testSaveAndLoad(t *testing.T, f fixture) {
	ctx := context.Background()
	p, err := domain.NewProduct("ABC-1", "Widget", "desc", 999)
	require.NoError(t, err)

	saved, err := f.repo.Save(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, saved.GetEvents())
	assert.Equal(t, 1, saved.Version)

	loaded, err := f.repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, loaded.ID)
	assert.Equal(t, "ABC-1", loaded.SKU)
	assert.Equal(t, int64(999), loaded.PriceCents)
	assert.Equal(t, domain.StatusDraft, loaded.Status)

	bySKU, err := f.repo.FindBySKU(ctx, "ABC-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, bySKU.ID)
}

func testDuplicateSKU(t *testing.T, f fixture) {
	ctx := context.Background()
	first, err := domain.NewProduct("ABC", "Widget", "", 999)
	require.NoError(t, err)
	_, err = f.repo.Save(ctx, first)
	require.NoError(t, err)

	second, err := domain.NewProduct("ABC", "Other", "", 500)
	require.NoError(t, err)
	_, err = f.repo.Save(ctx, second)
	require.ErrorIs(t, err, domain.ErrDuplicateSKU)

	exists, err := f.events.StreamExists(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting the holder frees the SKU
	loaded, err := f.repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	deleted, err := loaded.Delete(1, "admin")
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, deleted)
	require.NoError(t, err)

	_, err = f.repo.Save(ctx, second)
	require.NoError(t, err)
}

func testSaveTwice(t *testing.T, f fixture) {
	ctx := context.Background()
	p, err := domain.NewProduct("TWICE-1", "Widget", "", 999)
	require.NoError(t, err)
	_, err = f.repo.Save(ctx, p)
	require.NoError(t, err)

	// p still carries its creation event
	_, err = f.repo.Save(ctx, p)
	require.ErrorIs(t, err, repository.ErrSnapshotExists)
	assert.NotErrorIs(t, err, domain.ErrDuplicateSKU)

	// Once deleted the SKU is free, but the aggregate itself still exists
	loaded, err := f.repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	deleted, err := loaded.Delete(1, "admin")
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, deleted)
	require.NoError(t, err)

	_, err = f.repo.Save(ctx, p)
	require.ErrorIs(t, err, repository.ErrSnapshotExists)
	assert.NotErrorIs(t, err, domain.ErrDuplicateSKU)

	version, err := f.events.GetStreamVersion(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func testStaleUpdate(t *testing.T, f fixture) {
	ctx := context.Background()
	p, err := domain.NewProduct("ABC", "Widget", "", 1000)
	require.NoError(t, err)
	_, err = f.repo.Save(ctx, p)
	require.NoError(t, err)

	a, err := f.repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	b, err := f.repo.FindByID(ctx, p.ID)
	require.NoError(t, err)

	a, err = a.Update("From A", "", 1)
	require.NoError(t, err)
	b, err = b.Update("From B", "", 1)
	require.NoError(t, err)

	_, err = f.repo.Update(ctx, a)
	require.NoError(t, err)

	_, err = f.repo.Update(ctx, b)
	var cm *domain.ConcurrentModificationError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, 1, cm.Expected)
	assert.Equal(t, 2, cm.Actual)

	events, err := f.events.FindEventsByAggregateID(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)

	loaded, err := f.repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "From A", loaded.Name)
}

func testNotFound(t *testing.T, f fixture) {
	ctx := context.Background()
	_, err := f.repo.FindByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = f.repo.FindBySKU(ctx, "NOPE")
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	// Updating a product that was never saved
	p, err := domain.NewProduct("ABC", "Widget", "", 1000)
	require.NoError(t, err)
	p = p.MarkCommitted()
	p, err = p.Activate(1)
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, p)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func testMutationsAccumulate(t *testing.T, f fixture) {
	ctx := context.Background()
	p, err := domain.NewProduct("ABC", "Widget", "", 1000)
	require.NoError(t, err)
	p, err = f.repo.Save(ctx, p)
	require.NoError(t, err)

	// Several mutations persisted in one update
	p, err = p.Activate(1)
	require.NoError(t, err)
	p, err = p.ChangePrice(1100, 2, false)
	require.NoError(t, err)
	p, err = p.Update("Widget 2", "", 3)
	require.NoError(t, err)
	p, err = f.repo.Update(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Version)

	events, err := f.events.FindEventsByAggregateID(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	loaded, err := f.repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Version, loaded.Version)
	assert.Equal(t, "Widget 2", loaded.Name)
	assert.Equal(t, int64(1100), loaded.PriceCents)
	assert.Equal(t, domain.StatusActive, loaded.Status)
}

func TestConcurrentUpdatesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryEventStore()
	repo := repository.NewProductRepository(repository.NewMemorySnapshotStore(events), events)

	p, err := domain.NewProduct("ABC", "Widget", "", 1000)
	require.NoError(t, err)
	p, err = repo.Save(ctx, p)
	require.NoError(t, err)

	const writers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := p.Update("Concurrent", "", 1)
			if err != nil {
				return
			}
			_, err = repo.Update(ctx, next)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrConcurrentModification):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, writers-1, conflicts)

	stored, err := events.FindEventsByAggregateID(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
