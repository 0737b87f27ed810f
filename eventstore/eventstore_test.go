package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/catalog/database/dbtest"
	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
)

type storeFactory func(t *testing.T) eventstore.EventStore

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) eventstore.EventStore { return eventstore.NewMemoryEventStore() },
		"gorm":   func(t *testing.T) eventstore.EventStore { return eventstore.NewGormEventStore(dbtest.Open(t)) },
	}
}

// productEvents returns the events of a product taken through n lifecycle steps
func productEvents(t *testing.T, sku, correlationID string) []domain.Event {
	t.Helper()
	md := domain.WithMetadata(domain.Metadata{CorrelationID: correlationID})

	p, err := domain.NewProduct(sku, "Widget", "desc", 1000, md)
	require.NoError(t, err)
	p, err = p.Activate(1, md)
	require.NoError(t, err)
	p, err = p.ChangePrice(1100, 2, false, md)
	require.NoError(t, err)
	return p.GetEvents()
}

func TestEventStore(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Run("append and replay", func(t *testing.T) { testAppendAndReplay(t, newStore(t)) })
			t.Run("contiguity", func(t *testing.T) { testContiguity(t, newStore(t)) })
			t.Run("retried save", func(t *testing.T) { testRetriedSave(t, newStore(t)) })
			t.Run("global order", func(t *testing.T) { testGlobalOrder(t, newStore(t)) })
			t.Run("audit queries", func(t *testing.T) { testAuditQueries(t, newStore(t)) })
		})
	}
}

func testAppendAndReplay(t *testing.T, store eventstore.EventStore) {
	ctx := context.Background()
	events := productEvents(t, "ABC", "c1")
	id := events[0].AggregateID

	saved, err := store.SaveEvents(ctx, events)
	require.NoError(t, err)
	require.Len(t, saved, 3)
	for i, evt := range saved {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}

	loaded, err := store.FindEventsByAggregateID(ctx, id)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i := range loaded {
		assert.Equal(t, events[i].ID, loaded[i].ID)
		assert.Equal(t, events[i].Version, loaded[i].Version)
		assert.Equal(t, events[i].Data, loaded[i].Data)
		assert.Equal(t, events[i].Metadata, loaded[i].Metadata)
	}

	product, err := domain.Reconstitute(loaded)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), product.PriceCents)
	assert.Equal(t, domain.StatusActive, product.Status)

	tail, err := store.FindEventsByAggregateIDFromVersion(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 2, tail[0].Version)

	version, err := store.GetStreamVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	exists, err := store.StreamExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.StreamExists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, exists)
}

func testContiguity(t *testing.T, store eventstore.EventStore) {
	ctx := context.Background()
	events := productEvents(t, "ABC", "")

	// Skipping version 1 leaves a gap
	_, err := store.SaveEvents(ctx, events[1:])
	require.ErrorIs(t, err, eventstore.ErrVersionConflict)

	_, err = store.SaveEvents(ctx, events[:1])
	require.NoError(t, err)

	// Version 3 cannot follow version 1
	_, err = store.SaveEvents(ctx, events[2:])
	require.ErrorIs(t, err, eventstore.ErrVersionConflict)

	version, err := store.GetStreamVersion(ctx, events[0].AggregateID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func testRetriedSave(t *testing.T, store eventstore.EventStore) {
	ctx := context.Background()
	events := productEvents(t, "ABC", "")

	first, err := store.SaveEvents(ctx, events)
	require.NoError(t, err)

	again, err := store.SaveEvents(ctx, events)
	require.NoError(t, err)
	require.Len(t, again, len(first))
	for i := range first {
		assert.Equal(t, first[i].Sequence, again[i].Sequence)
	}

	count, err := store.CountAfter(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// A batch mixing stored and new events is rejected
	p, err := domain.Reconstitute(events)
	require.NoError(t, err)
	p, err = p.Update("Renamed", "", 3)
	require.NoError(t, err)
	mixed := append([]domain.Event{events[2]}, p.GetEvents()...)
	_, err = store.SaveEvents(ctx, mixed)
	require.ErrorIs(t, err, eventstore.ErrDuplicateEvent)
}

func testGlobalOrder(t *testing.T, store eventstore.EventStore) {
	ctx := context.Background()
	a := productEvents(t, "AAA", "")
	b := productEvents(t, "BBB", "")

	_, err := store.SaveEvents(ctx, a[:2])
	require.NoError(t, err)
	_, err = store.SaveEvents(ctx, b)
	require.NoError(t, err)
	_, err = store.SaveEvents(ctx, a[2:])
	require.NoError(t, err)

	all, err := store.ReadAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Sequence, all[i-1].Sequence)
	}
	assert.Equal(t, a[2].ID, all[5].ID)

	page, err := store.ReadAfter(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].Sequence)

	count, err := store.CountAfter(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	empty, err := store.ReadAfter(ctx, 6, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testAuditQueries(t *testing.T, store eventstore.EventStore) {
	ctx := context.Background()
	_, err := store.SaveEvents(ctx, productEvents(t, "AAA", "corr-a"))
	require.NoError(t, err)
	_, err = store.SaveEvents(ctx, productEvents(t, "BBB", "corr-b"))
	require.NoError(t, err)

	byCorrelation, err := store.FindEventsByCorrelationID(ctx, "corr-b")
	require.NoError(t, err)
	require.Len(t, byCorrelation, 3)
	for _, evt := range byCorrelation {
		assert.Equal(t, "corr-b", evt.Metadata.CorrelationID)
	}

	now := time.Now().UTC()
	activated, err := store.FindEventsByTypeAndTimeRange(ctx, domain.ProductActivated, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, activated, 2)

	none, err := store.FindEventsByTypeAndTimeRange(ctx, domain.ProductActivated, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}
