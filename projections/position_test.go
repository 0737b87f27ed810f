package projections_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/catalog/database/dbtest"
	"example.com/backstage/services/catalog/projections"
)

func TestPositionStores(t *testing.T) {
	stores := map[string]func(t *testing.T) projections.PositionStore{
		"memory": func(*testing.T) projections.PositionStore { return projections.NewMemoryPositionStore() },
		"gorm":   func(t *testing.T) projections.PositionStore { return projections.NewGormPositionStore(dbtest.Open(t)) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			pos, err := store.GetPosition(ctx, "product_view")
			require.NoError(t, err)
			assert.Equal(t, projections.Position{ProjectionName: "product_view"}, pos)

			saved := projections.Position{
				ProjectionName:  "product_view",
				LastEventID:     uuid.New(),
				LastSequence:    42,
				EventsProcessed: 42,
				LastProcessedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			}
			require.NoError(t, store.SavePosition(ctx, saved))

			pos, err = store.GetPosition(ctx, "product_view")
			require.NoError(t, err)
			assert.Equal(t, saved.LastEventID, pos.LastEventID)
			assert.Equal(t, saved.LastSequence, pos.LastSequence)
			assert.Equal(t, saved.EventsProcessed, pos.EventsProcessed)
			assert.True(t, saved.LastProcessedAt.Equal(pos.LastProcessedAt))

			// Positions never move backwards outside a reset
			err = store.SavePosition(ctx, projections.Position{ProjectionName: "product_view", LastSequence: 41})
			require.ErrorIs(t, err, projections.ErrPositionRegression)

			other, err := store.GetPosition(ctx, "other")
			require.NoError(t, err)
			assert.Zero(t, other.LastSequence)

			require.NoError(t, store.ResetPosition(ctx, "product_view"))
			pos, err = store.GetPosition(ctx, "product_view")
			require.NoError(t, err)
			assert.Zero(t, pos.LastSequence)
			assert.Zero(t, pos.EventsProcessed)
			assert.Equal(t, uuid.Nil, pos.LastEventID)
			assert.Equal(t, int64(1), pos.Generation)

			// A position read before the reset can no longer be saved
			stale := saved
			stale.LastSequence = 50
			err = store.SavePosition(ctx, stale)
			require.ErrorIs(t, err, projections.ErrPositionReset)

			require.NoError(t, store.SavePosition(ctx, projections.Position{
				ProjectionName: "product_view", Generation: pos.Generation, LastSequence: 1,
			}))

			require.NoError(t, store.ResetPosition(ctx, "product_view"))
			pos, err = store.GetPosition(ctx, "product_view")
			require.NoError(t, err)
			assert.Equal(t, int64(2), pos.Generation)
			assert.Zero(t, pos.LastSequence)
		})
	}
}
