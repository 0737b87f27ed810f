package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/catalog/database"
	"example.com/backstage/services/catalog/database/dbtest"
	"example.com/backstage/services/catalog/metrics"
	"example.com/backstage/services/catalog/models"
)

func TestLiveSKUIndex(t *testing.T) {
	db := dbtest.Open(t)

	first := models.ProductSnapshot{AggregateID: "a", SKU: "ABC", Name: "Widget", PriceCents: 100, Status: "DRAFT", Version: 1}
	require.NoError(t, db.Create(&first).Error)

	dup := models.ProductSnapshot{AggregateID: "b", SKU: "ABC", Name: "Widget", PriceCents: 100, Status: "DRAFT", Version: 1}
	err := db.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))

	// Once the first holder is deleted the SKU can be reused
	now := time.Now().UTC()
	require.NoError(t, db.Model(&models.ProductSnapshot{}).
		Where("aggregate_id = ?", "a").
		Update("deleted_at", now).Error)

	dup.ID = 0
	require.NoError(t, db.Create(&dup).Error)
}

func TestMetricsHooks(t *testing.T) {
	db := dbtest.Open(t)
	m := metrics.NewMetrics()
	require.NoError(t, database.RegisterMetricsHooks(db, m))

	row := models.ProjectionPosition{ProjectionName: "p"}
	require.NoError(t, db.Create(&row).Error)

	var found []models.ProjectionPosition
	require.NoError(t, db.Find(&found).Error)

	rates := m.GetErrorRates()
	assert.Equal(t, int64(1), rates["db.insert"].Total)
	assert.Equal(t, int64(1), rates["db.select"].Total)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, database.IsUniqueViolation(nil))
	assert.False(t, database.IsUniqueViolation(assert.AnError))
}
