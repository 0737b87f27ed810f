package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
	"example.com/backstage/services/catalog/idempotency"
	"example.com/backstage/services/catalog/repository"
)

// MockMetrics records command observations
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordCommand(commandType, outcome string, d time.Duration) {
	m.Called(commandType, outcome, d)
}

// MockIdempotencyStore lets tests fail idempotency writes
type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) CheckIdempotency(ctx context.Context, key string) (idempotency.Record, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(idempotency.Record), args.Bool(1), args.Error(2)
}

func (m *MockIdempotencyStore) RecordProcessedCommand(ctx context.Context, rec idempotency.Record, ttl time.Duration) error {
	args := m.Called(ctx, rec, ttl)
	return args.Error(0)
}

func (m *MockIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type harness struct {
	handler *ProductHandler
	events  *eventstore.MemoryEventStore
	idem    *idempotency.MemoryStore
}

func newHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	events := eventstore.NewMemoryEventStore()
	repo := repository.NewProductRepository(repository.NewMemorySnapshotStore(events), events)
	idem := idempotency.NewMemoryStore()
	return harness{
		handler: NewProductHandler(repo, idem, cfg, nil, nil),
		events:  events,
		idem:    idem,
	}
}

func createProduct(t *testing.T, h harness, sku string, price int64) CommandSuccess {
	t.Helper()
	res, err := h.handler.Handle(context.Background(), CreateProductCommand{
		SKU: sku, Name: "Widget", PriceCents: price,
	})
	require.NoError(t, err)
	success, ok := res.(CommandSuccess)
	require.True(t, ok)
	return success
}

func TestCreateProduct(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.handler.Handle(context.Background(), CreateProductCommand{
		Envelope:    Envelope{Metadata: domain.Metadata{CorrelationID: "req-1"}},
		SKU:         "ABC",
		Name:        "Widget",
		Description: "A widget",
		PriceCents:  999,
	})
	require.NoError(t, err)

	success, ok := res.(CommandSuccess)
	require.True(t, ok)
	assert.Equal(t, 1, success.Version)
	assert.NotEqual(t, uuid.Nil, success.AggregateID)
	assert.False(t, success.Timestamp.IsZero())

	events, err := h.events.FindEventsByCorrelationID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ProductCreated, events[0].Type)
}

func TestDuplicateCommandIsProcessedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	cmd := CreateProductCommand{
		Envelope:   Envelope{IdempotencyKey: "create-abc"},
		SKU:        "ABC",
		Name:       "Widget",
		PriceCents: 999,
	}

	first, err := h.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	created := first.(CommandSuccess)

	second, err := h.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	dup, ok := second.(CommandAlreadyProcessed)
	require.True(t, ok)
	assert.Equal(t, created.AggregateID, dup.AggregateID)
	assert.Equal(t, "create-abc", dup.IdempotencyKey)

	count, err := h.events.CountAfter(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIdempotencyKeyReusedForOtherCommand(t *testing.T) {
	h := newHarness(t, Config{})
	created, err := h.handler.Handle(context.Background(), CreateProductCommand{
		Envelope: Envelope{IdempotencyKey: "k1"}, SKU: "ABC", Name: "Widget", PriceCents: 999,
	})
	require.NoError(t, err)

	_, err = h.handler.Handle(context.Background(), ActivateProductCommand{
		Envelope:        Envelope{IdempotencyKey: "k1"},
		ProductID:       created.(CommandSuccess).AggregateID,
		ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, ErrIdempotencyKeyConflict)
}

func TestValidationReportsEveryField(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.handler.Handle(context.Background(), CreateProductCommand{
		SKU:        "A_",
		Name:       "",
		PriceCents: 0,
	})
	require.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["sku"])
	assert.True(t, fields["name"])
	assert.True(t, fields["price_cents"])

	count, err := h.events.CountAfter(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMutationErrorsPropagate(t *testing.T) {
	h := newHarness(t, Config{})
	created := createProduct(t, h, "ABC", 1000)
	ctx := context.Background()

	_, err := h.handler.Handle(ctx, UpdateProductCommand{ProductID: uuid.New(), ExpectedVersion: 1, Name: "x"})
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = h.handler.Handle(ctx, UpdateProductCommand{ProductID: created.AggregateID, ExpectedVersion: 5, Name: "x"})
	var cm *domain.ConcurrentModificationError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, 5, cm.Expected)
	assert.Equal(t, 1, cm.Actual)

	_, err = h.handler.Handle(ctx, DiscontinueProductCommand{ProductID: created.AggregateID, ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = h.handler.Handle(ctx, ActivateProductCommand{ProductID: created.AggregateID, ExpectedVersion: 2})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.True(t, IsClientError(err))
}

func TestConfiguredPriceThreshold(t *testing.T) {
	h := newHarness(t, Config{PriceChangeThreshold: 10})
	created := createProduct(t, h, "ABC", 1000)
	ctx := context.Background()

	_, err := h.handler.Handle(ctx, ActivateProductCommand{ProductID: created.AggregateID, ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = h.handler.Handle(ctx, ChangePriceCommand{ProductID: created.AggregateID, ExpectedVersion: 2, NewPriceCents: 1150})
	require.ErrorIs(t, err, domain.ErrPriceChangeThresholdExceeded)

	res, err := h.handler.Handle(ctx, ChangePriceCommand{
		ProductID: created.AggregateID, ExpectedVersion: 2, NewPriceCents: 1150, ConfirmLargeChange: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.(CommandSuccess).Version)
}

// Walks the canonical lifecycle through the handler
func TestLifecycleScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	created := createProduct(t, h, "ABC", 999)
	assert.Equal(t, 1, created.Version)
	id := created.AggregateID

	res, err := h.handler.Handle(ctx, ActivateProductCommand{ProductID: id, ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.(CommandSuccess).Version)

	_, err = h.handler.Handle(ctx, ChangePriceCommand{ProductID: id, ExpectedVersion: 2, NewPriceCents: 1200})
	require.ErrorIs(t, err, domain.ErrPriceChangeThresholdExceeded)

	res, err = h.handler.Handle(ctx, DeleteProductCommand{ProductID: id, ExpectedVersion: 2, DeletedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.(CommandSuccess).Version)

	_, err = h.handler.Handle(ctx, UpdateProductCommand{ProductID: id, ExpectedVersion: 3, Name: "New"})
	require.ErrorIs(t, err, domain.ErrProductDeleted)

	events, err := h.events.FindEventsByAggregateID(ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestIdempotencyWriteFailureDoesNotFailCommand(t *testing.T) {
	events := eventstore.NewMemoryEventStore()
	repo := repository.NewProductRepository(repository.NewMemorySnapshotStore(events), events)

	idem := new(MockIdempotencyStore)
	idem.On("CheckIdempotency", mock.Anything, "k").Return(idempotency.Record{}, false, nil)
	idem.On("RecordProcessedCommand", mock.Anything, mock.AnythingOfType("idempotency.Record"), time.Hour).
		Return(errors.New("connection reset"))

	m := new(MockMetrics)
	m.On("RecordCommand", CreateProductType, "success", mock.AnythingOfType("time.Duration")).Return()

	handler := NewProductHandler(repo, idem, Config{IdempotencyTTL: time.Hour}, nil, m)
	res, err := handler.Handle(context.Background(), CreateProductCommand{
		Envelope: Envelope{IdempotencyKey: "k"}, SKU: "ABC", Name: "Widget", PriceCents: 100,
	})
	require.NoError(t, err)
	assert.IsType(t, CommandSuccess{}, res)

	idem.AssertExpectations(t)
	m.AssertExpectations(t)
}
