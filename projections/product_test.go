package projections_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/backstage/services/catalog/database/dbtest"
	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
	"example.com/backstage/services/catalog/models"
	"example.com/backstage/services/catalog/projections"
)

type productFixture struct {
	db        *gorm.DB
	events    *eventstore.GormEventStore
	projector *projections.ProductViewProjector
	o         *projections.Orchestrator
}

func newProductFixture(t *testing.T, es *elasticsearch.Client) productFixture {
	t.Helper()
	db := dbtest.Open(t)
	events := eventstore.NewGormEventStore(db)
	projector := projections.NewProductViewProjector(db, es, "products")
	o := projections.NewOrchestrator(projector, events, projections.NewGormPositionStore(db), nil, testOptions(2))
	return productFixture{db: db, events: events, projector: projector, o: o}
}

func (f productFixture) save(t *testing.T, p domain.Product) domain.Product {
	t.Helper()
	_, err := f.events.SaveEvents(context.Background(), p.GetEvents())
	require.NoError(t, err)
	return p.MarkCommitted()
}

func (f productFixture) views(t *testing.T) []models.ProductView {
	t.Helper()
	views, err := f.projector.ListViews(context.Background(), projections.ViewFilter{IncludeDeleted: true})
	require.NoError(t, err)
	for i := range views {
		views[i].ID = 0
	}
	return views
}

func seedCatalog(t *testing.T, f productFixture) (domain.Product, domain.Product) {
	t.Helper()

	widget, err := domain.NewProduct("WID-1", "Widget", "small", 1000)
	require.NoError(t, err)
	widget, err = widget.Activate(1)
	require.NoError(t, err)
	widget, err = widget.ChangePrice(1100, 2, false)
	require.NoError(t, err)
	widget = f.save(t, widget)

	gadget, err := domain.NewProduct("GAD-1", "Gadget", "", 500)
	require.NoError(t, err)
	gadget, err = gadget.Discontinue(1, "recalled")
	require.NoError(t, err)
	gadget, err = gadget.Delete(2, "admin")
	require.NoError(t, err)
	gadget = f.save(t, gadget)

	return widget, gadget
}

func TestProductViewProjection(t *testing.T) {
	ctx := context.Background()
	f := newProductFixture(t, nil)
	widget, gadget := seedCatalog(t, f)

	applied, err := f.o.ProcessToCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, applied)

	view, err := f.projector.GetView(ctx, widget.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 3, view.Version)
	assert.Equal(t, "WID-1", view.SKU)
	assert.Equal(t, int64(1100), view.PriceCents)
	assert.Equal(t, string(domain.StatusActive), view.Status)
	assert.False(t, view.Deleted)

	view, err = f.projector.GetView(ctx, gadget.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 3, view.Version)
	assert.Equal(t, string(domain.StatusDiscontinued), view.Status)
	assert.Equal(t, "recalled", view.DiscontinueReason)
	assert.True(t, view.Deleted)
	assert.Equal(t, "admin", view.DeletedBy)
	assert.NotNil(t, view.DeletedAt)

	live, err := f.projector.ListViews(ctx, projections.ViewFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, widget.ID.String(), live[0].AggregateID)

	active, err := f.projector.ListViews(ctx, projections.ViewFilter{Status: "ACTIVE", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = f.projector.GetView(ctx, "missing")
	require.ErrorIs(t, err, projections.ErrViewNotFound)
}

func TestProductViewApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newProductFixture(t, nil)

	p, err := domain.NewProduct("IDM-1", "Widget", "", 1000)
	require.NoError(t, err)
	p, err = p.Update("Widget v2", "", 1)
	require.NoError(t, err)
	events := p.GetEvents()
	f.save(t, p)

	for _, evt := range events {
		require.NoError(t, f.projector.Apply(ctx, evt))
	}
	before := f.views(t)

	// Re-applying an event that is already reflected changes nothing
	require.NoError(t, f.projector.Apply(ctx, events[1]))
	assert.Equal(t, before, f.views(t))

	// Replaying the stream from the start converges on the same row
	for _, evt := range events {
		require.NoError(t, f.projector.Apply(ctx, evt))
	}
	assert.Equal(t, before, f.views(t))
}

func TestProductViewRebuildIsDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newProductFixture(t, nil)
	seedCatalog(t, f)

	_, err := f.o.ProcessToCurrent(ctx)
	require.NoError(t, err)
	incremental := f.views(t)

	_, err = f.o.RebuildProjection(ctx)
	require.NoError(t, err)
	first := f.views(t)

	_, err = f.o.RebuildProjection(ctx)
	require.NoError(t, err)
	second := f.views(t)

	assert.Equal(t, first, second)
	assert.Equal(t, incremental, first)
}

func TestProductViewRejectsVersionGaps(t *testing.T) {
	ctx := context.Background()
	f := newProductFixture(t, nil)

	p, err := domain.NewProduct("GAP-1", "Widget", "", 1000)
	require.NoError(t, err)
	p, err = p.Update("Widget v2", "", 1)
	require.NoError(t, err)
	p, err = p.ChangePrice(1500, 2, false)
	require.NoError(t, err)
	events := p.GetEvents()
	f.save(t, p)

	require.NoError(t, f.projector.Apply(ctx, events[0]))

	err = f.projector.Apply(ctx, events[2])
	require.ErrorIs(t, err, projections.ErrViewVersionGap)

	view, err := f.projector.GetView(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, view.Version)
	assert.Equal(t, int64(1000), view.PriceCents)
}

func TestRebuildResetIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newProductFixture(t, nil)
	seedCatalog(t, f)

	_, err := f.o.ProcessToCurrent(ctx)
	require.NoError(t, err)
	before := f.views(t)

	positions := projections.NewGormPositionStore(f.db)
	pos, err := positions.GetPosition(ctx, projections.ProductViewProjection)
	require.NoError(t, err)

	errInterrupted := errors.New("interrupted")
	err = positions.ResetPositionWith(ctx, projections.ProductViewProjection, func(tx *gorm.DB) error {
		if err := f.projector.ResetTx(tx); err != nil {
			return err
		}
		return errInterrupted
	})
	require.ErrorIs(t, err, errInterrupted)

	// Neither the views nor the position were reset
	assert.Equal(t, before, f.views(t))
	after, err := positions.GetPosition(ctx, projections.ProductViewProjection)
	require.NoError(t, err)
	assert.Equal(t, pos.Generation, after.Generation)
	assert.Equal(t, pos.LastSequence, after.LastSequence)
}

// gatedProjector pauses the first time it reaches one event until released
type gatedProjector struct {
	*projections.ProductViewProjector
	at      uuid.UUID
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedProjector(inner *projections.ProductViewProjector, at uuid.UUID) *gatedProjector {
	return &gatedProjector{
		ProductViewProjector: inner,
		at:                   at,
		reached:              make(chan struct{}),
		release:              make(chan struct{}),
	}
}

func (g *gatedProjector) Apply(ctx context.Context, event domain.Event) error {
	if event.ID == g.at {
		g.once.Do(func() {
			close(g.reached)
			<-g.release
		})
	}
	return g.ProductViewProjector.Apply(ctx, event)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitErr(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

// The API server and the worker each run an orchestrator for the product views
// over the same position table. A rebuild started while the worker is mid-batch
// must still leave every product projected.
func TestWorkerAndRebuildShareOnePositionStore(t *testing.T) {
	ctx := context.Background()
	f := newProductFixture(t, nil)

	var stream []domain.Event
	names := make(map[string]string)
	for i := 0; i < 6; i++ {
		p, err := domain.NewProduct(fmt.Sprintf("CON-%d", i), "Widget", "", 1000)
		require.NoError(t, err)
		p, err = p.Update(fmt.Sprintf("Widget %d", i), "rev", 1)
		require.NoError(t, err)
		stored, err := f.events.SaveEvents(ctx, p.GetEvents())
		require.NoError(t, err)
		stream = append(stream, stored...)
		names[p.ID.String()] = p.Name
	}

	positions := projections.NewGormPositionStore(f.db)
	workerGate := newGatedProjector(f.projector, stream[5].ID)
	rebuildGate := newGatedProjector(f.projector, stream[1].ID)
	worker := projections.NewOrchestrator(workerGate, f.events, positions, nil, testOptions(4))
	rebuilder := projections.NewOrchestrator(rebuildGate, f.events, positions, nil, testOptions(4))

	workerDone := make(chan error, 1)
	go func() {
		_, err := worker.ProcessToCurrent(ctx)
		workerDone <- err
	}()
	// The worker has committed its first batch and is inside the second
	waitClosed(t, workerGate.reached, "worker batch")

	rebuildDone := make(chan error, 1)
	go func() {
		_, err := rebuilder.RebuildProjection(ctx)
		rebuildDone <- err
	}()
	// The views are cleared and the rebuild is inside its first batch
	waitClosed(t, rebuildGate.reached, "rebuild batch")

	close(workerGate.release)
	require.NoError(t, waitErr(t, workerDone, "worker"))

	close(rebuildGate.release)
	require.NoError(t, waitErr(t, rebuildDone, "rebuild"))

	views := f.views(t)
	require.Len(t, views, 6)
	for _, view := range views {
		assert.Equal(t, 2, view.Version)
		assert.Equal(t, names[view.AggregateID], view.Name)
	}

	pos, err := positions.GetPosition(ctx, projections.ProductViewProjection)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos.Generation)
	assert.Equal(t, stream[len(stream)-1].Sequence, pos.LastSequence)

	h, err := rebuilder.GetProjectionHealth(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.EventLag)

	// A quiet rebuild produces the same read model
	_, err = rebuilder.RebuildProjection(ctx)
	require.NoError(t, err)
	assert.Equal(t, views, f.views(t))
}

type fakeElastic struct {
	mu   sync.Mutex
	docs map[string]map[string]interface{}
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet && r.URL.Path == "/" {
		_, _ = io.WriteString(w, `{"version":{"number":"7.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/products/_doc/") {
		var doc map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.docs[strings.TrimPrefix(r.URL.Path, "/products/_doc/")] = doc
		f.mu.Unlock()
	}
	_, _ = io.WriteString(w, `{"result":"created"}`)
}

func TestProductViewMirrorsToElasticsearch(t *testing.T) {
	ctx := context.Background()
	fake := &fakeElastic{docs: make(map[string]map[string]interface{})}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	f := newProductFixture(t, es)
	widget, _ := seedCatalog(t, f)

	_, err = f.o.ProcessToCurrent(ctx)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.docs, 2)

	doc := fake.docs[widget.ID.String()]
	require.NotNil(t, doc)
	assert.Equal(t, "WID-1", doc["sku"])
	assert.Equal(t, float64(1100), doc["price_cents"])
	assert.Equal(t, float64(3), doc["version"])
}
