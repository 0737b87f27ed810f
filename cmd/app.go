package cmd

import (
	"context"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/catalog/config"
	"example.com/backstage/services/catalog/database"
	"example.com/backstage/services/catalog/eventstore"
	"example.com/backstage/services/catalog/handlers"
	"example.com/backstage/services/catalog/idempotency"
	"example.com/backstage/services/catalog/metrics"
	"example.com/backstage/services/catalog/projections"
	"example.com/backstage/services/catalog/repository"
	"example.com/backstage/services/catalog/tracing"
)

// app holds the components shared by every command
type app struct {
	cfg          config.Config
	db           *gorm.DB
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
	events       *eventstore.GormEventStore
	repo         *repository.ProductRepository
	idem         idempotency.Store
	commands     *handlers.ProductHandler
	views        *projections.ProductViewProjector
	orchestrator *projections.Orchestrator
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	m := metrics.NewMetrics()

	db, err := database.Connect(cfg.Database, m)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	m.SetHealth("database", true)

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}

	idem, err := newIdempotencyStore(cfg, db)
	if err != nil {
		return nil, err
	}

	events := eventstore.NewGormEventStore(db)
	repo := repository.NewProductRepository(repository.NewGormSnapshotStore(db, events), events)

	commands := handlers.NewProductHandler(repo, idem, handlers.Config{
		PriceChangeThreshold: cfg.Command.PriceChangeThreshold,
		IdempotencyTTL:       cfg.Idempotency.TTL,
	}, tracer, metrics.NewCommandRecorder(m))

	views := projections.NewProductViewProjector(db, newElasticClient(ctx, cfg), config.FormatIndex(cfg.Elastic, cfg.Projection.ElasticIndex))
	orchestrator := projections.NewOrchestrator(
		views,
		events,
		projections.NewGormPositionStore(db),
		metrics.NewProjectionRecorder(m),
		projections.OptionsFromConfig(cfg.Projection),
	)

	return &app{
		cfg:          cfg,
		db:           db,
		metrics:      m,
		tracer:       tracer,
		events:       events,
		repo:         repo,
		idem:         idem,
		commands:     commands,
		views:        views,
		orchestrator: orchestrator,
	}, nil
}

func newIdempotencyStore(cfg config.Config, db *gorm.DB) (idempotency.Store, error) {
	if cfg.Idempotency.Backend != "redis" {
		return idempotency.NewGormStore(db), nil
	}

	client, err := idempotency.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Using Redis for idempotency records")
	return idempotency.NewRedisStore(client), nil
}

// newElasticClient returns nil when the search mirror is disabled or unreachable
func newElasticClient(ctx context.Context, cfg config.Config) *elasticsearch.Client {
	if !cfg.Elastic.Enabled {
		return nil
	}

	client, err := projections.NewElasticsearchClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search mirror")
		return nil
	}

	index := config.FormatIndex(cfg.Elastic, cfg.Projection.ElasticIndex)
	if err := projections.EnsureIndex(ctx, client, index); err != nil {
		log.Warn().Err(err).Str("index", index).Msg("Failed to ensure Elasticsearch index, continuing without search mirror")
		return nil
	}
	return client
}

func (a *app) close() {
	a.tracer.Close()

	sqlDB, err := a.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}
