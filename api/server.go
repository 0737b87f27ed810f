package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/config"
	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/eventstore"
	"example.com/backstage/services/catalog/handlers"
	"example.com/backstage/services/catalog/metrics"
	"example.com/backstage/services/catalog/models"
	"example.com/backstage/services/catalog/projections"
	"example.com/backstage/services/catalog/tracing"
)

// CommandHandler executes product commands
type CommandHandler interface {
	Handle(ctx context.Context, cmd handlers.Command) (handlers.Result, error)
}

// ProductReader loads the current state of a product from its event stream
type ProductReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (domain.Product, error)
}

// ViewReader queries the product read model
type ViewReader interface {
	GetView(ctx context.Context, aggregateID string) (models.ProductView, error)
	ListViews(ctx context.Context, filter projections.ViewFilter) ([]models.ProductView, error)
}

// Dependencies are the components served over HTTP
type Dependencies struct {
	Commands    CommandHandler
	Products    ProductReader
	Views       ViewReader
	Events      eventstore.EventStore
	Projections *projections.Registry
	Metrics     *metrics.Metrics
	Tracer      tracing.Tracer
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Projections == nil {
		deps.Projections = projections.NewRegistry()
	}

	server := &Server{
		cfg:    cfg,
		router: gin.New(),
		deps:   deps,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// Handler returns the router for use in tests and custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	s.router.Use(gin.Recovery())
	if app := s.deps.Tracer.Application(); app != nil {
		s.router.Use(NewRelicMiddleware(app))
	}
	s.router.Use(LoggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	NewMetricsHandler(s.deps.Metrics, s.deps.Tracer).RegisterRoutes(s.router)

	v1 := s.router.Group("/api/v1")

	productRoutes := v1.Group("/products")
	{
		productRoutes.POST("", s.createProduct)
		productRoutes.GET("", s.listProducts)
		productRoutes.GET("/:id", s.getProduct)
		productRoutes.PUT("/:id", s.updateProduct)
		productRoutes.DELETE("/:id", s.deleteProduct)
		productRoutes.POST("/:id/price", s.changePrice)
		productRoutes.POST("/:id/activate", s.activateProduct)
		productRoutes.POST("/:id/discontinue", s.discontinueProduct)
		productRoutes.GET("/:id/events", s.getProductEvents)
	}

	v1.GET("/events", s.findEvents)

	projectionRoutes := v1.Group("/projections")
	{
		projectionRoutes.GET("", s.listProjections)
		projectionRoutes.GET("/:name/health", s.getProjectionHealth)
		projectionRoutes.GET("/:name/status", s.getProjectionStatus)
		projectionRoutes.POST("/:name/rebuild", s.rebuildProjection)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
