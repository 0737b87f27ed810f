package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/idempotency"
	"example.com/backstage/services/catalog/tracing"
	"example.com/backstage/services/catalog/utils"
)

// Repository loads and persists product aggregates
type Repository interface {
	Save(ctx context.Context, p domain.Product) (domain.Product, error)
	Update(ctx context.Context, p domain.Product) (domain.Product, error)
	FindByID(ctx context.Context, id uuid.UUID) (domain.Product, error)
}

// Metrics receives one observation per handled command
type Metrics interface {
	RecordCommand(commandType, outcome string, d time.Duration)
}

// Config holds command handling policy
type Config struct {
	PriceChangeThreshold float64
	IdempotencyTTL       time.Duration
}

// ProductHandler runs product commands through validation, idempotency and persistence
type ProductHandler struct {
	repo    Repository
	idem    idempotency.Store
	cfg     Config
	tracer  tracing.Tracer
	metrics Metrics
	now     func() time.Time
}

// NewProductHandler creates a new product command handler
func NewProductHandler(repo Repository, idem idempotency.Store, cfg Config, tracer tracing.Tracer, metrics Metrics) *ProductHandler {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	if cfg.PriceChangeThreshold <= 0 {
		cfg.PriceChangeThreshold = domain.DefaultPriceChangeThreshold
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &ProductHandler{
		repo:    repo,
		idem:    idem,
		cfg:     cfg,
		tracer:  tracer,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes cmd and returns CommandSuccess, or CommandAlreadyProcessed when
// its idempotency key has been seen within the TTL.
func (h *ProductHandler) Handle(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	txn, end := tracing.Trace(ctx, h.tracer, "command/"+cmd.CommandType())
	defer end()

	result, err := h.handle(ctx, cmd)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		h.tracer.RecordError(txn, err)
	case isAlreadyProcessed(result):
		outcome = "duplicate"
	}
	if h.metrics != nil {
		h.metrics.RecordCommand(cmd.CommandType(), outcome, time.Since(start))
	}
	return result, err
}

func (h *ProductHandler) handle(ctx context.Context, cmd Command) (Result, error) {
	env := cmd.envelope()

	if env.IdempotencyKey != "" {
		rec, found, err := h.idem.CheckIdempotency(ctx, env.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if found {
			if rec.CommandType != cmd.CommandType() {
				return nil, fmt.Errorf("%w: key %q was used for %s",
					ErrIdempotencyKeyConflict, env.IdempotencyKey, rec.CommandType)
			}
			log.Info().
				Str("idempotencyKey", env.IdempotencyKey).
				Str("aggregateID", rec.AggregateID.String()).
				Msg("Command already processed")
			return CommandAlreadyProcessed{AggregateID: rec.AggregateID, IdempotencyKey: env.IdempotencyKey}, nil
		}
	}

	fields, err := utils.ValidateStruct(cmd)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		return nil, &ValidationError{CommandType: cmd.CommandType(), Fields: fields}
	}

	opts := []domain.Option{
		domain.WithMetadata(env.Metadata),
		domain.WithPriceChangeThreshold(h.cfg.PriceChangeThreshold),
		domain.WithClock(h.now),
	}

	product, err := h.execute(ctx, cmd, opts)
	if err != nil {
		log.Warn().
			Err(err).
			Str("command", cmd.CommandType()).
			Msg("Command rejected")
		return nil, err
	}

	success := CommandSuccess{
		AggregateID: product.ID,
		Version:     product.Version,
		Timestamp:   h.now(),
	}

	if env.IdempotencyKey != "" {
		h.recordProcessed(ctx, cmd, env.IdempotencyKey, success)
	}

	log.Info().
		Str("command", cmd.CommandType()).
		Str("aggregateID", product.ID.String()).
		Int("version", product.Version).
		Msg("Command handled")

	return success, nil
}

func (h *ProductHandler) execute(ctx context.Context, cmd Command, opts []domain.Option) (domain.Product, error) {
	switch c := cmd.(type) {
	case CreateProductCommand:
		p, err := domain.NewProduct(c.SKU, c.Name, c.Description, c.PriceCents, opts...)
		if err != nil {
			return domain.Product{}, err
		}
		return h.repo.Save(ctx, p)

	case UpdateProductCommand:
		return h.mutate(ctx, c.ProductID, func(p domain.Product) (domain.Product, error) {
			return p.Update(c.Name, c.Description, c.ExpectedVersion, opts...)
		})

	case ChangePriceCommand:
		return h.mutate(ctx, c.ProductID, func(p domain.Product) (domain.Product, error) {
			return p.ChangePrice(c.NewPriceCents, c.ExpectedVersion, c.ConfirmLargeChange, opts...)
		})

	case ActivateProductCommand:
		return h.mutate(ctx, c.ProductID, func(p domain.Product) (domain.Product, error) {
			return p.Activate(c.ExpectedVersion, opts...)
		})

	case DiscontinueProductCommand:
		return h.mutate(ctx, c.ProductID, func(p domain.Product) (domain.Product, error) {
			return p.Discontinue(c.ExpectedVersion, c.Reason, opts...)
		})

	case DeleteProductCommand:
		return h.mutate(ctx, c.ProductID, func(p domain.Product) (domain.Product, error) {
			return p.Delete(c.ExpectedVersion, c.DeletedBy, opts...)
		})

	default:
		return domain.Product{}, fmt.Errorf("unsupported command type %T", cmd)
	}
}

func (h *ProductHandler) mutate(ctx context.Context, id uuid.UUID, op func(domain.Product) (domain.Product, error)) (domain.Product, error) {
	p, err := h.repo.FindByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	next, err := op(p)
	if err != nil {
		return domain.Product{}, err
	}
	return h.repo.Update(ctx, next)
}

// recordProcessed stores the result under the idempotency key. The command has
// already been persisted, so a failure here is logged and not returned.
func (h *ProductHandler) recordProcessed(ctx context.Context, cmd Command, key string, success CommandSuccess) {
	data, err := json.Marshal(success)
	if err != nil {
		log.Error().Err(err).Str("idempotencyKey", key).Msg("Failed to marshal command result")
		return
	}

	err = h.idem.RecordProcessedCommand(ctx, idempotency.Record{
		Key:         key,
		CommandType: cmd.CommandType(),
		AggregateID: success.AggregateID,
		Result:      data,
		ProcessedAt: success.Timestamp,
	}, h.cfg.IdempotencyTTL)
	if err != nil {
		log.Error().Err(err).Str("idempotencyKey", key).Msg("Failed to record processed command")
	}
}

func isAlreadyProcessed(r Result) bool {
	_, ok := r.(CommandAlreadyProcessed)
	return ok
}

// IsClientError reports whether err was caused by the command rather than the infrastructure
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrValidation,
		ErrIdempotencyKeyConflict,
		domain.ErrInvariantViolation,
		domain.ErrInvalidStateTransition,
		domain.ErrProductDeleted,
		domain.ErrPriceChangeThresholdExceeded,
		domain.ErrConcurrentModification,
		domain.ErrProductNotFound,
		domain.ErrDuplicateSKU,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
