package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/models"
)

// ProductViewProjection is the name of the product read model projection
const ProductViewProjection = "product_view"

var (
	// ErrViewNotFound is returned when a product has no read model row
	ErrViewNotFound = errors.New("product view not found")
	// ErrViewVersionGap is returned when an event arrives before its predecessor was applied
	ErrViewVersionGap = errors.New("product view version gap")
)

// ViewFilter narrows a product view listing
type ViewFilter struct {
	Status         string
	SKU            string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// ProductViewProjector maintains the product_views table and, when a client is
// configured, mirrors each view document into Elasticsearch
type ProductViewProjector struct {
	db            *gorm.DB
	elasticClient *elasticsearch.Client
	index         string
}

var (
	_ Projector  = (*ProductViewProjector)(nil)
	_ Resetter   = (*ProductViewProjector)(nil)
	_ TxResetter = (*ProductViewProjector)(nil)
)

// NewProductViewProjector creates a new product view projector. elasticClient may be nil.
func NewProductViewProjector(db *gorm.DB, elasticClient *elasticsearch.Client, index string) *ProductViewProjector {
	return &ProductViewProjector{
		db:            db,
		elasticClient: elasticClient,
		index:         index,
	}
}

// Name returns the projection name
func (p *ProductViewProjector) Name() string {
	return ProductViewProjection
}

// Apply projects one product event
func (p *ProductViewProjector) Apply(ctx context.Context, event domain.Event) error {
	if event.AggregateType != domain.ProductAggregateType {
		return nil
	}

	var err error
	switch data := event.Data.(type) {
	case domain.ProductCreatedEvent:
		err = p.projectCreated(ctx, event, data)
	default:
		err = p.projectChange(ctx, event)
	}
	if err != nil {
		return err
	}

	if p.elasticClient == nil {
		return nil
	}
	view, err := p.GetView(ctx, event.AggregateID.String())
	if err != nil {
		return err
	}
	return p.indexView(ctx, view)
}

// Reset removes every product view
func (p *ProductViewProjector) Reset(ctx context.Context) error {
	return p.ResetTx(p.db.WithContext(ctx))
}

// ResetTx removes every product view using tx
func (p *ProductViewProjector) ResetTx(tx *gorm.DB) error {
	err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.ProductView{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear product views: %w", err)
	}
	return nil
}

// GetView returns the read model of one product
func (p *ProductViewProjector) GetView(ctx context.Context, aggregateID string) (models.ProductView, error) {
	var view models.ProductView
	err := p.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).First(&view).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ProductView{}, fmt.Errorf("%w: %s", ErrViewNotFound, aggregateID)
		}
		return models.ProductView{}, fmt.Errorf("failed to load product view: %w", err)
	}
	return view, nil
}

// ListViews returns product views ordered by creation time
func (p *ProductViewProjector) ListViews(ctx context.Context, filter ViewFilter) ([]models.ProductView, error) {
	query := p.db.WithContext(ctx).Model(&models.ProductView{})
	if !filter.IncludeDeleted {
		query = query.Where("deleted = ?", false)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.SKU != "" {
		query = query.Where("sku = ?", filter.SKU)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var views []models.ProductView
	if err := query.Order("created_at ASC, aggregate_id ASC").Find(&views).Error; err != nil {
		return nil, fmt.Errorf("failed to list product views: %w", err)
	}
	return views, nil
}

func (p *ProductViewProjector) projectCreated(ctx context.Context, event domain.Event, data domain.ProductCreatedEvent) error {
	view := models.ProductView{
		AggregateID: event.AggregateID.String(),
		Version:     event.Version,
		SKU:         data.SKU,
		Name:        data.Name,
		Description: data.Description,
		PriceCents:  data.PriceCents,
		Status:      string(data.Status),
		CreatedAt:   event.OccurredAt,
		UpdatedAt:   event.OccurredAt,
	}

	// A replayed creation leaves an existing row alone; it already holds version 1 or later.
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		DoNothing: true,
	}).Create(&view).Error
	if err != nil {
		return fmt.Errorf("failed to upsert product view %s: %w", view.AggregateID, err)
	}
	return nil
}

func (p *ProductViewProjector) projectChange(ctx context.Context, event domain.Event) error {
	updates := map[string]interface{}{
		"version":    event.Version,
		"updated_at": event.OccurredAt,
	}

	switch data := event.Data.(type) {
	case domain.ProductUpdatedEvent:
		updates["name"] = data.NewName
		updates["description"] = data.NewDescription
	case domain.ProductPriceChangedEvent:
		updates["price_cents"] = data.NewPriceCents
	case domain.ProductActivatedEvent:
		updates["status"] = string(data.NewStatus)
	case domain.ProductDiscontinuedEvent:
		updates["status"] = string(data.NewStatus)
		updates["discontinue_reason"] = data.Reason
	case domain.ProductDeletedEvent:
		deletedAt := event.OccurredAt
		updates["deleted"] = true
		updates["deleted_by"] = data.DeletedBy
		updates["deleted_at"] = &deletedAt
	default:
		log.Warn().Str("eventType", event.Type).Msg("Unknown product event type")
		return nil
	}

	// Events apply strictly on top of their predecessor so a partial update never
	// lands on a row that missed an earlier change.
	id := event.AggregateID.String()
	res := p.db.WithContext(ctx).Model(&models.ProductView{}).
		Where("aggregate_id = ? AND version = ?", id, event.Version-1).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update product view %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	view, err := p.GetView(ctx, id)
	if err != nil {
		return err
	}
	if view.Version < event.Version {
		return fmt.Errorf("%w: %s at version %d, event version %d", ErrViewVersionGap, id, view.Version, event.Version)
	}
	return nil
}

func (p *ProductViewProjector) indexView(ctx context.Context, view models.ProductView) error {
	doc, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("error marshaling product view: %w", err)
	}

	res, err := p.elasticClient.Index(
		p.index,
		bytes.NewReader(doc),
		p.elasticClient.Index.WithDocumentID(view.AggregateID),
		p.elasticClient.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error indexing product %s: %w", view.AggregateID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing product %s: %s", view.AggregateID, res.String())
	}
	return nil
}
