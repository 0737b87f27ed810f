package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/handlers"
	"example.com/backstage/services/catalog/projections"
)

// ProductResponse is the current state of a product rebuilt from its events
type ProductResponse struct {
	ID          uuid.UUID `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PriceCents  int64     `json:"price_cents"`
	Status      string    `json:"status"`
	Version     int       `json:"version"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   string    `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
}

func newProductResponse(p domain.Product) ProductResponse {
	return ProductResponse{
		ID:          p.ID,
		SKU:         p.SKU,
		Name:        p.Name,
		Description: p.Description,
		PriceCents:  p.PriceCents,
		Status:      string(p.Status),
		Version:     p.Version,
		Deleted:     p.IsDeleted(),
		CreatedAt:   p.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   p.UpdatedAt.UTC().Format(timeLayout),
	}
}

func (s *Server) createProduct(c *gin.Context) {
	var cmd handlers.CreateProductCommand
	if !bindJSON(c, &cmd) {
		return
	}
	cmd.Envelope = envelope(c, cmd.Envelope)
	s.dispatch(c, cmd, http.StatusCreated)
}

func (s *Server) updateProduct(c *gin.Context) {
	var cmd handlers.UpdateProductCommand
	if !bindJSON(c, &cmd) || !bindProductID(c, &cmd.ProductID) {
		return
	}
	cmd.Envelope = envelope(c, cmd.Envelope)
	s.dispatch(c, cmd, http.StatusOK)
}

func (s *Server) changePrice(c *gin.Context) {
	var cmd handlers.ChangePriceCommand
	if !bindJSON(c, &cmd) || !bindProductID(c, &cmd.ProductID) {
		return
	}
	cmd.Envelope = envelope(c, cmd.Envelope)
	s.dispatch(c, cmd, http.StatusOK)
}

func (s *Server) activateProduct(c *gin.Context) {
	var cmd handlers.ActivateProductCommand
	if !bindJSON(c, &cmd) || !bindProductID(c, &cmd.ProductID) {
		return
	}
	cmd.Envelope = envelope(c, cmd.Envelope)
	s.dispatch(c, cmd, http.StatusOK)
}

func (s *Server) discontinueProduct(c *gin.Context) {
	var cmd handlers.DiscontinueProductCommand
	if !bindJSON(c, &cmd) || !bindProductID(c, &cmd.ProductID) {
		return
	}
	cmd.Envelope = envelope(c, cmd.Envelope)
	s.dispatch(c, cmd, http.StatusOK)
}

func (s *Server) deleteProduct(c *gin.Context) {
	var cmd handlers.DeleteProductCommand
	if !bindJSON(c, &cmd) || !bindProductID(c, &cmd.ProductID) {
		return
	}
	if cmd.DeletedBy == "" {
		cmd.DeletedBy = c.GetHeader(userIDKey)
	}
	cmd.Envelope = envelope(c, cmd.Envelope)
	s.dispatch(c, cmd, http.StatusOK)
}

// getProduct returns the authoritative state of a product, replayed from its events
func (s *Server) getProduct(c *gin.Context) {
	var id uuid.UUID
	if !bindProductID(c, &id) {
		return
	}

	p, err := s.deps.Products.FindByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProductResponse(p))
}

// listProducts returns product views from the read model
func (s *Server) listProducts(c *gin.Context) {
	filter := projections.ViewFilter{
		Status:         c.Query("status"),
		SKU:            c.Query("sku"),
		IncludeDeleted: c.Query("include_deleted") == "true",
		Limit:          100,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeBadRequest(c, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(c, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	views, err := s.deps.Views.ListViews(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": views, "count": len(views)})
}

func (s *Server) dispatch(c *gin.Context, cmd handlers.Command, successStatus int) {
	result, err := s.deps.Commands.Handle(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}

	if replay, ok := result.(handlers.CommandAlreadyProcessed); ok {
		c.Header(replayedHeaderKey, "true")
		c.JSON(http.StatusOK, replay)
		return
	}
	c.JSON(successStatus, result)
}

// envelope fills the idempotency key and metadata from request headers
func envelope(c *gin.Context, env handlers.Envelope) handlers.Envelope {
	if key := c.GetHeader(idempotencyKey); key != "" {
		env.IdempotencyKey = key
	}

	requestID := c.GetString(requestIDKey)
	correlationID := c.GetHeader(correlationIDKey)
	if correlationID == "" {
		correlationID = requestID
	}
	env.Metadata = domain.Metadata{
		CorrelationID: correlationID,
		CausationID:   requestID,
		UserID:        c.GetHeader(userIDKey),
	}
	return env
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func bindProductID(c *gin.Context, dst *uuid.UUID) bool {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeBadRequest(c, "invalid product id")
		return false
	}
	*dst = id
	return true
}
