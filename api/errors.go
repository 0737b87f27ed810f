package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/handlers"
	"example.com/backstage/services/catalog/projections"
	"example.com/backstage/services/catalog/utils"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string             `json:"message"`
	Code    string             `json:"code,omitempty"`
	Fields  []utils.FieldError `json:"fields,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{handlers.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{domain.ErrInvariantViolation, http.StatusUnprocessableEntity, "INVARIANT_VIOLATION"},
	{domain.ErrPriceChangeThresholdExceeded, http.StatusUnprocessableEntity, "PRICE_CHANGE_THRESHOLD_EXCEEDED"},
	{handlers.ErrIdempotencyKeyConflict, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_CONFLICT"},
	{domain.ErrInvalidStateTransition, http.StatusConflict, "INVALID_STATE_TRANSITION"},
	{domain.ErrProductDeleted, http.StatusConflict, "PRODUCT_DELETED"},
	{domain.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
	{domain.ErrDuplicateSKU, http.StatusConflict, "DUPLICATE_SKU"},
	{domain.ErrProductNotFound, http.StatusNotFound, "NOT_FOUND"},
	{projections.ErrViewNotFound, http.StatusNotFound, "NOT_FOUND"},
}

// writeError maps err onto a status code and error body
func writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}

		resp := ErrorResponse{Message: err.Error(), Code: m.code}
		var ve *handlers.ValidationError
		if errors.As(err, &ve) {
			resp.Fields = ve.Fields
		}
		c.JSON(m.status, resp)
		return
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unhandled error")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Message: "Internal server error",
		Code:    "INTERNAL_ERROR",
	})
}

func writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Message: message, Code: "INVALID_REQUEST"})
}
