package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/backstage/services/catalog/domain"
)

const timeLayout = time.RFC3339Nano

// getProductEvents returns the event stream of one product, optionally from a version
func (s *Server) getProductEvents(c *gin.Context) {
	var id uuid.UUID
	if !bindProductID(c, &id) {
		return
	}

	ctx := c.Request.Context()
	exists, err := s.deps.Events.StreamExists(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !exists {
		writeError(c, &domain.ProductNotFoundError{ID: id})
		return
	}

	var events []domain.Event
	if v := c.Query("from_version"); v != "" {
		from, convErr := strconv.Atoi(v)
		if convErr != nil || from < 1 {
			writeBadRequest(c, "from_version must be a positive integer")
			return
		}
		events, err = s.deps.Events.FindEventsByAggregateIDFromVersion(ctx, id, from)
	} else {
		events, err = s.deps.Events.FindEventsByAggregateID(ctx, id)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// findEvents serves audit queries by correlation ID or by type and time range
func (s *Server) findEvents(c *gin.Context) {
	ctx := c.Request.Context()

	if correlationID := c.Query("correlation_id"); correlationID != "" {
		events, err := s.deps.Events.FindEventsByCorrelationID(ctx, correlationID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
		return
	}

	eventType := c.Query("type")
	if eventType == "" {
		writeBadRequest(c, "either correlation_id or type is required")
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeBadRequest(c, "from must be an RFC 3339 timestamp")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeBadRequest(c, "to must be an RFC 3339 timestamp")
			return
		}
	}
	if to.Before(from) {
		writeBadRequest(c, "to must not be before from")
		return
	}

	events, err := s.deps.Events.FindEventsByTypeAndTimeRange(ctx, eventType, from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
