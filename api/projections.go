package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/projections"
)

func (s *Server) listProjections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projections": s.deps.Projections.Names()})
}

func (s *Server) getProjectionHealth(c *gin.Context) {
	o, ok := s.projection(c)
	if !ok {
		return
	}

	h, err := o.GetProjectionHealth(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) getProjectionStatus(c *gin.Context) {
	o, ok := s.projection(c)
	if !ok {
		return
	}

	st, err := o.GetProjectionStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) rebuildProjection(c *gin.Context) {
	o, ok := s.projection(c)
	if !ok {
		return
	}

	replayed, err := o.RebuildProjection(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("projection", o.Name()).Msg("Failed to rebuild projection")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projection": o.Name(), "events_replayed": replayed})
}

func (s *Server) projection(c *gin.Context) (*projections.Orchestrator, bool) {
	name := c.Param("name")
	o, ok := s.deps.Projections.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "projection " + name + " not found", Code: "NOT_FOUND"})
		return nil, false
	}
	return o, true
}
