package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/incident"
	"github.com/harborwatch/harborwatch/internal/insight"
)

func (s *Server) handleListInsights(c *gin.Context) {
	minutes := intQuery(c, "minutes", 60)
	out, err := s.stores.Insights.Recent(c.Request.Context(), minutes)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": out})
}

func (s *Server) handleGetInsight(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	in, err := s.stores.Insights.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, insight.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "insight not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) handleAcknowledgeInsight(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := s.stores.Insights.Acknowledge(c.Request.Context(), id); err != nil {
		if errors.Is(err, insight.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "insight not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListInvestigations(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	out, err := s.stores.Investigations.ListForInsight(c.Request.Context(), id)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"investigations": out})
}

func (s *Server) handleListIncidents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	out, err := s.stores.Incidents.List(c.Request.Context(), limit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": out})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	inc, err := s.stores.Incidents.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	out, err := s.stores.Monitor.RecentSnapshots(c.Request.Context(), limit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out})
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.logger.Error("Request failed", map[string]interface{}{
		"path":  c.Request.URL.Path,
		"error": err.Error(),
	})
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
