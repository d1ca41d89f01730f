package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/settings"
)

func (s *Server) handleListSettings(c *gin.Context) {
	out, err := s.stores.Settings.List(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

type setSettingRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) handleSetSetting(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := s.actorFrom(c)
	if err := s.stores.Settings.Set(c.Request.Context(), key, req.Value, actor.Username); err != nil {
		s.serverError(c, err)
		return
	}
	// Read back through the redacting mapper so sensitive values never echo.
	row, err := s.stores.Settings.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			// Protected key: the write was ignored.
			c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) handleDeleteSetting(c *gin.Context) {
	key := c.Param("key")
	if err := s.stores.Settings.Delete(c.Request.Context(), key); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "setting not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
