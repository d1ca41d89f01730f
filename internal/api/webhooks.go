package api

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/webhook"
)

func (s *Server) handleWebhookEventTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"eventTypes": webhook.EventTypeDescriptions})
}

func (s *Server) handleListWebhooks(c *gin.Context) {
	out, err := s.stores.Webhooks.List(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": out})
}

type webhookRequest struct {
	URL        string   `json:"url" binding:"required"`
	Secret     string   `json:"secret" binding:"required"`
	EventTypes []string `json:"event_types"`
	Enabled    *bool    `json:"enabled"`
}

func (r *webhookRequest) validate() error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return errors.Wrap(err, "webhook url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("webhook url must be http or https")
	}
	for _, pattern := range r.EventTypes {
		if !validEventPattern(pattern) {
			return errors.Errorf("unknown event type %q", pattern)
		}
	}
	return nil
}

// validEventPattern accepts exact known types, "*", and "<prefix>.*"
func validEventPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	known := []string{
		models.EventInsightCreated,
		models.EventAnomalyDetected,
		models.EventContainerStateChange,
		models.EventRemediationRequested,
		models.EventRemediationApproved,
		models.EventRemediationRejected,
		models.EventRemediationCompleted,
	}
	for _, t := range known {
		if pattern == t || events.Matches(pattern, t) {
			return true
		}
	}
	return false
}

func (s *Server) handleCreateWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	w := &models.Webhook{
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Enabled:    enabled,
	}
	if err := s.stores.Webhooks.Create(c.Request.Context(), w); err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleUpdateWebhook(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	w := &models.Webhook{
		ID:         id,
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Enabled:    enabled,
	}
	if err := s.stores.Webhooks.Update(c.Request.Context(), w); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := s.stores.Webhooks.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleWebhookDeliveries(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	out, err := s.stores.Webhooks.Deliveries(c.Request.Context(), id, intQuery(c, "limit", 50))
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}
