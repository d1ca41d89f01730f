package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/remediation"
)

func (s *Server) handleListActions(c *gin.Context) {
	status := models.ActionStatus(c.Query("status"))
	out, err := s.actStore.List(c.Request.Context(), status, intQuery(c, "limit", 100))
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": out})
}

func (s *Server) handleGetAction(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	action, err := s.actStore.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, remediation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

type createActionRequest struct {
	InsightID     *uuid.UUID        `json:"insight_id"`
	EndpointID    int               `json:"endpoint_id" binding:"required"`
	ContainerID   string            `json:"container_id" binding:"required"`
	ContainerName string            `json:"container_name"`
	ActionType    models.ActionType `json:"action_type" binding:"required"`
	Rationale     string            `json:"rationale"`
}

func (s *Server) handleCreateAction(c *gin.Context) {
	var req createActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.ActionType {
	case models.ActionRestartContainer, models.ActionStopContainer, models.ActionStartContainer:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action_type"})
		return
	}

	action := &models.Action{
		InsightID:     req.InsightID,
		EndpointID:    req.EndpointID,
		ContainerID:   req.ContainerID,
		ContainerName: req.ContainerName,
		ActionType:    req.ActionType,
		Rationale:     req.Rationale,
	}
	created, err := s.actions.Request(c.Request.Context(), action, s.actorFrom(c))
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleApproveAction(c *gin.Context) {
	s.transitionAction(c, func(id uuid.UUID, actor remediation.Actor) (*models.Action, error) {
		return s.actions.Approve(c.Request.Context(), id, actor)
	})
}

func (s *Server) handleRejectAction(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	s.transitionAction(c, func(id uuid.UUID, actor remediation.Actor) (*models.Action, error) {
		return s.actions.Reject(c.Request.Context(), id, body.Reason, actor)
	})
}

func (s *Server) handleExecuteAction(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	action, err := s.actions.Execute(c.Request.Context(), id, s.actorFrom(c))
	if err != nil {
		if errors.Is(err, remediation.ErrExecutionFailed) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":    "upstream execution failed",
				"actionId": id.String(),
				"status":   string(action.Status),
			})
			return
		}
		s.actionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"actionId": action.ID.String(),
		"status":   string(action.Status),
	})
}

func (s *Server) transitionAction(c *gin.Context, fn func(uuid.UUID, remediation.Actor) (*models.Action, error)) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	action, err := fn(id, s.actorFrom(c))
	if err != nil {
		s.actionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"actionId": action.ID.String(),
		"status":   string(action.Status),
	})
}

func (s *Server) actionError(c *gin.Context, id uuid.UUID, err error) {
	var conflict *remediation.ConflictError
	switch {
	case errors.Is(err, remediation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "invalid state transition",
			"actionId":      conflict.ActionID.String(),
			"currentStatus": string(conflict.CurrentStatus),
		})
	default:
		s.serverError(c, err)
	}
}

func (s *Server) actorFrom(c *gin.Context) remediation.Actor {
	username := c.GetHeader("X-Username")
	if username == "" {
		username = "admin"
	}
	return remediation.Actor{
		UserID:    username,
		Username:  username,
		RequestID: c.GetHeader("X-Request-ID"),
		IPAddress: c.ClientIP(),
	}
}
