package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
	"github.com/harborwatch/harborwatch/internal/ws"
)

// ContainerControl is the slice of the inventory client the executor needs
type ContainerControl interface {
	RestartContainer(ctx context.Context, endpointID int, containerID string) error
	StopContainer(ctx context.Context, endpointID int, containerID string) error
	StartContainer(ctx context.Context, endpointID int, containerID string) error
}

// AuditWriter records every state change
type AuditWriter interface {
	Write(ctx context.Context, entry *models.AuditEntry) error
}

// Actor identifies the operator performing a transition
type Actor struct {
	UserID    string
	Username  string
	RequestID string
	IPAddress string
}

// ErrExecutionFailed wraps an upstream failure during execution; the HTTP
// layer maps it to 502.
var ErrExecutionFailed = errors.New("remediation: upstream execution failed")

// Service drives the action workflow
type Service struct {
	store     *Store
	control   ContainerControl
	audit     AuditWriter
	bus       *events.Bus
	namespace *ws.Namespace // may be nil in tests
	logger    observability.Logger
}

// NewService builds the workflow service. namespace may be nil; broadcasts
// become no-ops.
func NewService(store *Store, control ContainerControl, audit AuditWriter, bus *events.Bus, namespace *ws.Namespace, logger observability.Logger) *Service {
	return &Service{
		store:     store,
		control:   control,
		audit:     audit,
		bus:       bus,
		namespace: namespace,
		logger:    logger,
	}
}

// Request creates a new pending action and announces it
func (s *Service) Request(ctx context.Context, action *models.Action, actor Actor) (*models.Action, error) {
	if err := s.store.Create(ctx, action); err != nil {
		return nil, err
	}
	s.afterTransition(ctx, action, actor, "remediation.request", models.EventRemediationRequested)
	return action, nil
}

// Approve moves an action from pending to approved
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor Actor) (*models.Action, error) {
	action, err := s.store.Approve(ctx, id, actor.Username)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, action, actor, "remediation.approve", models.EventRemediationApproved)
	return action, nil
}

// Reject moves an action from pending to rejected
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string, actor Actor) (*models.Action, error) {
	action, err := s.store.Reject(ctx, id, actor.Username, reason)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, action, actor, "remediation.reject", models.EventRemediationRejected)
	return action, nil
}

// Execute runs an approved action against the inventory API. The row lands
// in completed or failed; execution is never retried automatically.
func (s *Service) Execute(ctx context.Context, id uuid.UUID, actor Actor) (*models.Action, error) {
	action, err := s.store.MarkExecuting(ctx, id)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, action, actor, "remediation.execute", "")

	start := time.Now()
	execErr := s.runOperation(ctx, action)
	durationMS := time.Since(start).Milliseconds()

	if execErr != nil {
		failed, markErr := s.store.MarkFailed(ctx, id, execErr.Error(), durationMS)
		if markErr != nil {
			return nil, markErr
		}
		s.afterTransition(ctx, failed, actor, "remediation.execute.failed", models.EventRemediationCompleted)
		return failed, errors.Wrap(ErrExecutionFailed, execErr.Error())
	}

	result := fmt.Sprintf("Executed %s successfully", action.ActionType)
	completed, markErr := s.store.MarkCompleted(ctx, id, result, durationMS)
	if markErr != nil {
		return nil, markErr
	}
	s.afterTransition(ctx, completed, actor, "remediation.execute.completed", models.EventRemediationCompleted)
	return completed, nil
}

func (s *Service) runOperation(ctx context.Context, action *models.Action) error {
	switch action.ActionType {
	case models.ActionRestartContainer:
		return s.control.RestartContainer(ctx, action.EndpointID, action.ContainerID)
	case models.ActionStopContainer:
		return s.control.StopContainer(ctx, action.EndpointID, action.ContainerID)
	case models.ActionStartContainer:
		return s.control.StartContainer(ctx, action.EndpointID, action.ContainerID)
	default:
		return errors.Errorf("unknown action type %q", action.ActionType)
	}
}

func (s *Service) afterTransition(ctx context.Context, action *models.Action, actor Actor, auditAction, eventType string) {
	entry := &models.AuditEntry{
		ID:         uuid.New(),
		UserID:     actor.UserID,
		Username:   actor.Username,
		Action:     auditAction,
		TargetType: "action",
		TargetID:   action.ID.String(),
		RequestID:  actor.RequestID,
		IPAddress:  actor.IPAddress,
		Details: map[string]interface{}{
			"status":       string(action.Status),
			"action_type":  string(action.ActionType),
			"container_id": action.ContainerID,
		},
	}
	if err := s.audit.Write(ctx, entry); err != nil {
		s.logger.Error("Failed to write audit entry", map[string]interface{}{
			"action": auditAction,
			"error":  err.Error(),
		})
	}

	s.namespace.Broadcast(ws.RoomAll, "action:update", action)

	if eventType != "" && s.bus != nil {
		s.bus.Emit(ctx, eventType, map[string]interface{}{
			"action_id":    action.ID.String(),
			"status":       string(action.Status),
			"action_type":  string(action.ActionType),
			"container_id": action.ContainerID,
			"endpoint_id":  action.EndpointID,
		})
	}
}
