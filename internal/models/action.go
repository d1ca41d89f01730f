package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionType enumerates the remediation operations an operator can approve
type ActionType string

const (
	ActionRestartContainer ActionType = "RESTART_CONTAINER"
	ActionStopContainer    ActionType = "STOP_CONTAINER"
	ActionStartContainer   ActionType = "START_CONTAINER"
)

// ActionStatus is a state in the remediation workflow
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionRejected  ActionStatus = "rejected"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Action is a remediation action row traversing the approval workflow
type Action struct {
	ID                  uuid.UUID    `json:"id" db:"id"`
	InsightID           *uuid.UUID   `json:"insight_id,omitempty" db:"insight_id"`
	EndpointID          int          `json:"endpoint_id" db:"endpoint_id"`
	ContainerID         string       `json:"container_id" db:"container_id"`
	ContainerName       string       `json:"container_name" db:"container_name"`
	ActionType          ActionType   `json:"action_type" db:"action_type"`
	Rationale           string       `json:"rationale" db:"rationale"`
	Status              ActionStatus `json:"status" db:"status"`
	ApprovedBy          *string      `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt          *time.Time   `json:"approved_at,omitempty" db:"approved_at"`
	RejectedBy          *string      `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectedAt          *time.Time   `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectionReason     *string      `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ExecutedAt          *time.Time   `json:"executed_at,omitempty" db:"executed_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	ExecutionResult     *string      `json:"execution_result,omitempty" db:"execution_result"`
	ExecutionDurationMS *int64       `json:"execution_duration_ms,omitempty" db:"execution_duration_ms"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
}

// AuditEntry records one state change or privileged operation
type AuditEntry struct {
	ID         uuid.UUID              `json:"id" db:"id"`
	UserID     string                 `json:"user_id" db:"user_id"`
	Username   string                 `json:"username" db:"username"`
	Action     string                 `json:"action" db:"action"`
	TargetType string                 `json:"target_type" db:"target_type"`
	TargetID   string                 `json:"target_id" db:"target_id"`
	RequestID  string                 `json:"request_id" db:"request_id"`
	IPAddress  string                 `json:"ip_address" db:"ip_address"`
	Details    map[string]interface{} `json:"details,omitempty" db:"-"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// InvestigationStatus is the lifecycle state of an automated investigation
type InvestigationStatus string

const (
	InvestigationPending   InvestigationStatus = "pending"
	InvestigationCompleted InvestigationStatus = "completed"
	InvestigationFailed    InvestigationStatus = "failed"
)

// Investigation is an LM-assisted triage of a committed insight
type Investigation struct {
	ID        uuid.UUID           `json:"id" db:"id"`
	InsightID uuid.UUID           `json:"insight_id" db:"insight_id"`
	Status    InvestigationStatus `json:"status" db:"status"`
	Summary   *string             `json:"summary,omitempty" db:"summary"`
	Error     *string             `json:"error,omitempty" db:"error"`
	CreatedAt time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt time.Time           `json:"updated_at" db:"updated_at"`
}

// NotificationLogEntry records one delivery attempt on one channel
type NotificationLogEntry struct {
	ID            int64     `json:"id" db:"id"`
	Channel       string    `json:"channel" db:"channel"`
	EventType     string    `json:"event_type" db:"event_type"`
	Title         string    `json:"title" db:"title"`
	Body          string    `json:"body" db:"body"`
	Severity      Severity  `json:"severity" db:"severity"`
	ContainerID   string    `json:"container_id" db:"container_id"`
	ContainerName string    `json:"container_name" db:"container_name"`
	EndpointID    int       `json:"endpoint_id" db:"endpoint_id"`
	Status        string    `json:"status" db:"status"` // sent | failed
	Error         *string   `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
