package models

import (
	"time"

	"github.com/google/uuid"
)

// Domain event types carried on the in-process event bus. Subscribers may
// use a "prefix.*" pattern or "*" to match families of events.
const (
	EventInsightCreated       = "insight.created"
	EventAnomalyDetected      = "anomaly.detected"
	EventContainerStateChange = "container.state_change"
	EventRemediationRequested = "remediation.requested"
	EventRemediationApproved  = "remediation.approved"
	EventRemediationRejected  = "remediation.rejected"
	EventRemediationCompleted = "remediation.completed"
)

// Event is the tagged union carried on the event bus
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"`
}

// WebhookEvent is the DTO delivered to registered webhooks and the SSE stream
type WebhookEvent struct {
	ID        uuid.UUID              `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Webhook is a registered outbound delivery target
type Webhook struct {
	ID         uuid.UUID `json:"id" db:"id"`
	URL        string    `json:"url" db:"url"`
	Secret     string    `json:"-" db:"secret"`
	EventTypes []string  `json:"event_types" db:"-"`
	Enabled    bool      `json:"enabled" db:"enabled"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// WebhookDelivery records one outbound delivery attempt
type WebhookDelivery struct {
	ID         uuid.UUID `json:"id" db:"id"`
	WebhookID  uuid.UUID `json:"webhook_id" db:"webhook_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Error      *string   `json:"error,omitempty" db:"error"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CycleStats summarizes one monitoring cycle for logging and the
// cycle:complete broadcast
type CycleStats struct {
	DurationMS             int64 `json:"duration"`
	Endpoints              int   `json:"endpoints"`
	Containers             int   `json:"containers"`
	TotalInsights          int   `json:"totalInsights"`
	SkippedCircuitBreaker  int   `json:"skippedCb"`
	CircuitBreakerSkips    int   `json:"circuitBreakerSkips"`
	ContainerFetchFailures int   `json:"containerFetchFailures"`
	InsertedInsights       int   `json:"insertedInsights"`
	IncidentsCreated       int   `json:"incidentsCreated"`
}
