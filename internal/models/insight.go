package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Severity classifies insights and notifications
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Insight categories produced by the monitoring cycle. Security findings use
// the "security:" prefix with the finding category appended.
const (
	CategoryAnomaly        = "anomaly"
	CategoryPredictive     = "predictive"
	CategoryLogAnalysis    = "log-analysis"
	CategoryAIAnalysis     = "ai-analysis"
	SecurityCategoryPrefix = "security:"
)

// Insight is a human-readable finding. Immutable after insert except for
// the acknowledged flag.
type Insight struct {
	ID              uuid.UUID `json:"id" db:"id"`
	EndpointID      *int      `json:"endpoint_id,omitempty" db:"endpoint_id"`
	EndpointName    *string   `json:"endpoint_name,omitempty" db:"endpoint_name"`
	ContainerID     *string   `json:"container_id,omitempty" db:"container_id"`
	ContainerName   *string   `json:"container_name,omitempty" db:"container_name"`
	Severity        Severity  `json:"severity" db:"severity"`
	Category        string    `json:"category" db:"category"`
	Title           string    `json:"title" db:"title"`
	Description     string    `json:"description" db:"description"`
	SuggestedAction *string   `json:"suggested_action,omitempty" db:"suggested_action"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	IsAcknowledged  bool      `json:"is_acknowledged" db:"is_acknowledged"`
}

// AnomalyMethod identifies which detector produced a verdict
type AnomalyMethod string

const (
	MethodZScore          AnomalyMethod = "zscore"
	MethodBollinger       AnomalyMethod = "bollinger"
	MethodAdaptive        AnomalyMethod = "adaptive"
	MethodIsolationForest AnomalyMethod = "isolation-forest"
	MethodThreshold       AnomalyMethod = "threshold"
)

// AnomalyVerdict is the result of evaluating one (container, metric) pair
type AnomalyVerdict struct {
	IsAnomalous  bool          `json:"is_anomalous"`
	ZScore       float64       `json:"z_score"`
	Mean         float64       `json:"mean"`
	CurrentValue float64       `json:"current_value"`
	Method       AnomalyMethod `json:"method"`
}

// SecurityFinding is one result of the container security scan
type SecurityFinding struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// CorrelationType describes how an incident's insights were grouped
type CorrelationType string

const (
	CorrelationTemporal CorrelationType = "temporal"
	CorrelationCascade  CorrelationType = "cascade"
	CorrelationSemantic CorrelationType = "semantic"
	CorrelationDedup    CorrelationType = "dedup"
)

// CorrelationConfidence grades how certain the correlator is about a grouping
type CorrelationConfidence string

const (
	ConfidenceLow    CorrelationConfidence = "low"
	ConfidenceMedium CorrelationConfidence = "medium"
	ConfidenceHigh   CorrelationConfidence = "high"
)

// Incident groups related insights around a root cause. The array columns
// are stored as native Postgres arrays and must round-trip as ordered
// sequences of strings.
type Incident struct {
	ID                    uuid.UUID             `json:"id" db:"id"`
	Title                 string                `json:"title" db:"title"`
	Severity              Severity              `json:"severity" db:"severity"`
	RootCauseInsightID    uuid.UUID             `json:"root_cause_insight_id" db:"root_cause_insight_id"`
	RelatedInsightIDs     pq.StringArray        `json:"related_insight_ids" db:"related_insight_ids"`
	AffectedContainers    pq.StringArray        `json:"affected_containers" db:"affected_containers"`
	CorrelationType       CorrelationType       `json:"correlation_type" db:"correlation_type"`
	CorrelationConfidence CorrelationConfidence `json:"correlation_confidence" db:"correlation_confidence"`
	InsightCount          int                   `json:"insight_count" db:"insight_count"`
	CreatedAt             time.Time             `json:"created_at" db:"created_at"`
}

// CapacityForecast is the output of the capacity forecaster for one
// (container, metric) series
type CapacityForecast struct {
	ContainerID     string                `json:"containerId"`
	ContainerName   string                `json:"containerName"`
	MetricType      MetricType            `json:"metricType"`
	Trend           string                `json:"trend"` // increasing | decreasing | stable
	SlopePerHour    float64               `json:"slopePerHour"`
	CurrentValue    float64               `json:"currentValue"`
	TimeToThreshold float64               `json:"timeToThresholdHours"` // hours; <0 when not applicable
	Confidence      CorrelationConfidence `json:"confidence"`
}
