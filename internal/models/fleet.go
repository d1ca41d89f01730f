// Package models defines the domain entities shared across harborwatch
// components. Entities persisted in Postgres carry db tags; transient
// per-cycle projections (Endpoint, Container) carry json tags only.
package models

import "time"

// EndpointStatus is the upstream-reported availability of an endpoint
type EndpointStatus string

const (
	EndpointUp   EndpointStatus = "up"
	EndpointDown EndpointStatus = "down"
)

// EndpointCapabilities describes what the agent behind an endpoint supports
type EndpointCapabilities struct {
	LiveStats    bool `json:"liveStats"`
	RealtimeLogs bool `json:"realtimeLogs"`
	Exec         bool `json:"exec"`
}

// Endpoint is a normalized projection of an upstream inventory endpoint.
// It is transient per cycle; id is stable across cycles.
type Endpoint struct {
	ID                  int                  `json:"id"`
	Name                string               `json:"name"`
	Status              EndpointStatus       `json:"status"`
	Capabilities        EndpointCapabilities `json:"capabilities"`
	ContainersRunning   int                  `json:"containersRunning"`
	ContainersStopped   int                  `json:"containersStopped"`
	ContainersHealthy   int                  `json:"containersHealthy"`
	ContainersUnhealthy int                  `json:"containersUnhealthy"`
	StackCount          int                  `json:"stackCount"`
}

// ContainerState is the normalized container runtime state
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
	ContainerPaused  ContainerState = "paused"
	ContainerDead    ContainerState = "dead"
	ContainerUnknown ContainerState = "unknown"
)

// PortBinding is a single published port of a container
type PortBinding struct {
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort,omitempty"`
	Protocol    string `json:"protocol"`
}

// Container is a normalized projection of an upstream container listing entry
type Container struct {
	ID           string            `json:"id"`
	EndpointID   int               `json:"endpointId"`
	EndpointName string            `json:"endpointName"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	State        ContainerState    `json:"state"`
	Labels       map[string]string `json:"labels,omitempty"`
	Ports        []PortBinding     `json:"ports,omitempty"`
	Networks     []string          `json:"networks,omitempty"`
	HealthStatus string            `json:"healthStatus,omitempty"`
}

// MetricType identifies a collected container metric series
type MetricType string

const (
	MetricCPU         MetricType = "cpu"
	MetricMemory      MetricType = "memory"
	MetricMemoryBytes MetricType = "memory_bytes"
	MetricNetworkRx   MetricType = "network_rx"
	MetricNetworkTx   MetricType = "network_tx"
)

// MetricSample is one point of a container metric series
type MetricSample struct {
	EndpointID    int        `json:"endpointId" db:"endpoint_id"`
	ContainerID   string     `json:"containerId" db:"container_id"`
	ContainerName string     `json:"containerName" db:"container_name"`
	MetricType    MetricType `json:"metricType" db:"metric_type"`
	Value         float64    `json:"value" db:"value"`
	Timestamp     time.Time  `json:"timestamp" db:"timestamp"`
}

// MovingAverageStats summarizes a metric window for anomaly detection
type MovingAverageStats struct {
	Mean        float64 `json:"mean" db:"mean"`
	StdDev      float64 `json:"std_dev" db:"std_dev"`
	SampleCount int     `json:"sample_count" db:"sample_count"`
}

// Snapshot is the per-cycle fleet summary persisted to monitoring_snapshots
type Snapshot struct {
	ID                  int64     `json:"id" db:"id"`
	ContainersRunning   int       `json:"containersRunning" db:"containers_running"`
	ContainersStopped   int       `json:"containersStopped" db:"containers_stopped"`
	ContainersUnhealthy int       `json:"containersUnhealthy" db:"containers_unhealthy"`
	EndpointsUp         int       `json:"endpointsUp" db:"endpoints_up"`
	EndpointsDown       int       `json:"endpointsDown" db:"endpoints_down"`
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
}
