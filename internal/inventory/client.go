// Package inventory is the client for the upstream container inventory API.
// Every per-endpoint operation runs behind that endpoint's circuit breaker;
// an open circuit rejects immediately with ErrCircuitOpen.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// Client talks to the upstream inventory API
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	breakers *BreakerRegistry
	logger   observability.Logger
}

// NewClient builds the inventory client and its breaker registry
func NewClient(cfg config.InventoryConfig, logger observability.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		breakers: NewBreakerRegistry(cfg.CircuitFailureThreshold, cfg.CircuitCooldown, cfg.DegradedLatency, logger, metrics),
		logger:   logger,
	}
}

// Breakers exposes the circuit/degraded checks the monitoring cycle consults
// before fanning out.
func (c *Client) Breakers() *BreakerRegistry { return c.breakers }

// IsCircuitOpen reports whether the endpoint's circuit is open
func (c *Client) IsCircuitOpen(endpointID int) bool {
	return c.breakers.IsCircuitOpen(endpointID)
}

// IsEndpointDegraded reports whether the endpoint is in the degraded state
func (c *Client) IsEndpointDegraded(endpointID int) bool {
	return c.breakers.IsEndpointDegraded(endpointID)
}

// RawEndpoint is the upstream endpoint DTO
type RawEndpoint struct {
	ID       int    `json:"Id"`
	Name     string `json:"Name"`
	Status   int    `json:"Status"` // 1 up, 2 down
	Type     int    `json:"Type"`
	Snapshots []struct {
		RunningContainerCount   int `json:"RunningContainerCount"`
		StoppedContainerCount   int `json:"StoppedContainerCount"`
		HealthyContainerCount   int `json:"HealthyContainerCount"`
		UnhealthyContainerCount int `json:"UnhealthyContainerCount"`
		StackCount              int `json:"StackCount"`
	} `json:"Snapshots"`
	SecuritySettings struct {
		AllowContainerCapabilities bool `json:"allowContainerCapabilitiesForRegularUsers"`
	} `json:"SecuritySettings"`
	EdgeID string `json:"EdgeID,omitempty"`
}

// RawContainer is the upstream container listing DTO
type RawContainer struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Status string            `json:"Status"`
	Labels map[string]string `json:"Labels"`
	Ports  []struct {
		PrivatePort int    `json:"PrivatePort"`
		PublicPort  int    `json:"PublicPort"`
		Type        string `json:"Type"`
	} `json:"Ports"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
	HostConfig struct {
		Privileged  bool     `json:"Privileged,omitempty"`
		PidMode     string   `json:"PidMode,omitempty"`
		NetworkMode string   `json:"NetworkMode,omitempty"`
		IpcMode     string   `json:"IpcMode,omitempty"`
		Binds       []string `json:"Binds,omitempty"`
	} `json:"HostConfig"`
	Mounts []struct {
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
	} `json:"Mounts"`
}

// RawImage is the upstream image listing DTO
type RawImage struct {
	ID       string   `json:"Id"`
	RepoTags []string `json:"RepoTags"`
	Size     int64    `json:"Size"`
	Created  int64    `json:"Created"`
}

// ExecConfig is the request body for creating an exec instance
type ExecConfig struct {
	Cmd          []string `json:"Cmd"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
}

// ExecInspect is the state of an exec instance
type ExecInspect struct {
	ID       string `json:"ID"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
}

// EdgeJob is an async job scheduled on an edge endpoint
type EdgeJob struct {
	ID        int    `json:"Id"`
	Name      string `json:"Name"`
	Recurring bool   `json:"Recurring"`
}

// EdgeJobTask is one task of an edge job
type EdgeJobTask struct {
	ID         string `json:"Id"`
	EndpointID int    `json:"EndpointId"`
	LogsStatus int    `json:"LogsStatus"` // 1 idle, 2 pending, 3 collected
}

// GetEndpoints lists all endpoints. Not gated by a breaker: the endpoint
// list itself is the fan-out source.
func (c *Client) GetEndpoints(ctx context.Context) ([]RawEndpoint, error) {
	var out []RawEndpoint
	if err := c.doJSON(ctx, http.MethodGet, "/api/endpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetContainers lists all containers on an endpoint
func (c *Client) GetContainers(ctx context.Context, endpointID int) ([]RawContainer, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json?all=true", endpointID)
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		var out []RawContainer
		start := time.Now()
		err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
		c.breakers.ObserveLatency(endpointID, time.Since(start))
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]RawContainer), nil
}

// GetImages lists images on an endpoint
func (c *Client) GetImages(ctx context.Context, endpointID int) ([]RawImage, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/json", endpointID)
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		var out []RawImage
		err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]RawImage), nil
}

// GetContainerLogs fetches the container log tail used by log analysis
func (c *Client) GetContainerLogs(ctx context.Context, endpointID int, containerID string, tailLines int) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/logs?stdout=true&stderr=true&tail=%d",
		endpointID, url.PathEscape(containerID), tailLines)
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		return c.doRaw(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return "", err
	}
	return string(result.([]byte)), nil
}

// CreateContainer creates a container from a spec body
func (c *Client) CreateContainer(ctx context.Context, endpointID int, name string, spec interface{}) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/create?name=%s", endpointID, url.QueryEscape(name))
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		var out struct {
			ID string `json:"Id"`
		}
		err := c.doJSON(ctx, http.MethodPost, path, spec, &out)
		return out.ID, err
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// StartContainer starts a container
func (c *Client) StartContainer(ctx context.Context, endpointID int, containerID string) error {
	return c.containerAction(ctx, endpointID, containerID, "start")
}

// StopContainer stops a container
func (c *Client) StopContainer(ctx context.Context, endpointID int, containerID string) error {
	return c.containerAction(ctx, endpointID, containerID, "stop")
}

// RestartContainer restarts a container
func (c *Client) RestartContainer(ctx context.Context, endpointID int, containerID string) error {
	return c.containerAction(ctx, endpointID, containerID, "restart")
}

// RemoveContainer removes a container
func (c *Client) RemoveContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s?force=true", endpointID, url.PathEscape(containerID))
	_, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		return nil, c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	})
	return err
}

func (c *Client) containerAction(ctx context.Context, endpointID int, containerID, action string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/%s", endpointID, url.PathEscape(containerID), action)
	_, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		start := time.Now()
		err := c.doJSON(ctx, http.MethodPost, path, nil, nil)
		c.breakers.ObserveLatency(endpointID, time.Since(start))
		return nil, err
	})
	return err
}

// CreateExec creates an exec instance in a container
func (c *Client) CreateExec(ctx context.Context, endpointID int, containerID string, cfg ExecConfig) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/exec", endpointID, url.PathEscape(containerID))
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		var out struct {
			ID string `json:"Id"`
		}
		err := c.doJSON(ctx, http.MethodPost, path, cfg, &out)
		return out.ID, err
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// StartExec starts an exec instance and returns its combined output
func (c *Client) StartExec(ctx context.Context, endpointID int, execID string) ([]byte, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/exec/%s/start", endpointID, url.PathEscape(execID))
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		return c.doRaw(ctx, http.MethodPost, path, map[string]bool{"Detach": false, "Tty": true})
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// InspectExec returns the state of an exec instance
func (c *Client) InspectExec(ctx context.Context, endpointID int, execID string) (*ExecInspect, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/exec/%s/json", endpointID, url.PathEscape(execID))
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		var out ExecInspect
		err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
		return &out, err
	})
	if err != nil {
		return nil, err
	}
	return result.(*ExecInspect), nil
}

// GetArchive downloads a path from a container filesystem as a tar stream
func (c *Client) GetArchive(ctx context.Context, endpointID int, containerID, archivePath string) ([]byte, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/archive?path=%s",
		endpointID, url.PathEscape(containerID), url.QueryEscape(archivePath))
	result, err := c.breakers.Execute(endpointID, func() (interface{}, error) {
		return c.doRaw(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// CreateEdgeJob schedules an async job on an edge endpoint
func (c *Client) CreateEdgeJob(ctx context.Context, endpointID int, name, script string) (*EdgeJob, error) {
	body := map[string]interface{}{
		"name":           name,
		"fileContent":    script,
		"endpoints":      []int{endpointID},
		"cronExpression": "",
		"recurring":      false,
	}
	var out EdgeJob
	if err := c.doJSON(ctx, http.MethodPost, "/api/edge_jobs?method=string", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEdgeJobTasks lists the tasks of an edge job
func (c *Client) GetEdgeJobTasks(ctx context.Context, jobID int) ([]EdgeJobTask, error) {
	var out []EdgeJobTask
	path := fmt.Sprintf("/api/edge_jobs/%d/tasks", jobID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CollectEdgeJobTaskLogs asks the agent to upload logs for a task
func (c *Client) CollectEdgeJobTaskLogs(ctx context.Context, jobID int, taskID string) error {
	path := fmt.Sprintf("/api/edge_jobs/%d/tasks/%s/logs", jobID, url.PathEscape(taskID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// GetEdgeJobTaskLogs downloads collected logs for a task
func (c *Client) GetEdgeJobTaskLogs(ctx context.Context, jobID int, taskID string) (string, error) {
	path := fmt.Sprintf("/api/edge_jobs/%d/tasks/%s/logs", jobID, url.PathEscape(taskID))
	data, err := c.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		FileContent string `json:"FileContent"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data), nil
	}
	return out.FileContent, nil
}

// DeleteEdgeJob removes an edge job
func (c *Client) DeleteEdgeJob(ctx context.Context, jobID int) error {
	path := fmt.Sprintf("/api/edge_jobs/%d", jobID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	data, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &UpstreamError{Kind: FailurePermanent, Op: method + " " + path, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &UpstreamError{Kind: FailurePermanent, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &UpstreamError{Kind: FailurePermanent, Op: op, Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: FailureTransient, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Kind: FailureTransient, Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Op:         op,
			Err:        errors.New(truncate(string(data), 200)),
		}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
