// Package llm integrates a local Ollama instance for anomaly explanation,
// log analysis, and infra-level triage. Every call is traced to llm_traces.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// Client is the language-model boundary the monitoring cycle depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// Chat sends one prompt and returns the full reply text.
	Chat(ctx context.Context, purpose, prompt string) (string, error)
	// Available reports whether the backing model answers at all.
	Available(ctx context.Context) bool
}

// TraceWriter persists one llm_traces row per call
type TraceWriter interface {
	WriteTrace(ctx context.Context, purpose, model, prompt, response string, durationMS int64, errMsg *string) error
}

// OllamaClient talks to the Ollama HTTP API
type OllamaClient struct {
	baseURL string
	model   string
	http    *http.Client
	traces  TraceWriter
	logger  observability.Logger
}

// NewOllamaClient builds the client. traces may be nil.
func NewOllamaClient(cfg config.AIConfig, traces TraceWriter, logger observability.Logger) *OllamaClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		traces:  traces,
		logger:  logger,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Chat sends one prompt without streaming and records a trace row
func (c *OllamaClient) Chat(ctx context.Context, purpose, prompt string) (string, error) {
	start := time.Now()
	reply, err := c.generate(ctx, prompt)
	durationMS := time.Since(start).Milliseconds()

	if c.traces != nil {
		var errMsg *string
		if err != nil {
			msg := err.Error()
			errMsg = &msg
		}
		if traceErr := c.traces.WriteTrace(ctx, purpose, c.model, prompt, reply, durationMS, errMsg); traceErr != nil {
			c.logger.Error("Failed to write llm trace", map[string]interface{}{
				"purpose": purpose,
				"error":   traceErr.Error(),
			})
		}
	}
	return reply, err
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "ollama request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("ollama returned %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode ollama response")
	}
	return out.Response, nil
}

// Available probes the tags endpoint with a short deadline
func (c *OllamaClient) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Ping is the health-check probe; it reuses Available
func (c *OllamaClient) Ping(ctx context.Context) error {
	if !c.Available(ctx) {
		return fmt.Errorf("ollama at %s not responding", c.baseURL)
	}
	return nil
}
