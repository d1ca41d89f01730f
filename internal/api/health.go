package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborwatch/harborwatch/internal/cache"
	"github.com/harborwatch/harborwatch/internal/observability"
)

const readyCacheTTL = 30 // seconds, for external probes

// DependencyCheck probes one dependency. URL is only ever shown on the
// authenticated detail route.
type DependencyCheck struct {
	Name string
	URL  string
	Ping func(ctx context.Context) error
}

type checkResult struct {
	Status string `json:"status"` // healthy | unhealthy
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	Status string                 `json:"status"` // healthy | degraded | unhealthy
	Checks map[string]checkResult `json:"checks"`
}

// HealthChecker aggregates dependency probes behind a short SWR cache so
// external load balancers cannot stampede the dependencies.
type HealthChecker struct {
	checks []DependencyCheck
	cache  *cache.SWRCache
	logger observability.Logger

	mu   sync.Mutex
	last *readiness
}

// NewHealthChecker builds the checker. swr may be nil; results are then
// computed per request.
func NewHealthChecker(checks []DependencyCheck, swr *cache.SWRCache, logger observability.Logger) *HealthChecker {
	return &HealthChecker{checks: checks, cache: swr, logger: logger}
}

func (h *HealthChecker) run(ctx context.Context) *readiness {
	results := make(map[string]checkResult, len(h.checks))
	healthy := 0
	for _, check := range h.checks {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check.Ping(probeCtx)
		cancel()

		result := checkResult{Status: "healthy", URL: check.URL}
		if err != nil {
			result.Status = "unhealthy"
			result.Error = err.Error()
		} else {
			healthy++
		}
		results[check.Name] = result
	}

	// Any failing dependency fails readiness; an instance that cannot reach
	// its database must not keep receiving traffic.
	status := "healthy"
	if healthy < len(h.checks) {
		status = "unhealthy"
	}
	return &readiness{Status: status, Checks: results}
}

// Ready returns the cached readiness, refreshing through the SWR cache
func (h *HealthChecker) Ready(ctx context.Context) *readiness {
	if h.cache == nil {
		return h.run(ctx)
	}
	value, err := h.cache.CachedFetchSWR(ctx, "health:ready", readyCacheTTL, func(ctx context.Context) (interface{}, error) {
		r := h.run(ctx)
		h.mu.Lock()
		h.last = r
		h.mu.Unlock()
		return r, nil
	})
	if err == nil {
		if r, ok := value.(*readiness); ok {
			return r
		}
	}
	// L2 deserialization or a cache fault: fall back to the last computed
	// value, or compute fresh.
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last != nil {
		return last
	}
	return h.run(ctx)
}

// redact strips URL and error details for the unauthenticated route
func (r *readiness) redact() *readiness {
	out := &readiness{Status: r.Status, Checks: make(map[string]checkResult, len(r.Checks))}
	for name, check := range r.Checks {
		out.Checks[name] = checkResult{Status: check.Status}
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	r := s.health.Ready(c.Request.Context()).redact()
	c.JSON(statusForReadiness(r.Status), r)
}

func (s *Server) handleReadyDetail(c *gin.Context) {
	r := s.health.Ready(c.Request.Context())
	c.JSON(statusForReadiness(r.Status), r)
}

func statusForReadiness(status string) int {
	if status == "unhealthy" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
