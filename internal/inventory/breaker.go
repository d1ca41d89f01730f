package inventory

import (
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/harborwatch/harborwatch/internal/observability"
)

// BreakerRegistry keeps one circuit breaker per endpoint plus the softer
// "degraded" flag driven by observed latency. Degraded endpoints are skipped
// by the monitoring cycle but still accept direct calls.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[int]*gobreaker.CircuitBreaker
	degraded map[int]time.Time

	failureThreshold uint32
	cooldown         time.Duration
	degradedLatency  time.Duration
	degradedWindow   time.Duration

	logger  observability.Logger
	metrics *observability.Metrics
}

// NewBreakerRegistry builds the registry. failureThreshold consecutive
// failures open an endpoint's circuit for cooldown; half-open lets a single
// probe through.
func NewBreakerRegistry(failureThreshold int, cooldown, degradedLatency time.Duration, logger observability.Logger, metrics *observability.Metrics) *BreakerRegistry {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &BreakerRegistry{
		breakers:         make(map[int]*gobreaker.CircuitBreaker),
		degraded:         make(map[int]time.Time),
		failureThreshold: uint32(failureThreshold),
		cooldown:         cooldown,
		degradedLatency:  degradedLatency,
		degradedWindow:   5 * time.Minute,
		logger:           logger,
		metrics:          metrics,
	}
}

func (r *BreakerRegistry) breaker(endpointID int) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[endpointID]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[endpointID]; ok {
		return cb
	}

	threshold := r.failureThreshold
	settings := gobreaker.Settings{
		Name:        "endpoint-" + strconv.Itoa(endpointID),
		MaxRequests: 1, // single half-open probe
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("Circuit breaker state change", map[string]interface{}{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			})
			if r.metrics != nil {
				r.metrics.CircuitState.WithLabelValues(strconv.Itoa(endpointID)).Set(stateGauge(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	r.breakers[endpointID] = cb
	return cb
}

// Execute runs fn behind the endpoint's breaker. Open-circuit rejections are
// rewritten to ErrCircuitOpen so they stay distinct from upstream failures.
func (r *BreakerRegistry) Execute(endpointID int, fn func() (interface{}, error)) (interface{}, error) {
	result, err := r.breaker(endpointID).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// IsCircuitOpen reports whether the endpoint's circuit currently rejects calls
func (r *BreakerRegistry) IsCircuitOpen(endpointID int) bool {
	return r.breaker(endpointID).State() == gobreaker.StateOpen
}

// ObserveLatency marks the endpoint degraded when an operation ran slower
// than the configured latency ceiling.
func (r *BreakerRegistry) ObserveLatency(endpointID int, d time.Duration) {
	if r.degradedLatency <= 0 || d < r.degradedLatency {
		return
	}
	r.mu.Lock()
	r.degraded[endpointID] = time.Now()
	r.mu.Unlock()
	r.logger.Warn("Endpoint marked degraded", map[string]interface{}{
		"endpoint_id": endpointID,
		"latency_ms":  d.Milliseconds(),
	})
}

// IsEndpointDegraded reports whether the endpoint saw degraded latency
// within the degraded window.
func (r *BreakerRegistry) IsEndpointDegraded(endpointID int) bool {
	r.mu.RLock()
	at, ok := r.degraded[endpointID]
	r.mu.RUnlock()
	return ok && time.Since(at) < r.degradedWindow
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
