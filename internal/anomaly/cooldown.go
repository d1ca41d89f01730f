package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/harborwatch/harborwatch/internal/observability"
)

// ThresholdVariant is appended to cooldown keys for the hard-threshold pass
// so statistical and threshold alerts cool down independently.
const ThresholdVariant = ":threshold"

// sweepInterval is how often expired cooldown entries are removed
const sweepInterval = 15 * time.Minute

// CooldownRegistry suppresses repeat alerts per (container, metric[, variant])
// key. Process-local: multi-replica deployments may emit duplicates.
type CooldownRegistry struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown func() time.Duration
	logger   observability.Logger
	now      func() time.Time
}

// NewCooldownRegistry builds a registry. cooldown is read per call so a
// settings change applies without restart; a zero duration disables
// suppression entirely.
func NewCooldownRegistry(cooldown func() time.Duration, logger observability.Logger) *CooldownRegistry {
	return &CooldownRegistry{
		lastSent: make(map[string]time.Time),
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow reports whether an alert for key may be emitted now. On success the
// key's timestamp is recorded before the caller emits.
func (r *CooldownRegistry) Allow(key string) bool {
	window := r.cooldown()
	if window <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.lastSent[key]; ok && now.Sub(last) < window {
		return false
	}
	r.lastSent[key] = now
	return true
}

// Contains reports whether key currently has a cooldown entry
func (r *CooldownRegistry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lastSent[key]
	return ok
}

// Len returns the number of live cooldown entries
func (r *CooldownRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lastSent)
}

// Sweep removes entries older than the current cooldown window
func (r *CooldownRegistry) Sweep() int {
	window := r.cooldown()
	if window <= 0 {
		window = sweepInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, at := range r.lastSent {
		if now.Sub(at) >= window {
			delete(r.lastSent, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every 15 minutes until ctx is cancelled
func (r *CooldownRegistry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.Sweep(); removed > 0 {
					r.logger.Debug("Swept expired anomaly cooldowns", map[string]interface{}{
						"removed": removed,
					})
				}
			}
		}
	}()
}
