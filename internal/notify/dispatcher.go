// Package notify fans alerts out to the configured channels with a
// per-(container, event) cooldown. The cooldown is recorded only when at
// least one channel delivered, so a fully failed dispatch retries on the
// next occurrence.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/harborwatch/harborwatch/internal/observability"
)

const dispatchCooldown = 15 * time.Minute

// SettingsReader resolves per-channel enablement overrides from the DB.
// The second return is false when no override exists.
type SettingsReader interface {
	GetBool(ctx context.Context, key string) (bool, bool)
}

// LogWriter persists one notification_log row per attempt
type LogWriter interface {
	WriteNotificationLog(ctx context.Context, channel, eventType, title, body string, severity string, containerID, containerName string, endpointID int, status string, errMsg *string) error
}

// Dispatcher delivers notifications across channels
type Dispatcher struct {
	channels []Channel
	enabled  map[string]bool // config fallback per channel name
	settings SettingsReader
	logs     LogWriter

	mu        sync.Mutex
	cooldowns map[string]time.Time

	limiter *rate.Limiter
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDispatcher builds the dispatcher. enabled maps channel name to the
// static config default; DB settings with key "notify_<channel>_enabled"
// override it per dispatch.
func NewDispatcher(channels []Channel, enabled map[string]bool, settings SettingsReader, logs LogWriter, logger observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		channels:  channels,
		enabled:   enabled,
		settings:  settings,
		logs:      logs,
		cooldowns: make(map[string]time.Time),
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Dispatch sends the notification on every enabled channel. Returns the
// number of channels that delivered. A dispatch in flight holds its cooldown
// key, so a concurrent dispatch for the same container and event is
// suppressed rather than double-delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) int {
	key := n.ContainerID + ":" + n.EventType

	d.mu.Lock()
	if at, ok := d.cooldowns[key]; ok && d.now().Sub(at) < dispatchCooldown {
		d.mu.Unlock()
		d.logger.Debug("Notification suppressed by cooldown", map[string]interface{}{
			"key": key,
		})
		return 0
	}
	d.cooldowns[key] = d.now()
	d.mu.Unlock()

	if err := d.limiter.Wait(ctx); err != nil {
		d.mu.Lock()
		delete(d.cooldowns, key)
		d.mu.Unlock()
		return 0
	}

	delivered := 0
	for _, ch := range d.channels {
		if !d.channelEnabled(ctx, ch.Name()) {
			continue
		}

		err := ch.Send(ctx, n)
		status := "sent"
		var errMsg *string
		if err != nil {
			status = "failed"
			msg := err.Error()
			errMsg = &msg
			d.logger.Warn("Notification delivery failed", map[string]interface{}{
				"channel": ch.Name(),
				"error":   msg,
			})
		} else {
			delivered++
		}

		if d.metrics != nil {
			d.metrics.NotificationSends.WithLabelValues(ch.Name(), status).Inc()
		}
		if d.logs != nil {
			if logErr := d.logs.WriteNotificationLog(ctx, ch.Name(), n.EventType, n.Title, n.Body,
				string(n.Severity), n.ContainerID, n.ContainerName, n.EndpointID, status, errMsg); logErr != nil {
				d.logger.Error("Failed to write notification log", map[string]interface{}{
					"error": logErr.Error(),
				})
			}
		}
	}

	d.mu.Lock()
	if delivered > 0 {
		d.cooldowns[key] = d.now()
	} else {
		// Nothing delivered: release the reservation so the next occurrence
		// retries.
		delete(d.cooldowns, key)
	}
	d.mu.Unlock()
	return delivered
}

func (d *Dispatcher) channelEnabled(ctx context.Context, name string) bool {
	if d.settings != nil {
		if v, ok := d.settings.GetBool(ctx, "notify_"+name+"_enabled"); ok {
			return v
		}
	}
	return d.enabled[name]
}
