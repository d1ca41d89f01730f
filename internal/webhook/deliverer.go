package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

const deliveryTimeout = 10 * time.Second

// EventTypeDescriptions lists the subscribable event types for the API
var EventTypeDescriptions = []map[string]string{
	{"type": models.EventInsightCreated, "description": "A new insight was generated"},
	{"type": models.EventAnomalyDetected, "description": "An anomaly was detected on a container metric"},
	{"type": models.EventContainerStateChange, "description": "A container changed state"},
	{"type": models.EventRemediationRequested, "description": "A remediation action was requested"},
	{"type": models.EventRemediationApproved, "description": "A remediation action was approved"},
	{"type": models.EventRemediationRejected, "description": "A remediation action was rejected"},
	{"type": models.EventRemediationCompleted, "description": "A remediation action finished executing"},
	{"type": "*", "description": "All events"},
}

// Deliverer subscribes to the event bus and posts matching events to every
// registered target. Bodies are signed with the per-webhook secret;
// redirects are never followed.
type Deliverer struct {
	store  *Store
	http   *http.Client
	logger observability.Logger
}

// NewDeliverer builds a Deliverer
func NewDeliverer(store *Store, logger observability.Logger) *Deliverer {
	return &Deliverer{
		store: store,
		http: &http.Client{
			Timeout: deliveryTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Attach subscribes the deliverer to every bus event
func (d *Deliverer) Attach(bus *events.Bus) {
	bus.OnAny(func(ctx context.Context, ev *models.Event) {
		d.deliverEvent(ctx, *ev)
	})
}

func (d *Deliverer) deliverEvent(ctx context.Context, ev models.Event) {
	hooks, err := d.store.ListEnabled(ctx)
	if err != nil {
		d.logger.Error("Failed to list webhooks for delivery", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(hooks) == 0 {
		return
	}

	dto := models.WebhookEvent{
		ID:        uuid.New(),
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
	body, err := json.Marshal(dto)
	if err != nil {
		return
	}

	for _, hook := range hooks {
		if !d.subscribed(hook, ev.Type) {
			continue
		}
		go d.deliverOne(hook, ev.Type, body, dto.ID)
	}
}

func (d *Deliverer) subscribed(hook models.Webhook, eventType string) bool {
	if len(hook.EventTypes) == 0 {
		return true
	}
	for _, pattern := range hook.EventTypes {
		if events.Matches(pattern, eventType) {
			return true
		}
	}
	return false
}

func (d *Deliverer) deliverOne(hook models.Webhook, eventType string, body []byte, deliveryID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	statusCode, err := d.post(ctx, hook, eventType, body, deliveryID)
	durationMS := time.Since(start).Milliseconds()

	delivery := &models.WebhookDelivery{
		ID:         deliveryID,
		WebhookID:  hook.ID,
		EventType:  eventType,
		StatusCode: statusCode,
		DurationMS: durationMS,
	}
	if err != nil {
		msg := err.Error()
		delivery.Error = &msg
		d.logger.Warn("Webhook delivery failed", map[string]interface{}{
			"webhook_id": hook.ID.String(),
			"event":      eventType,
			"error":      msg,
		})
	}
	if recErr := d.store.RecordDelivery(ctx, delivery); recErr != nil {
		d.logger.Error("Failed to record webhook delivery", map[string]interface{}{
			"webhook_id": hook.ID.String(),
			"error":      recErr.Error(),
		})
	}
}

func (d *Deliverer) post(ctx context.Context, hook models.Webhook, eventType string, body []byte, deliveryID uuid.UUID) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+Sign(hook.Secret, body))
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Delivery", deliveryID.String())

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
