// Package webhook delivers domain events to registered HTTP targets with
// HMAC-signed bodies.
package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// ErrNotFound is returned when a webhook row does not exist
var ErrNotFound = errors.New("webhook: not found")

type webhookRow struct {
	ID         uuid.UUID      `db:"id"`
	URL        string         `db:"url"`
	Secret     string         `db:"secret"`
	EventTypes pq.StringArray `db:"event_types"`
	Enabled    bool           `db:"enabled"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r webhookRow) toModel() models.Webhook {
	return models.Webhook{
		ID:         r.ID,
		URL:        r.URL,
		Secret:     r.Secret,
		EventTypes: []string(r.EventTypes),
		Enabled:    r.Enabled,
		CreatedAt:  r.CreatedAt,
	}
}

// Store reads and writes webhook registrations and delivery attempts
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create registers a new webhook
func (s *Store) Create(ctx context.Context, w *models.Webhook) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now()
	const query = `
		INSERT INTO webhooks (id, url, secret, event_types, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.URL, w.Secret, pq.StringArray(w.EventTypes), w.Enabled, w.CreatedAt)
	return errors.Wrap(err, "create webhook")
}

// Get fetches one webhook
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, url, secret, event_types, enabled, created_at FROM webhooks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get webhook")
	}
	w := row.toModel()
	return &w, nil
}

// List returns all webhooks
func (s *Store) List(ctx context.Context) ([]models.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, url, secret, event_types, enabled, created_at FROM webhooks ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list webhooks")
	}
	out := make([]models.Webhook, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListEnabled returns webhooks eligible for delivery
func (s *Store) ListEnabled(ctx context.Context) ([]models.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, url, secret, event_types, enabled, created_at FROM webhooks WHERE enabled`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled webhooks")
	}
	out := make([]models.Webhook, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// Update rewrites url, secret, event types, and enablement
func (s *Store) Update(ctx context.Context, w *models.Webhook) error {
	const query = `
		UPDATE webhooks SET url = $2, secret = $3, event_types = $4, enabled = $5
		WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query,
		w.ID, w.URL, w.Secret, pq.StringArray(w.EventTypes), w.Enabled)
	if err != nil {
		return errors.Wrap(err, "update webhook")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a webhook and its delivery history
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete webhook")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery appends one delivery attempt
func (s *Store) RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	const query = `
		INSERT INTO webhook_deliveries (id, webhook_id, event_type, status_code, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.WebhookID, d.EventType, d.StatusCode, d.Error, d.DurationMS)
	return errors.Wrap(err, "record webhook delivery")
}

// Deliveries returns the newest attempts for one webhook
func (s *Store) Deliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.WebhookDelivery
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, webhook_id, event_type, status_code, error, duration_ms, created_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list webhook deliveries")
	}
	return out, nil
}
