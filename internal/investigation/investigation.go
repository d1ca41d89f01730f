// Package investigation runs LM-assisted triage over committed insights.
// The trigger is strictly gated on the batch insert's committed-id set, so
// an investigations row can never reference a deduplicated-away insight.
package investigation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/llm"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// ErrNotFound is returned when an investigation row does not exist
var ErrNotFound = errors.New("investigation: not found")

// Store reads and writes investigations rows
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending investigation for a committed insight
func (s *Store) Create(ctx context.Context, insightID uuid.UUID) (*models.Investigation, error) {
	inv := &models.Investigation{
		ID:        uuid.New(),
		InsightID: insightID,
		Status:    models.InvestigationPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	const query = `
		INSERT INTO investigations (id, insight_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, query, inv.ID, inv.InsightID, inv.Status, inv.CreatedAt, inv.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "create investigation")
	}
	return inv, nil
}

// Complete records a successful triage summary
func (s *Store) Complete(ctx context.Context, id uuid.UUID, summary string) error {
	const query = `
		UPDATE investigations SET status = 'completed', summary = $2, updated_at = now()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, summary)
	return errors.Wrap(err, "complete investigation")
}

// Fail records a triage failure
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	const query = `
		UPDATE investigations SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, errMsg)
	return errors.Wrap(err, "fail investigation")
}

// Get fetches one investigation
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Investigation, error) {
	var inv models.Investigation
	err := s.db.GetContext(ctx, &inv, `
		SELECT id, insight_id, status, summary, error, created_at, updated_at
		FROM investigations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get investigation")
	}
	return &inv, nil
}

// ListForInsight returns the investigations attached to one insight
func (s *Store) ListForInsight(ctx context.Context, insightID uuid.UUID) ([]models.Investigation, error) {
	var out []models.Investigation
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, insight_id, status, summary, error, created_at, updated_at
		FROM investigations WHERE insight_id = $1 ORDER BY created_at DESC`, insightID)
	if err != nil {
		return nil, errors.Wrap(err, "list investigations")
	}
	return out, nil
}

// Trigger decides which committed insights deserve a triage run and fires
// them asynchronously.
type Trigger struct {
	store  *Store
	client llm.Client
	logger observability.Logger
}

// NewTrigger builds a Trigger. client may be nil; triage is skipped.
func NewTrigger(store *Store, client llm.Client, logger observability.Logger) *Trigger {
	return &Trigger{store: store, client: client, logger: logger}
}

// Eligible reports whether an insight qualifies for triage: anomalies
// always, predictive findings unless informational.
func Eligible(in models.Insight) bool {
	switch in.Category {
	case models.CategoryAnomaly:
		return true
	case models.CategoryPredictive:
		return in.Severity != models.SeverityInfo
	default:
		return false
	}
}

// Investigate creates the row and runs the triage synchronously. The cycle
// calls it from a fire-and-forget goroutine.
func (t *Trigger) Investigate(ctx context.Context, in models.Insight) {
	inv, err := t.store.Create(ctx, in.ID)
	if err != nil {
		t.logger.Error("Failed to create investigation", map[string]interface{}{
			"insight_id": in.ID.String(),
			"error":      err.Error(),
		})
		return
	}

	if t.client == nil || !t.client.Available(ctx) {
		_ = t.store.Fail(ctx, inv.ID, "language model unavailable")
		return
	}

	prompt := fmt.Sprintf(
		"Triage this container finding. State the likely root cause and one concrete next step, in three sentences or fewer.\nSeverity: %s\nCategory: %s\nTitle: %s\nDetails: %s",
		in.Severity, in.Category, in.Title, in.Description)
	summary, err := t.client.Chat(ctx, "investigation", prompt)
	if err != nil {
		if failErr := t.store.Fail(ctx, inv.ID, err.Error()); failErr != nil {
			t.logger.Error("Failed to mark investigation failed", map[string]interface{}{
				"investigation_id": inv.ID.String(),
				"error":            failErr.Error(),
			})
		}
		return
	}
	if err := t.store.Complete(ctx, inv.ID, strings.TrimSpace(summary)); err != nil {
		t.logger.Error("Failed to complete investigation", map[string]interface{}{
			"investigation_id": inv.ID.String(),
			"error":            err.Error(),
		})
	}
}
