// Package incident groups related insights around a root cause.
package incident

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// ErrNotFound is returned when an incident row does not exist
var ErrNotFound = errors.New("incident: not found")

const incidentColumns = `
	id, title, severity, root_cause_insight_id, related_insight_ids,
	affected_containers, correlation_type, correlation_confidence,
	insight_count, created_at`

// Store reads and writes incident rows. Array columns are native Postgres
// arrays and round-trip in order.
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts one incident
func (s *Store) Create(ctx context.Context, inc *models.Incident) error {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	inc.InsightCount = len(inc.RelatedInsightIDs)

	const query = `
		INSERT INTO incidents (id, title, severity, root_cause_insight_id, related_insight_ids,
		                       affected_containers, correlation_type, correlation_confidence,
		                       insight_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		inc.ID, inc.Title, inc.Severity, inc.RootCauseInsightID, inc.RelatedInsightIDs,
		inc.AffectedContainers, inc.CorrelationType, inc.CorrelationConfidence,
		inc.InsightCount, inc.CreatedAt)
	return errors.Wrap(err, "create incident")
}

// Get fetches one incident by id
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	var inc models.Incident
	err := s.db.GetContext(ctx, &inc, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get incident")
	}
	return &inc, nil
}

// List returns incidents newest first
func (s *Store) List(ctx context.Context, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Incident
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list incidents")
	}
	return out, nil
}

// RecentExists reports whether an incident with the same title was created
// inside the window. Used to keep repeated cycles from stacking duplicates.
func (s *Store) RecentExists(ctx context.Context, title string, window time.Duration) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM incidents WHERE title = $1 AND created_at > $2`,
		title, time.Now().Add(-window))
	if err != nil {
		return false, errors.Wrap(err, "check recent incidents")
	}
	return count > 0, nil
}
