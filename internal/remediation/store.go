// Package remediation implements the operator-approved action workflow:
// pending -> approved|rejected, approved -> executing -> completed|failed.
// Every transition is a single guarded UPDATE so a row can never be observed
// in an invalid state.
package remediation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// ErrNotFound is returned when the action row does not exist
var ErrNotFound = errors.New("remediation: action not found")

// ConflictError reports an invalid state transition with the row's current
// status so the HTTP layer can return it in the 409 body.
type ConflictError struct {
	ActionID      uuid.UUID
	CurrentStatus models.ActionStatus
	Wanted        models.ActionStatus
}

func (e *ConflictError) Error() string {
	return "remediation: action " + e.ActionID.String() + " is " + string(e.CurrentStatus) + ", cannot move to " + string(e.Wanted)
}

const actionColumns = `
	id, insight_id, endpoint_id, container_id, container_name, action_type,
	rationale, status, approved_by, approved_at, rejected_by, rejected_at,
	rejection_reason, executed_at, completed_at, execution_result,
	execution_duration_ms, created_at`

// Store reads and writes action rows
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending action
func (s *Store) Create(ctx context.Context, a *models.Action) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = models.ActionPending
	a.CreatedAt = time.Now()

	const query = `
		INSERT INTO actions (id, insight_id, endpoint_id, container_id, container_name,
		                     action_type, rationale, status, created_at)
		VALUES (:id, :insight_id, :endpoint_id, :container_id, :container_name,
		        :action_type, :rationale, :status, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, a); err != nil {
		return errors.Wrap(err, "create action")
	}
	return nil
}

// Get fetches one action by id
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	var a models.Action
	err := s.db.GetContext(ctx, &a, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get action")
	}
	return &a, nil
}

// List returns actions newest first, optionally filtered by status
func (s *Store) List(ctx context.Context, status models.ActionStatus, limit int) ([]models.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		out []models.Action
		err error
	)
	if status == "" {
		err = s.db.SelectContext(ctx, &out,
			`SELECT `+actionColumns+` FROM actions ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out,
			`SELECT `+actionColumns+` FROM actions WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list actions")
	}
	return out, nil
}

// Approve moves pending -> approved
func (s *Store) Approve(ctx context.Context, id uuid.UUID, approvedBy string) (*models.Action, error) {
	const query = `
		UPDATE actions
		SET status = 'approved', approved_by = $2, approved_at = now()
		WHERE id = $1 AND status = 'pending'`
	return s.transition(ctx, id, models.ActionApproved, query, id, approvedBy)
}

// Reject moves pending -> rejected
func (s *Store) Reject(ctx context.Context, id uuid.UUID, rejectedBy, reason string) (*models.Action, error) {
	const query = `
		UPDATE actions
		SET status = 'rejected', rejected_by = $2, rejected_at = now(), rejection_reason = $3
		WHERE id = $1 AND status = 'pending'`
	return s.transition(ctx, id, models.ActionRejected, query, id, rejectedBy, reason)
}

// MarkExecuting moves approved -> executing
func (s *Store) MarkExecuting(ctx context.Context, id uuid.UUID) (*models.Action, error) {
	const query = `
		UPDATE actions
		SET status = 'executing', executed_at = now()
		WHERE id = $1 AND status = 'approved'`
	return s.transition(ctx, id, models.ActionExecuting, query, id)
}

// MarkCompleted moves executing -> completed
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, result string, durationMS int64) (*models.Action, error) {
	const query = `
		UPDATE actions
		SET status = 'completed', completed_at = now(), execution_result = $2, execution_duration_ms = $3
		WHERE id = $1 AND status = 'executing'`
	return s.transition(ctx, id, models.ActionCompleted, query, id, result, durationMS)
}

// MarkFailed moves executing -> failed
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, durationMS int64) (*models.Action, error) {
	const query = `
		UPDATE actions
		SET status = 'failed', completed_at = now(), execution_result = $2, execution_duration_ms = $3
		WHERE id = $1 AND status = 'executing'`
	return s.transition(ctx, id, models.ActionFailed, query, id, errMsg, durationMS)
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, wanted models.ActionStatus, query string, args ...interface{}) (*models.Action, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "transition action to %s", wanted)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr // ErrNotFound or a read failure
		}
		return nil, &ConflictError{ActionID: id, CurrentStatus: current.Status, Wanted: wanted}
	}
	return s.Get(ctx, id)
}
