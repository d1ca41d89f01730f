// Package audit persists the append-only trail of privileged operations.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// Store writes and reads audit_log rows
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Write appends one audit entry. Details are serialized to JSONB.
func (s *Store) Write(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var details []byte
	if entry.Details != nil {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return errors.Wrap(err, "marshal audit details")
		}
	}

	const query = `
		INSERT INTO audit_log (id, user_id, username, action, target_type, target_id,
		                       request_id, ip_address, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Username, entry.Action, entry.TargetType,
		entry.TargetID, entry.RequestID, entry.IPAddress, details, entry.CreatedAt)
	return errors.Wrap(err, "write audit entry")
}

// auditRow mirrors the table for reads; details stay raw until decoded
type auditRow struct {
	ID         uuid.UUID       `db:"id"`
	UserID     string          `db:"user_id"`
	Username   string          `db:"username"`
	Action     string          `db:"action"`
	TargetType string          `db:"target_type"`
	TargetID   string          `db:"target_id"`
	RequestID  string          `db:"request_id"`
	IPAddress  string          `db:"ip_address"`
	Details    json.RawMessage `db:"details"`
	CreatedAt  time.Time       `db:"created_at"`
}

// Recent returns the newest entries, optionally scoped to one target
func (s *Store) Recent(ctx context.Context, targetType, targetID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows []auditRow
		err  error
	)
	if targetType == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, user_id, username, action, target_type, target_id,
			       request_id, ip_address, details, created_at
			FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, user_id, username, action, target_type, target_id,
			       request_id, ip_address, details, created_at
			FROM audit_log
			WHERE target_type = $1 AND target_id = $2
			ORDER BY created_at DESC LIMIT $3`, targetType, targetID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list audit entries")
	}

	out := make([]models.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entry := models.AuditEntry{
			ID:         r.ID,
			UserID:     r.UserID,
			Username:   r.Username,
			Action:     r.Action,
			TargetType: r.TargetType,
			TargetID:   r.TargetID,
			RequestID:  r.RequestID,
			IPAddress:  r.IPAddress,
			CreatedAt:  r.CreatedAt,
		}
		if len(r.Details) > 0 {
			_ = json.Unmarshal(r.Details, &entry.Details)
		}
		out = append(out, entry)
	}
	return out, nil
}
