package notify

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// LogStore persists notification_log rows
type LogStore struct {
	db *sqlx.DB
}

// NewLogStore builds a LogStore
func NewLogStore(db *sqlx.DB) *LogStore {
	return &LogStore{db: db}
}

// WriteNotificationLog records one delivery attempt
func (s *LogStore) WriteNotificationLog(ctx context.Context, channel, eventType, title, body string, severity string, containerID, containerName string, endpointID int, status string, errMsg *string) error {
	const query = `
		INSERT INTO notification_log (channel, event_type, title, body, severity,
		                              container_id, container_name, endpoint_id, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		channel, eventType, title, body, severity, containerID, containerName, endpointID, status, errMsg)
	return errors.Wrap(err, "write notification log")
}

// Recent returns the newest delivery attempts
func (s *LogStore) Recent(ctx context.Context, limit int) ([]models.NotificationLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.NotificationLogEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, channel, event_type, title, body, severity, container_id,
		       container_name, endpoint_id, status, error, created_at
		FROM notification_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list notification log")
	}
	return out, nil
}
