package llm

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// TraceStore persists llm_traces rows
type TraceStore struct {
	db *sqlx.DB
}

// NewTraceStore builds a TraceStore
func NewTraceStore(db *sqlx.DB) *TraceStore {
	return &TraceStore{db: db}
}

// WriteTrace records one model call. Only prompt and completion sizes are
// persisted; the texts themselves may contain log content and stay out of
// the database.
func (s *TraceStore) WriteTrace(ctx context.Context, purpose, model, prompt, response string, durationMS int64, errMsg *string) error {
	const query = `
		INSERT INTO llm_traces (id, operation, model, prompt_chars, completion_chars, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`
	_, err := s.db.ExecContext(ctx, query, uuid.New(), purpose, model, len(prompt), len(response), durationMS, errMsg)
	return errors.Wrap(err, "write llm trace")
}
