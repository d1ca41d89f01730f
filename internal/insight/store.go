// Package insight persists insights. The batch insert is the commit point
// for a cycle's findings: only ids returned in the committed set may be
// referenced by downstream rows (investigations, incidents).
package insight

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// dedupTitlePrefixLen bounds the title fragment in the dedup key so small
// wording differences (counters, timestamps) still collapse.
const dedupTitlePrefixLen = 40

// Store reads and writes insight rows
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DedupKey composes the idempotence key for an insight: the same bug on the
// same container within the same hour maps to the same key across cycles.
func DedupKey(in *models.Insight) string {
	containerID := ""
	if in.ContainerID != nil {
		containerID = *in.ContainerID
	}
	title := in.Title
	if len(title) > dedupTitlePrefixLen {
		title = title[:dedupTitlePrefixLen]
	}
	bucket := in.CreatedAt.UTC().Truncate(time.Hour).Format("2006010215")
	return fmt.Sprintf("%s|%s|%s|%s", in.Category, containerID, title, bucket)
}

const insertQuery = `
	INSERT INTO insights (
		id, endpoint_id, endpoint_name, container_id, container_name,
		severity, category, title, description, suggested_action,
		dedup_key, is_acknowledged, created_at
	) VALUES (
		:id, :endpoint_id, :endpoint_name, :container_id, :container_name,
		:severity, :category, :title, :description, :suggested_action,
		:dedup_key, :is_acknowledged, :created_at
	)
	ON CONFLICT (dedup_key) DO NOTHING
	RETURNING id`

type insertRow struct {
	models.Insight
	DedupKey string `db:"dedup_key"`
}

// Insert writes a single insight, ignoring dedup conflicts
func (s *Store) Insert(ctx context.Context, in *models.Insight) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	row := insertRow{Insight: *in, DedupKey: DedupKey(in)}
	stmt, err := s.db.PrepareNamedContext(ctx, insertQuery)
	if err != nil {
		return errors.Wrap(err, "prepare insight insert")
	}
	defer func() { _ = stmt.Close() }()

	var id uuid.UUID
	if err := stmt.GetContext(ctx, &id, row); err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded {
			return err
		}
		// sql.ErrNoRows here means the dedup key already exists.
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return errors.Wrap(err, "insert insight")
	}
	return nil
}

// InsertBatch writes a batch transactionally and returns the set of
// committed ids. Rows rejected by the dedup constraint are absent from the
// set. Any error fails the whole batch.
func (s *Store) InsertBatch(ctx context.Context, batch []*models.Insight) (map[uuid.UUID]struct{}, error) {
	inserted := make(map[uuid.UUID]struct{}, len(batch))
	if len(batch) == 0 {
		return inserted, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin insight batch")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareNamedContext(ctx, insertQuery)
	if err != nil {
		return nil, errors.Wrap(err, "prepare insight batch")
	}
	defer func() { _ = stmt.Close() }()

	for _, in := range batch {
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = time.Now()
		}
		row := insertRow{Insight: *in, DedupKey: DedupKey(in)}

		var id uuid.UUID
		err := stmt.GetContext(ctx, &id, row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // deduplicated
			}
			return nil, errors.Wrapf(err, "insert insight %s", in.ID)
		}
		inserted[id] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit insight batch")
	}
	return inserted, nil
}

// Recent returns insights created within the last `minutes` minutes, newest
// first.
func (s *Store) Recent(ctx context.Context, minutes int) ([]models.Insight, error) {
	const query = `
		SELECT id, endpoint_id, endpoint_name, container_id, container_name,
		       severity, category, title, description, suggested_action,
		       is_acknowledged, created_at
		FROM insights
		WHERE created_at > now() - ($1 || ' minutes')::interval
		ORDER BY created_at DESC`

	var out []models.Insight
	if err := s.db.SelectContext(ctx, &out, query, minutes); err != nil {
		return nil, errors.Wrap(err, "recent insights")
	}
	return out, nil
}

// Acknowledge flips the acknowledged flag; the only mutation insights allow.
func (s *Store) Acknowledge(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE insights SET is_acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "acknowledge insight")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one insight by id
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Insight, error) {
	const query = `
		SELECT id, endpoint_id, endpoint_name, container_id, container_name,
		       severity, category, title, description, suggested_action,
		       is_acknowledged, created_at
		FROM insights WHERE id = $1`

	var out models.Insight
	if err := s.db.GetContext(ctx, &out, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get insight")
	}
	return &out, nil
}

// ErrNotFound is returned when an insight does not exist
var ErrNotFound = errors.New("insight: not found")
