// Package settings is the runtime key/value configuration layer backed by the
// settings table. Reads go through a redacting row mapper so sensitive values
// can never leak through an API response or log line, regardless of caller.
package settings

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// ErrNotFound is returned when a settings key does not exist
var ErrNotFound = errors.New("settings: key not found")

// Setting is one row as returned to callers. Value is redacted for
// sensitive keys; RawValue access requires the unredacted read path.
type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedBy string    `json:"updated_by" db:"updated_by"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Keys the store refuses to persist: these come from static config only.
// An attempted override is logged and dropped.
var immutableKeys = map[string]struct{}{
	"smtp_host": {},
	"smtp_port": {},
}

// Store reads and writes settings rows
type Store struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewStore builds a Store
func NewStore(db *sqlx.DB, logger observability.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// List returns all settings with sensitive values redacted
func (s *Store) List(ctx context.Context) ([]Setting, error) {
	var rows []Setting
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, value, updated_by, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "list settings")
	}
	for i := range rows {
		rows[i] = redactRow(rows[i])
	}
	return rows, nil
}

// Get returns one setting with a redacted value for sensitive keys
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	row, err := s.getRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	redacted := redactRow(*row)
	return &redacted, nil
}

// Set upserts a key. Immutable keys are logged and ignored, not errors:
// the caller's batch should not fail because one key is protected.
func (s *Store) Set(ctx context.Context, key, value, updatedBy string) error {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, protected := immutableKeys[normalized]; protected {
		s.logger.Warn("Ignoring attempt to override protected setting", map[string]interface{}{
			"key":        normalized,
			"updated_by": updatedBy,
		})
		return nil
	}

	const query = `
		INSERT INTO settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, normalized, value, updatedBy); err != nil {
		return errors.Wrapf(err, "set setting %q", normalized)
	}
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, strings.ToLower(key))
	if err != nil {
		return errors.Wrapf(err, "delete setting %q", key)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBool resolves a boolean override. The second return is false when the
// key is absent or not parseable, so callers fall back to static config.
func (s *Store) GetBool(ctx context.Context, key string) (bool, bool) {
	row, err := s.getRaw(ctx, key)
	if err != nil {
		return false, false
	}
	v, err := strconv.ParseBool(row.Value)
	if err != nil {
		return false, false
	}
	return v, true
}

// getRaw is the only unredacted read path. It stays unexported so every
// external consumer goes through the redacting mapper.
func (s *Store) getRaw(ctx context.Context, key string) (*Setting, error) {
	var row Setting
	err := s.db.GetContext(ctx, &row,
		`SELECT key, value, updated_by, updated_at FROM settings WHERE key = $1`,
		strings.ToLower(key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get setting %q", key)
	}
	return &row, nil
}

func redactRow(row Setting) Setting {
	if config.IsSensitiveKey(row.Key) {
		row.Value = config.RedactedValue
	}
	return row
}
