// Package monitor drives the periodic observation cycle: snapshot the fleet,
// read metrics, detect anomalies, persist and fan out insights, correlate
// incidents.
package monitor

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// Store persists snapshot and cycle rows
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WriteSnapshot appends one fleet snapshot row
func (s *Store) WriteSnapshot(ctx context.Context, snap *models.Snapshot) error {
	const query = `
		INSERT INTO monitoring_snapshots (containers_running, containers_stopped,
		                                  containers_unhealthy, endpoints_up, endpoints_down)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, query,
		snap.ContainersRunning, snap.ContainersStopped, snap.ContainersUnhealthy,
		snap.EndpointsUp, snap.EndpointsDown)
	return errors.Wrap(err, "write snapshot")
}

// WriteCycle appends one monitoring_cycles row. errMsg is nil on success.
func (s *Store) WriteCycle(ctx context.Context, stats models.CycleStats, errMsg *string) error {
	const query = `
		INSERT INTO monitoring_cycles (duration_ms, endpoints, containers, total_insights,
		                               inserted_insights, skipped_cb, circuit_breaker_skips,
		                               container_fetch_failures, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query,
		stats.DurationMS, stats.Endpoints, stats.Containers, stats.TotalInsights,
		stats.InsertedInsights, stats.SkippedCircuitBreaker, stats.CircuitBreakerSkips,
		stats.ContainerFetchFailures, errMsg)
	return errors.Wrap(err, "write cycle")
}

// RecentSnapshots returns the newest snapshot rows
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Snapshot
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, containers_running, containers_stopped, containers_unhealthy,
		       endpoints_up, endpoints_down, created_at
		FROM monitoring_snapshots ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	return out, nil
}
