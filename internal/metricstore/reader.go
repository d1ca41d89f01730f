// Package metricstore reads container metric series from the time-series
// database. Range reads pick a rollup table by window size so long ranges
// never scan the raw table.
package metricstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/models"
)

// Rollup describes the table and columns a range query should read
type Rollup struct {
	Table        string
	TimestampCol string
	ValueCol     string
}

// Rollup boundaries are inclusive on the lower side: a window of exactly 6h
// still reads the raw table.
const (
	rawWindow     = 6 * time.Hour
	fiveMinWindow = 7 * 24 * time.Hour
	hourWindow    = 90 * 24 * time.Hour
)

// SelectRollupTable picks the rollup for the window [from, now]
func SelectRollupTable(from, now time.Time) Rollup {
	window := now.Sub(from)
	switch {
	case window <= rawWindow:
		return Rollup{Table: "metrics", TimestampCol: "timestamp", ValueCol: "value"}
	case window <= fiveMinWindow:
		return Rollup{Table: "metrics_5min", TimestampCol: "bucket", ValueCol: "avg_value"}
	case window <= hourWindow:
		return Rollup{Table: "metrics_1hour", TimestampCol: "bucket", ValueCol: "avg_value"}
	default:
		return Rollup{Table: "metrics_1day", TimestampCol: "bucket", ValueCol: "avg_value"}
	}
}

// Reader reads metric series from the metrics database
type Reader struct {
	db *sqlx.DB
}

// NewReader builds a Reader over the metrics database handle
func NewReader(db *sqlx.DB) *Reader {
	return &Reader{db: db}
}

// Ping verifies metrics database connectivity
func (r *Reader) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// LatestBatch returns the latest value per metric type for each requested
// container in a single query.
func (r *Reader) LatestBatch(ctx context.Context, containerIDs []string) (map[string]map[models.MetricType]float64, error) {
	out := make(map[string]map[models.MetricType]float64, len(containerIDs))
	if len(containerIDs) == 0 {
		return out, nil
	}

	const query = `
		SELECT DISTINCT ON (container_id, metric_type)
			container_id, metric_type, value
		FROM metrics
		WHERE container_id = ANY($1)
		ORDER BY container_id, metric_type, timestamp DESC`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(containerIDs))
	if err != nil {
		return nil, errors.Wrap(err, "latest metrics batch")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			containerID string
			metricType  string
			value       float64
		)
		if err := rows.Scan(&containerID, &metricType, &value); err != nil {
			return nil, errors.Wrap(err, "scan latest metric")
		}
		if out[containerID] == nil {
			out[containerID] = make(map[models.MetricType]float64)
		}
		out[containerID][models.MetricType(metricType)] = value
	}
	return out, rows.Err()
}

// MovingAverage computes mean, standard deviation, and sample count over the
// most recent windowSize samples of a series.
func (r *Reader) MovingAverage(ctx context.Context, containerID string, metricType models.MetricType, windowSize int) (*models.MovingAverageStats, error) {
	const query = `
		SELECT
			COALESCE(AVG(value), 0)         AS mean,
			COALESCE(STDDEV_POP(value), 0)  AS std_dev,
			COUNT(*)                        AS sample_count
		FROM (
			SELECT value FROM metrics
			WHERE container_id = $1 AND metric_type = $2
			ORDER BY timestamp DESC
			LIMIT $3
		) window_samples`

	var stats models.MovingAverageStats
	if err := r.db.GetContext(ctx, &stats, query, containerID, string(metricType), windowSize); err != nil {
		return nil, errors.Wrap(err, "moving average")
	}
	return &stats, nil
}

// RangePoint is one point of a range read
type RangePoint struct {
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Value     float64   `db:"value" json:"value"`
}

// Range reads a series over [from, to] from the rollup table appropriate
// for the window.
func (r *Reader) Range(ctx context.Context, containerID string, metricType models.MetricType, from, to time.Time) ([]RangePoint, error) {
	rollup := SelectRollupTable(from, to)

	query := `
		SELECT ` + rollup.TimestampCol + ` AS ts, ` + rollup.ValueCol + ` AS value
		FROM ` + rollup.Table + `
		WHERE container_id = $1 AND metric_type = $2
		  AND ` + rollup.TimestampCol + ` BETWEEN $3 AND $4
		ORDER BY ` + rollup.TimestampCol + ` ASC`

	var points []RangePoint
	if err := r.db.SelectContext(ctx, &points, query, containerID, string(metricType), from, to); err != nil {
		return nil, errors.Wrap(err, "range read")
	}
	return points, nil
}
