package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/metricstore"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

type fakeSeries struct {
	points []metricstore.RangePoint
	err    error
}

func (f *fakeSeries) Range(_ context.Context, _ string, _ models.MetricType, _, _ time.Time) ([]metricstore.RangePoint, error) {
	return f.points, f.err
}

// series builds points at 30-minute spacing ending now, with values produced
// by fn(hours since first point).
func series(n int, fn func(hours float64) float64) []metricstore.RangePoint {
	start := time.Now().Add(-time.Duration(n-1) * 30 * time.Minute)
	out := make([]metricstore.RangePoint, n)
	for i := range out {
		hours := float64(i) * 0.5
		out[i] = metricstore.RangePoint{
			Timestamp: start.Add(time.Duration(i) * 30 * time.Minute),
			Value:     fn(hours),
		}
	}
	return out
}

func newForecaster(points []metricstore.RangePoint) *Forecaster {
	return New(&fakeSeries{points: points}, 90, 24, observability.NewNoopLogger())
}

func TestFitLine(t *testing.T) {
	t.Run("perfect linear growth", func(t *testing.T) {
		points := series(12, func(h float64) float64 { return 40 + 2*h })

		slope, intercept, r2 := fitLine(points)
		assert.InDelta(t, 2.0, slope, 1e-9)
		assert.InDelta(t, 40.0, intercept, 1e-9)
		assert.InDelta(t, 1.0, r2, 1e-9)
	})

	t.Run("flat series has zero slope and no fit quality", func(t *testing.T) {
		points := series(12, func(float64) float64 { return 55 })

		slope, intercept, r2 := fitLine(points)
		assert.InDelta(t, 0.0, slope, 1e-9)
		assert.InDelta(t, 55.0, intercept, 1e-9)
		assert.Equal(t, 0.0, r2)
	})

	t.Run("noise lowers r-squared", func(t *testing.T) {
		values := []float64{40, 70, 35, 80, 30, 75, 45, 85, 25, 90, 50, 65}
		i := 0
		points := series(len(values), func(float64) float64 {
			v := values[i]
			i++
			return v
		})

		_, _, r2 := fitLine(points)
		assert.Less(t, r2, 0.5)
	})
}

func TestForecast(t *testing.T) {
	ctx := context.Background()

	t.Run("too little history returns nil", func(t *testing.T) {
		f := newForecaster(series(7, func(h float64) float64 { return 40 + 2*h }))
		fc, err := f.Forecast(ctx, "c1", "web", models.MetricCPU)
		require.NoError(t, err)
		assert.Nil(t, fc)
	})

	t.Run("increasing trend projects time to threshold", func(t *testing.T) {
		// 12 points over 5.5h: starts at 40%, grows 2%/hour -> 51% now,
		// 90% in (90-51)/2 = 19.5 hours.
		f := newForecaster(series(12, func(h float64) float64 { return 40 + 2*h }))

		fc, err := f.Forecast(ctx, "c1", "web", models.MetricCPU)
		require.NoError(t, err)
		require.NotNil(t, fc)

		assert.Equal(t, "increasing", fc.Trend)
		assert.InDelta(t, 2.0, fc.SlopePerHour, 1e-9)
		assert.InDelta(t, 51.0, fc.CurrentValue, 1e-9)
		assert.InDelta(t, 19.5, fc.TimeToThreshold, 1e-6)
		assert.Equal(t, models.ConfidenceHigh, fc.Confidence)
		assert.True(t, f.ShouldAlert(fc))
	})

	t.Run("slow growth projects beyond the alert window", func(t *testing.T) {
		// 0.5%/hour from 50%: threshold is ~79 hours out.
		f := newForecaster(series(12, func(h float64) float64 { return 50 + 0.5*h }))

		fc, err := f.Forecast(ctx, "c1", "web", models.MetricCPU)
		require.NoError(t, err)
		require.NotNil(t, fc)

		assert.Equal(t, "increasing", fc.Trend)
		assert.Greater(t, fc.TimeToThreshold, 24.0)
		assert.False(t, f.ShouldAlert(fc))
	})

	t.Run("stable and decreasing trends never alert", func(t *testing.T) {
		f := newForecaster(series(12, func(float64) float64 { return 50 }))
		fc, err := f.Forecast(ctx, "c1", "web", models.MetricCPU)
		require.NoError(t, err)
		require.NotNil(t, fc)
		assert.Equal(t, "stable", fc.Trend)
		assert.Equal(t, -1.0, fc.TimeToThreshold)
		assert.False(t, f.ShouldAlert(fc))

		f = newForecaster(series(12, func(h float64) float64 { return 80 - 3*h }))
		fc, err = f.Forecast(ctx, "c1", "web", models.MetricCPU)
		require.NoError(t, err)
		require.NotNil(t, fc)
		assert.Equal(t, "decreasing", fc.Trend)
		assert.False(t, f.ShouldAlert(fc))
	})

	t.Run("already past threshold does not project", func(t *testing.T) {
		f := newForecaster(series(12, func(h float64) float64 { return 92 + 2*h }))
		fc, err := f.Forecast(ctx, "c1", "web", models.MetricCPU)
		require.NoError(t, err)
		require.NotNil(t, fc)
		assert.Equal(t, -1.0, fc.TimeToThreshold)
		assert.False(t, f.ShouldAlert(fc))
	})

	t.Run("nil forecast never alerts", func(t *testing.T) {
		f := newForecaster(nil)
		assert.False(t, f.ShouldAlert(nil))
	})
}

func TestDescribe(t *testing.T) {
	fc := &models.CapacityForecast{
		ContainerName:   "web",
		MetricType:      models.MetricMemory,
		Trend:           "increasing",
		SlopePerHour:    2.5,
		CurrentValue:    71.2,
		TimeToThreshold: 7.5,
		Confidence:      models.ConfidenceHigh,
	}
	title, description := Describe(fc, 90)
	assert.Equal(t, "Capacity: web projected to reach 90% memory in 7.5h", title)
	assert.Contains(t, description, "trending increasing at 2.50%/hour")
	assert.Contains(t, description, "confidence: high")
}
