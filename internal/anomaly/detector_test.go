package anomaly

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

type fakeStats struct {
	stats map[string]*models.MovingAverageStats
}

func (f *fakeStats) MovingAverage(_ context.Context, containerID string, metricType models.MetricType, _ int) (*models.MovingAverageStats, error) {
	key := BatchKey(containerID, metricType)
	if s, ok := f.stats[key]; ok {
		return s, nil
	}
	return &models.MovingAverageStats{}, nil
}

func newTestDetector(stats map[string]*models.MovingAverageStats, cfg config.AnomalyConfig) *Detector {
	if cfg.MovingAverageWindow == 0 {
		cfg.MovingAverageWindow = 20
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = 10
	}
	if cfg.ZScoreThreshold == 0 {
		cfg.ZScoreThreshold = 3.0
	}
	return NewDetector(&fakeStats{stats: stats}, cfg, observability.NewNoopLogger())
}

func TestDetectAnomalyAdaptive(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil below min samples", func(t *testing.T) {
		d := newTestDetector(map[string]*models.MovingAverageStats{
			"c1:cpu": {Mean: 50, StdDev: 5, SampleCount: 9},
		}, config.AnomalyConfig{})

		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 90, "zscore")
		require.NoError(t, err)
		assert.Nil(t, verdict)
	})

	t.Run("zscore flags beyond threshold", func(t *testing.T) {
		d := newTestDetector(map[string]*models.MovingAverageStats{
			"c1:cpu": {Mean: 50, StdDev: 5, SampleCount: 30},
		}, config.AnomalyConfig{})

		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 70, "zscore")
		require.NoError(t, err)
		require.NotNil(t, verdict)
		assert.True(t, verdict.IsAnomalous)
		assert.InDelta(t, 4.0, verdict.ZScore, 1e-9)
		assert.Equal(t, models.MethodZScore, verdict.Method)
	})

	t.Run("zscore accepts inside threshold", func(t *testing.T) {
		d := newTestDetector(map[string]*models.MovingAverageStats{
			"c1:cpu": {Mean: 50, StdDev: 5, SampleCount: 30},
		}, config.AnomalyConfig{})

		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 60, "zscore")
		require.NoError(t, err)
		require.NotNil(t, verdict)
		assert.False(t, verdict.IsAnomalous)
	})

	t.Run("flat series reports infinite z-score", func(t *testing.T) {
		d := newTestDetector(map[string]*models.MovingAverageStats{
			"c1:cpu": {Mean: 50, StdDev: 0, SampleCount: 30},
		}, config.AnomalyConfig{})

		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 50.5, "zscore")
		require.NoError(t, err)
		require.NotNil(t, verdict)
		assert.True(t, verdict.IsAnomalous)
		assert.True(t, math.IsInf(verdict.ZScore, 1))

		verdict, err = d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 49.5, "zscore")
		require.NoError(t, err)
		assert.True(t, verdict.IsAnomalous)
		assert.True(t, math.IsInf(verdict.ZScore, -1))
	})

	t.Run("flat series tolerates sub-epsilon departure", func(t *testing.T) {
		d := newTestDetector(map[string]*models.MovingAverageStats{
			"c1:cpu": {Mean: 50, StdDev: 0, SampleCount: 30},
		}, config.AnomalyConfig{})

		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 50.0005, "zscore")
		require.NoError(t, err)
		require.NotNil(t, verdict)
		assert.False(t, verdict.IsAnomalous)
	})

	t.Run("bollinger flags outside bands", func(t *testing.T) {
		d := newTestDetector(map[string]*models.MovingAverageStats{
			"c1:memory": {Mean: 40, StdDev: 10, SampleCount: 30},
		}, config.AnomalyConfig{Method: "bollinger"})

		// Upper band is 40 + 3*10 = 70.
		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricMemory, 70.1, "bollinger")
		require.NoError(t, err)
		require.NotNil(t, verdict)
		assert.True(t, verdict.IsAnomalous)
		assert.Equal(t, models.MethodBollinger, verdict.Method)

		verdict, err = d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricMemory, 69.9, "bollinger")
		require.NoError(t, err)
		assert.False(t, verdict.IsAnomalous)
	})

	t.Run("adaptive widens threshold for volatile series", func(t *testing.T) {
		// cv = 20/40 = 0.5 > 0.3, so the cutoff becomes 3.0 * 0.5... no:
		// max(1, cv) = 1, threshold stays 3.0. Use cv > 1 to observe scaling.
		stats := map[string]*models.MovingAverageStats{
			"c1:cpu": {Mean: 10, StdDev: 15, SampleCount: 30}, // cv = 1.5
		}
		d := newTestDetector(stats, config.AnomalyConfig{Method: "adaptive"})

		// z = (60-10)/15 = 3.33: above the base threshold 3.0 but below the
		// scaled threshold 4.5.
		verdict, err := d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 60, "adaptive")
		require.NoError(t, err)
		require.NotNil(t, verdict)
		assert.False(t, verdict.IsAnomalous)

		// z = (80-10)/15 = 4.67 clears the scaled threshold.
		verdict, err = d.DetectAnomalyAdaptive(ctx, "c1", "web", models.MetricCPU, 80, "adaptive")
		require.NoError(t, err)
		assert.True(t, verdict.IsAnomalous)
		assert.Equal(t, models.MethodAdaptive, verdict.Method)
	})
}

func TestCalculateBollingerBands(t *testing.T) {
	bands := CalculateBollingerBands(50, 10, 2)
	assert.Equal(t, 70.0, bands.Upper)
	assert.Equal(t, 50.0, bands.Middle)
	assert.Equal(t, 30.0, bands.Lower)
	assert.Equal(t, 40.0, bands.Bandwidth)

	// Lower band clamps at zero.
	bands = CalculateBollingerBands(5, 10, 2)
	assert.Equal(t, 0.0, bands.Lower)
}

func TestDetectBatch(t *testing.T) {
	d := newTestDetector(map[string]*models.MovingAverageStats{
		"c1:cpu":    {Mean: 50, StdDev: 5, SampleCount: 30},
		"c2:memory": {Mean: 50, StdDev: 5, SampleCount: 3}, // too little history
	}, config.AnomalyConfig{})

	items := []BatchDetectionItem{
		{ContainerID: "c1", ContainerName: "web", MetricType: models.MetricCPU, CurrentValue: 80},
		{ContainerID: "c2", ContainerName: "db", MetricType: models.MetricMemory, CurrentValue: 80},
	}
	results, err := d.DetectBatch(context.Background(), items, "zscore")
	require.NoError(t, err)

	require.Contains(t, results, "c1:cpu")
	assert.True(t, results["c1:cpu"].IsAnomalous)
	assert.NotContains(t, results, "c2:memory")
}

func TestDescribeVerdict(t *testing.T) {
	v := &models.AnomalyVerdict{
		IsAnomalous:  true,
		ZScore:       4.2,
		Mean:         50.0,
		CurrentValue: 71.0,
		Method:       models.MethodZScore,
	}
	got := DescribeVerdict(models.MetricCPU, v)
	assert.Equal(t,
		"cpu usage of 71.0 deviates from the moving average of 50.0 (z-score 4.20, method zscore, 4.20 standard deviations from mean)",
		got)

	v.ZScore = math.Inf(1)
	assert.Contains(t, DescribeVerdict(models.MetricCPU, v), "z-score Inf")
}
