// Package anomaly implements the statistical anomaly detection used by the
// monitoring cycle: z-score, Bollinger bands, and a variance-aware adaptive
// mode, plus a multivariate isolation forest and the cooldown registry that
// gates alert emission.
package anomaly

import (
	"context"
	"fmt"
	"math"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// StatsProvider supplies moving-average statistics for a metric series
type StatsProvider interface {
	MovingAverage(ctx context.Context, containerID string, metricType models.MetricType, windowSize int) (*models.MovingAverageStats, error)
}

// Detector evaluates metric values against their history
type Detector struct {
	stats  StatsProvider
	cfg    config.AnomalyConfig
	logger observability.Logger
}

// NewDetector builds a Detector
func NewDetector(stats StatsProvider, cfg config.AnomalyConfig, logger observability.Logger) *Detector {
	return &Detector{stats: stats, cfg: cfg, logger: logger}
}

// BatchDetectionItem is one (container, metric) pair to evaluate
type BatchDetectionItem struct {
	ContainerID   string
	ContainerName string
	MetricType    models.MetricType
	CurrentValue  float64
}

// BatchKey composes the map key used by DetectBatch results and cooldowns
func BatchKey(containerID string, metricType models.MetricType) string {
	return fmt.Sprintf("%s:%s", containerID, metricType)
}

// DetectAnomalyAdaptive evaluates one value against its series history.
// Returns nil when the series has fewer than MinSamples samples.
func (d *Detector) DetectAnomalyAdaptive(ctx context.Context, containerID, containerName string, metricType models.MetricType, currentValue float64, method string) (*models.AnomalyVerdict, error) {
	if method == "" {
		method = d.cfg.Method
	}

	stats, err := d.stats.MovingAverage(ctx, containerID, metricType, d.cfg.MovingAverageWindow)
	if err != nil {
		return nil, err
	}
	if stats.SampleCount < d.cfg.MinSamples {
		return nil, nil
	}

	switch method {
	case "bollinger":
		return d.detectBollinger(stats, currentValue), nil
	case "adaptive":
		return d.detectAdaptive(stats, currentValue), nil
	default:
		return d.detectZScore(stats, currentValue, d.cfg.ZScoreThreshold, models.MethodZScore), nil
	}
}

// DetectBatch evaluates a batch of items, keying results by
// "containerId:metricType". Items without a verdict (too little history)
// are absent from the result.
func (d *Detector) DetectBatch(ctx context.Context, items []BatchDetectionItem, method string) (map[string]*models.AnomalyVerdict, error) {
	results := make(map[string]*models.AnomalyVerdict, len(items))
	for _, item := range items {
		verdict, err := d.DetectAnomalyAdaptive(ctx, item.ContainerID, item.ContainerName, item.MetricType, item.CurrentValue, method)
		if err != nil {
			d.logger.Warn("Anomaly detection failed for series", map[string]interface{}{
				"container_id": item.ContainerID,
				"metric_type":  string(item.MetricType),
				"error":        err.Error(),
			})
			continue
		}
		if verdict != nil {
			results[BatchKey(item.ContainerID, item.MetricType)] = verdict
		}
	}
	return results, nil
}

func (d *Detector) detectZScore(stats *models.MovingAverageStats, current, threshold float64, method models.AnomalyMethod) *models.AnomalyVerdict {
	verdict := &models.AnomalyVerdict{
		Mean:         stats.Mean,
		CurrentValue: current,
		Method:       method,
	}

	if stats.StdDev == 0 {
		// Flat series: any real departure is anomalous, z is infinite.
		if math.Abs(current-stats.Mean) > 0.001 {
			verdict.IsAnomalous = true
			verdict.ZScore = math.Inf(1)
			if current < stats.Mean {
				verdict.ZScore = math.Inf(-1)
			}
		}
		return verdict
	}

	verdict.ZScore = (current - stats.Mean) / stats.StdDev
	verdict.IsAnomalous = math.Abs(verdict.ZScore) > threshold
	return verdict
}

// BollingerBands are the computed bands for a series
type BollingerBands struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	Bandwidth float64 `json:"bandwidth"`
}

// CalculateBollingerBands computes the bands for mean and std with width k.
// The lower band is clamped at zero.
func CalculateBollingerBands(mean, stdDev, k float64) BollingerBands {
	return BollingerBands{
		Upper:     mean + k*stdDev,
		Middle:    mean,
		Lower:     math.Max(0, mean-k*stdDev),
		Bandwidth: 2 * k * stdDev,
	}
}

func (d *Detector) detectBollinger(stats *models.MovingAverageStats, current float64) *models.AnomalyVerdict {
	bands := CalculateBollingerBands(stats.Mean, stats.StdDev, d.cfg.ZScoreThreshold)

	verdict := &models.AnomalyVerdict{
		Mean:         stats.Mean,
		CurrentValue: current,
		Method:       models.MethodBollinger,
		IsAnomalous:  current > bands.Upper || current < bands.Lower,
	}
	if stats.StdDev > 0 {
		verdict.ZScore = (current - stats.Mean) / stats.StdDev
	} else if verdict.IsAnomalous {
		verdict.ZScore = math.Inf(1)
	}
	return verdict
}

// detectAdaptive scales the z-score threshold for volatile series: when the
// coefficient of variation exceeds 0.3 the cutoff grows by max(1, cv).
func (d *Detector) detectAdaptive(stats *models.MovingAverageStats, current float64) *models.AnomalyVerdict {
	threshold := d.cfg.ZScoreThreshold
	if stats.Mean != 0 {
		cv := stats.StdDev / stats.Mean
		if cv > 0.3 {
			threshold *= math.Max(1, cv)
		}
	}
	verdict := d.detectZScore(stats, current, threshold, models.MethodAdaptive)
	return verdict
}

// DescribeVerdict renders the deterministic insight description for an
// anomaly verdict.
func DescribeVerdict(metricType models.MetricType, v *models.AnomalyVerdict) string {
	zs := fmt.Sprintf("%.2f", v.ZScore)
	if math.IsInf(v.ZScore, 1) {
		zs = "Inf"
	} else if math.IsInf(v.ZScore, -1) {
		zs = "-Inf"
	}
	return fmt.Sprintf(
		"%s usage of %.1f deviates from the moving average of %.1f (z-score %s, method %s, %s standard deviations from mean)",
		metricType, v.CurrentValue, v.Mean, zs, v.Method, zs)
}
