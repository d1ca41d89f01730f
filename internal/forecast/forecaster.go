// Package forecast fits a linear trend to recent metric history and projects
// when a container will hit its capacity threshold.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/harborwatch/harborwatch/internal/metricstore"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

const (
	lookback   = 6 * time.Hour
	minPoints  = 8
	stableBand = 0.05 // slope per hour below this is treated as flat
)

// SeriesReader is the slice of the metrics reader the forecaster needs
type SeriesReader interface {
	Range(ctx context.Context, containerID string, metricType models.MetricType, from, to time.Time) ([]metricstore.RangePoint, error)
}

// Forecaster projects capacity exhaustion per (container, metric)
type Forecaster struct {
	reader            SeriesReader
	capacityThreshold float64 // percent, e.g. 90
	alertWithinHours  float64
	logger            observability.Logger
}

// New builds a Forecaster. capacityThreshold is the percent level treated as
// exhaustion; alertWithinHours bounds how far out a projection still alerts.
func New(reader SeriesReader, capacityThreshold, alertWithinHours float64, logger observability.Logger) *Forecaster {
	if capacityThreshold <= 0 {
		capacityThreshold = 90
	}
	if alertWithinHours <= 0 {
		alertWithinHours = 24
	}
	return &Forecaster{
		reader:            reader,
		capacityThreshold: capacityThreshold,
		alertWithinHours:  alertWithinHours,
		logger:            logger,
	}
}

// Forecast fits the trend for one series. Returns nil when there is not
// enough history to say anything.
func (f *Forecaster) Forecast(ctx context.Context, containerID, containerName string, metricType models.MetricType) (*models.CapacityForecast, error) {
	now := time.Now()
	points, err := f.reader.Range(ctx, containerID, metricType, now.Add(-lookback), now)
	if err != nil {
		return nil, err
	}
	if len(points) < minPoints {
		return nil, nil
	}

	slopePerHour, intercept, r2 := fitLine(points)
	current := points[len(points)-1].Value

	trend := "stable"
	switch {
	case slopePerHour > stableBand:
		trend = "increasing"
	case slopePerHour < -stableBand:
		trend = "decreasing"
	}

	timeToThreshold := -1.0
	if trend == "increasing" && current < f.capacityThreshold {
		elapsed := points[len(points)-1].Timestamp.Sub(points[0].Timestamp).Hours()
		projected := intercept + slopePerHour*elapsed
		remaining := f.capacityThreshold - projected
		if remaining > 0 && slopePerHour > 0 {
			timeToThreshold = remaining / slopePerHour
		}
	}

	confidence := models.ConfidenceLow
	switch {
	case r2 >= 0.8:
		confidence = models.ConfidenceHigh
	case r2 >= 0.5:
		confidence = models.ConfidenceMedium
	}

	return &models.CapacityForecast{
		ContainerID:     containerID,
		ContainerName:   containerName,
		MetricType:      metricType,
		Trend:           trend,
		SlopePerHour:    slopePerHour,
		CurrentValue:    current,
		TimeToThreshold: timeToThreshold,
		Confidence:      confidence,
	}, nil
}

// ShouldAlert reports whether a forecast is close enough to exhaustion to
// raise a predictive insight.
func (f *Forecaster) ShouldAlert(fc *models.CapacityForecast) bool {
	if fc == nil || fc.TimeToThreshold < 0 {
		return false
	}
	return fc.TimeToThreshold <= f.alertWithinHours
}

// Describe renders a forecast as an insight title and description
func Describe(fc *models.CapacityForecast, thresholdPct float64) (title, description string) {
	title = fmt.Sprintf("Capacity: %s projected to reach %.0f%% %s in %.1fh",
		fc.ContainerName, thresholdPct, fc.MetricType, fc.TimeToThreshold)
	description = fmt.Sprintf(
		"%s %s is at %.1f%% and trending %s at %.2f%%/hour. At the current rate it reaches %.0f%% in %.1f hours (confidence: %s).",
		fc.ContainerName, fc.MetricType, fc.CurrentValue, fc.Trend, fc.SlopePerHour,
		thresholdPct, fc.TimeToThreshold, fc.Confidence)
	return title, description
}

// fitLine runs least-squares over (hours-since-first-point, value) and
// returns slope per hour, intercept, and r-squared.
func fitLine(points []metricstore.RangePoint) (slope, intercept, r2 float64) {
	n := float64(len(points))
	t0 := points[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.Timestamp.Sub(t0).Hours()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for _, p := range points {
		x := p.Timestamp.Sub(t0).Hours()
		predicted := intercept + slope*x
		ssTot += (p.Value - meanY) * (p.Value - meanY)
		ssRes += (p.Value - predicted) * (p.Value - predicted)
	}
	if ssTot == 0 {
		return slope, intercept, 0
	}
	r2 = math.Max(0, 1-ssRes/ssTot)
	return slope, intercept, r2
}
