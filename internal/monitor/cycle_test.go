package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/anomaly"
	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/inventory"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/notify"
	"github.com/harborwatch/harborwatch/internal/observability"
)

type fakeInventory struct {
	endpoints    []inventory.RawEndpoint
	containers   map[int][]inventory.RawContainer
	containerErr map[int]error
	open         map[int]bool
	degraded     map[int]bool
}

func (f *fakeInventory) GetEndpoints(_ context.Context) ([]inventory.RawEndpoint, error) {
	return f.endpoints, nil
}

func (f *fakeInventory) GetContainers(_ context.Context, endpointID int) ([]inventory.RawContainer, error) {
	if err := f.containerErr[endpointID]; err != nil {
		return nil, err
	}
	return f.containers[endpointID], nil
}

func (f *fakeInventory) GetContainerLogs(_ context.Context, _ int, _ string, _ int) (string, error) {
	return "", nil
}

func (f *fakeInventory) IsCircuitOpen(endpointID int) bool { return f.open[endpointID] }

func (f *fakeInventory) IsEndpointDegraded(endpointID int) bool { return f.degraded[endpointID] }

type fakeMetrics struct {
	data map[string]map[models.MetricType]float64
	err  error
}

func (f *fakeMetrics) LatestBatch(_ context.Context, _ []string) (map[string]map[models.MetricType]float64, error) {
	return f.data, f.err
}

type fakeDetector struct {
	verdicts map[string]*models.AnomalyVerdict
}

func (f *fakeDetector) DetectBatch(_ context.Context, _ []anomaly.BatchDetectionItem, _ string) (map[string]*models.AnomalyVerdict, error) {
	return f.verdicts, nil
}

type fakeSink struct {
	mu       sync.Mutex
	batch    []*models.Insight
	batchErr error
	rejected map[string]bool // titles the dedup constraint drops
}

func (f *fakeSink) Insert(_ context.Context, in *models.Insight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch = append(f.batch, in)
	return nil
}

func (f *fakeSink) InsertBatch(_ context.Context, batch []*models.Insight) (map[uuid.UUID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batch = batch
	inserted := make(map[uuid.UUID]struct{}, len(batch))
	for _, in := range batch {
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		if !f.rejected[in.Title] {
			inserted[in.ID] = struct{}{}
		}
	}
	return inserted, nil
}

type fakeCorrelator struct {
	mu       sync.Mutex
	received []models.Insight
	calls    int
}

func (f *fakeCorrelator) Correlate(_ context.Context, insights []models.Insight) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.received = insights
	return 1, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	dispatched []notify.Notification
}

func (f *fakeNotifier) Dispatch(_ context.Context, n notify.Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, n)
	return 1
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fakeInvestigator struct {
	mu       sync.Mutex
	insights []models.Insight
}

func (f *fakeInvestigator) Investigate(_ context.Context, in models.Insight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insights = append(f.insights, in)
}

func (f *fakeInvestigator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.insights)
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) Emit(_ context.Context, eventType string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeBus) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func upEndpoint(id int, name string) inventory.RawEndpoint {
	return inventory.RawEndpoint{ID: id, Name: name, Status: 1}
}

func runningContainer(id, name string) inventory.RawContainer {
	var raw inventory.RawContainer
	raw.ID = id
	raw.Names = []string{"/" + name}
	raw.Image = "app:1.0"
	raw.State = "running"
	raw.Status = "Up 2 hours"
	return raw
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Anomaly.Method = "zscore"
	return cfg
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestRunCycleHappyPath(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web"), runningContainer("c2", "db")},
		},
	}
	metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
		"c1": {models.MetricCPU: 91, models.MetricMemory: 40},
		"c2": {models.MetricCPU: 20, models.MetricMemory: 30},
	}}
	detector := &fakeDetector{verdicts: map[string]*models.AnomalyVerdict{
		anomaly.BatchKey("c1", models.MetricCPU): {
			IsAnomalous: true, ZScore: 5.1, Mean: 40, CurrentValue: 91, Method: models.MethodZScore,
		},
	}}
	sink := &fakeSink{}
	correlator := &fakeCorrelator{}
	notifier := &fakeNotifier{}
	investigator := &fakeInvestigator{}
	bus := &fakeBus{}

	o := NewOrchestrator(Deps{
		Inventory:    inv,
		Metrics:      metrics,
		Detector:     detector,
		Insights:     sink,
		Correlator:   correlator,
		Notifier:     notifier,
		Investigator: investigator,
		Bus:          bus,
	}, testConfig(), observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Endpoints)
	assert.Equal(t, 2, stats.Containers)
	assert.Equal(t, 1, stats.TotalInsights)
	assert.Equal(t, 1, stats.InsertedInsights)
	assert.Equal(t, 1, stats.IncidentsCreated)

	require.Len(t, sink.batch, 1)
	in := sink.batch[0]
	assert.Equal(t, models.SeverityCritical, in.Severity, "|z| above 4 escalates")
	assert.Equal(t, models.CategoryAnomaly, in.Category)
	assert.Equal(t, "Anomalous cpu on web", in.Title)
	require.NotNil(t, in.ContainerID)
	assert.Equal(t, "c1", *in.ContainerID)

	assert.Equal(t, []string{models.EventAnomalyDetected}, bus.types())

	require.Len(t, correlator.received, 1)
	assert.Equal(t, in.ID, correlator.received[0].ID)

	waitUntil(t, func() bool { return notifier.count() == 1 })
	waitUntil(t, func() bool { return investigator.count() == 1 })
}

func TestRunCycleSkipsUnreachableEndpoints(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{
			upEndpoint(1, "prod"),
			upEndpoint(2, "staging"),
			upEndpoint(3, "edge"),
			{ID: 4, Name: "down", Status: 2},
		},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web")},
		},
		open:     map[int]bool{2: true},
		degraded: map[int]bool{3: true},
	}

	o := NewOrchestrator(Deps{Inventory: inv}, testConfig(), observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Endpoints)
	assert.Equal(t, 1, stats.Containers, "only the healthy endpoint is fetched")
	assert.Equal(t, 2, stats.SkippedCircuitBreaker, "open and degraded endpoints skip fan-out")
}

func TestRunCycleCountsFetchFailures(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{
			upEndpoint(1, "prod"),
			upEndpoint(2, "staging"),
			upEndpoint(3, "edge"),
		},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web")},
		},
		containerErr: map[int]error{
			2: inventory.ErrCircuitOpen,
			3: errors.New("connection refused"),
		},
	}

	o := NewOrchestrator(Deps{Inventory: inv}, testConfig(), observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CircuitBreakerSkips, "mid-cycle circuit opens are counted apart")
	assert.Equal(t, 1, stats.ContainerFetchFailures)
	assert.Equal(t, 1, stats.Containers)
}

func TestRunCycleThresholdPass(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web"), runningContainer("c2", "db")},
		},
	}
	metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
		"c1": {models.MetricCPU: 96.5},
		"c2": {models.MetricMemory: 85},
	}}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Anomaly.HardThresholdEnabled = true
	cfg.Anomaly.ThresholdPct = 80

	o := NewOrchestrator(Deps{
		Inventory: inv,
		Metrics:   metrics,
		Detector:  &fakeDetector{},
		Insights:  sink,
	}, cfg, observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalInsights)

	bySeverity := map[models.Severity]int{}
	for _, in := range sink.batch {
		bySeverity[in.Severity]++
		assert.Equal(t, models.CategoryAnomaly, in.Category)
	}
	assert.Equal(t, 1, bySeverity[models.SeverityCritical], "above 95 escalates")
	assert.Equal(t, 1, bySeverity[models.SeverityWarning])
}

func TestRunCycleThresholdSkipsStatisticallyFlagged(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web")},
		},
	}
	metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
		"c1": {models.MetricCPU: 96.5},
	}}
	detector := &fakeDetector{verdicts: map[string]*models.AnomalyVerdict{
		anomaly.BatchKey("c1", models.MetricCPU): {
			IsAnomalous: true, ZScore: 3.5, Mean: 40, CurrentValue: 96.5, Method: models.MethodZScore,
		},
	}}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Anomaly.HardThresholdEnabled = true
	cfg.Anomaly.ThresholdPct = 80

	o := NewOrchestrator(Deps{
		Inventory: inv,
		Metrics:   metrics,
		Detector:  detector,
		Insights:  sink,
	}, cfg, observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	// One insight, from the statistical pass; the threshold pass must not
	// double-report the same pair.
	assert.Equal(t, 1, stats.TotalInsights)
	require.Len(t, sink.batch, 1)
	assert.Equal(t, "Anomalous cpu on web", sink.batch[0].Title)
}

func TestRunCycleInsightCap(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web"), runningContainer("c2", "db")},
		},
	}
	metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
		"c1": {models.MetricCPU: 91},
		"c2": {models.MetricCPU: 92},
	}}
	detector := &fakeDetector{verdicts: map[string]*models.AnomalyVerdict{
		anomaly.BatchKey("c1", models.MetricCPU): {IsAnomalous: true, ZScore: 5, Method: models.MethodZScore},
		anomaly.BatchKey("c2", models.MetricCPU): {IsAnomalous: true, ZScore: 5, Method: models.MethodZScore},
	}}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Monitoring.MaxInsightsPerCycle = 1

	o := NewOrchestrator(Deps{
		Inventory: inv,
		Metrics:   metrics,
		Detector:  detector,
		Insights:  sink,
	}, cfg, observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TotalInsights)
	assert.Len(t, sink.batch, 1)
}

func TestRunCycleThresholdTruncationStable(t *testing.T) {
	// Two containers over the hard limit with a cap of one: which insight
	// survives the cap must not depend on map iteration order.
	for i := 0; i < 10; i++ {
		inv := &fakeInventory{
			endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
			containers: map[int][]inventory.RawContainer{
				1: {runningContainer("c2", "db"), runningContainer("c1", "web")},
			},
		}
		metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
			"c1": {models.MetricCPU: 91},
			"c2": {models.MetricCPU: 92},
		}}
		sink := &fakeSink{}

		cfg := testConfig()
		cfg.Anomaly.HardThresholdEnabled = true
		cfg.Anomaly.ThresholdPct = 80
		cfg.Monitoring.MaxInsightsPerCycle = 1

		o := NewOrchestrator(Deps{
			Inventory: inv,
			Metrics:   metrics,
			Insights:  sink,
		}, cfg, observability.NewNoopLogger(), nil)

		_, err := o.RunCycle(context.Background())
		require.NoError(t, err)

		require.Len(t, sink.batch, 1)
		assert.Equal(t, "High cpu on web", sink.batch[0].Title)
	}
}

func TestRunCycleBatchFailure(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web")},
		},
	}
	metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
		"c1": {models.MetricCPU: 91},
	}}
	detector := &fakeDetector{verdicts: map[string]*models.AnomalyVerdict{
		anomaly.BatchKey("c1", models.MetricCPU): {IsAnomalous: true, ZScore: 5, Method: models.MethodZScore},
	}}
	sink := &fakeSink{batchErr: errors.New("db down")}
	correlator := &fakeCorrelator{}
	investigator := &fakeInvestigator{}
	bus := &fakeBus{}

	o := NewOrchestrator(Deps{
		Inventory:    inv,
		Metrics:      metrics,
		Detector:     detector,
		Insights:     sink,
		Correlator:   correlator,
		Investigator: investigator,
		Bus:          bus,
	}, testConfig(), observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err, "a failed batch insert does not fail the cycle")

	assert.Equal(t, 1, stats.TotalInsights)
	assert.Zero(t, stats.InsertedInsights)

	// Events still fire for every produced insight; DB-keyed followups
	// (correlation, investigations) do not.
	assert.Equal(t, []string{models.EventAnomalyDetected}, bus.types())
	assert.Zero(t, correlator.calls)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, investigator.count())
}

func TestRunCycleDedupGatesInvestigations(t *testing.T) {
	inv := &fakeInventory{
		endpoints: []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{
			1: {runningContainer("c1", "web"), runningContainer("c2", "db")},
		},
	}
	metrics := &fakeMetrics{data: map[string]map[models.MetricType]float64{
		"c1": {models.MetricCPU: 91},
		"c2": {models.MetricCPU: 92},
	}}
	detector := &fakeDetector{verdicts: map[string]*models.AnomalyVerdict{
		anomaly.BatchKey("c1", models.MetricCPU): {IsAnomalous: true, ZScore: 5, Method: models.MethodZScore},
		anomaly.BatchKey("c2", models.MetricCPU): {IsAnomalous: true, ZScore: 5, Method: models.MethodZScore},
	}}
	// The second container's insight hits the dedup constraint.
	sink := &fakeSink{rejected: map[string]bool{"Anomalous cpu on db": true}}
	correlator := &fakeCorrelator{}
	investigator := &fakeInvestigator{}

	o := NewOrchestrator(Deps{
		Inventory:    inv,
		Metrics:      metrics,
		Detector:     detector,
		Insights:     sink,
		Correlator:   correlator,
		Investigator: investigator,
	}, testConfig(), observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalInsights)
	assert.Equal(t, 1, stats.InsertedInsights)

	// Only the committed insight reaches correlation and investigation.
	require.Len(t, correlator.received, 1)
	assert.Equal(t, "Anomalous cpu on web", correlator.received[0].Title)

	waitUntil(t, func() bool { return investigator.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, investigator.count())
}

func TestRunCycleSecurityFindings(t *testing.T) {
	privileged := runningContainer("c1", "web")
	privileged.HostConfig.Privileged = true

	inv := &fakeInventory{
		endpoints:  []inventory.RawEndpoint{upEndpoint(1, "prod")},
		containers: map[int][]inventory.RawContainer{1: {privileged}},
	}
	sink := &fakeSink{}

	scan := func(raw inventory.RawContainer) []models.SecurityFinding {
		if raw.HostConfig.Privileged {
			return []models.SecurityFinding{{
				Severity: models.SeverityCritical,
				Category: "privileged",
				Title:    "Container web runs privileged",
			}}
		}
		return nil
	}

	o := NewOrchestrator(Deps{
		Inventory: inv,
		Scan:      scan,
		Insights:  sink,
	}, testConfig(), observability.NewNoopLogger(), nil)

	stats, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TotalInsights)
	require.Len(t, sink.batch, 1)
	assert.Equal(t, "security:privileged", sink.batch[0].Category)
}
