package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harborwatch/harborwatch/internal/anomaly"
	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/inventory"
	"github.com/harborwatch/harborwatch/internal/llm"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/notify"
	"github.com/harborwatch/harborwatch/internal/observability"
	"github.com/harborwatch/harborwatch/internal/ws"
)

// The orchestrator sees its collaborators through narrow interfaces so each
// can be swapped out in tests and no package cycle forms around it.

// InventorySource is the slice of the inventory client the cycle needs
type InventorySource interface {
	GetEndpoints(ctx context.Context) ([]inventory.RawEndpoint, error)
	GetContainers(ctx context.Context, endpointID int) ([]inventory.RawContainer, error)
	GetContainerLogs(ctx context.Context, endpointID int, containerID string, tailLines int) (string, error)
	IsCircuitOpen(endpointID int) bool
	IsEndpointDegraded(endpointID int) bool
}

// MetricsReader issues the single batched metrics read per cycle
type MetricsReader interface {
	LatestBatch(ctx context.Context, containerIDs []string) (map[string]map[models.MetricType]float64, error)
}

// AnomalyDetector evaluates a batch of (container, metric) pairs
type AnomalyDetector interface {
	DetectBatch(ctx context.Context, items []anomaly.BatchDetectionItem, method string) (map[string]*models.AnomalyVerdict, error)
}

// SecurityScanner inspects one raw container descriptor
type SecurityScanner func(raw inventory.RawContainer) []models.SecurityFinding

// CapacityForecaster projects capacity exhaustion per series
type CapacityForecaster interface {
	Forecast(ctx context.Context, containerID, containerName string, metricType models.MetricType) (*models.CapacityForecast, error)
	ShouldAlert(fc *models.CapacityForecast) bool
}

// Analyzer runs the bounded language-model workloads
type Analyzer interface {
	ExplainAnomalies(ctx context.Context, insights []*models.Insight, maxPerCycle int) int
	AnalyzeLogs(ctx context.Context, containers []models.Container, fetch llm.LogFetcher, maxPerCycle, tailLines int) []models.Insight
	AnalyzeInfra(ctx context.Context, summary string) (string, error)
}

// InsightSink persists the cycle's insight batch
type InsightSink interface {
	Insert(ctx context.Context, in *models.Insight) error
	InsertBatch(ctx context.Context, batch []*models.Insight) (map[uuid.UUID]struct{}, error)
}

// Correlator groups committed insights into incidents
type Correlator interface {
	Correlate(ctx context.Context, insights []models.Insight) (int, error)
}

// Notifier fans an alert out to the configured channels
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification) int
}

// Investigator triages one committed insight
type Investigator interface {
	Investigate(ctx context.Context, in models.Insight)
}

// ActionSuggester maps an insight to a candidate remediation action
type ActionSuggester func(in models.Insight) *models.Action

// EventBus emits typed domain events
type EventBus interface {
	Emit(ctx context.Context, eventType string, data map[string]interface{})
}

// Deps collects every collaborator of the orchestrator. Optional fields may
// be nil; the corresponding phase is skipped.
type Deps struct {
	Inventory    InventorySource
	Metrics      MetricsReader
	Detector     AnomalyDetector
	Cooldowns    *anomaly.CooldownRegistry
	Forest       *anomaly.IsolationForest // nil unless enabled
	Scan         SecurityScanner
	Forecaster   CapacityForecaster // nil unless predictive alerting enabled
	Analyzer     Analyzer           // nil unless a language model is configured
	LM           llm.Client         // availability probe for phases 8, 9, 11
	Insights     InsightSink
	Correlator   Correlator
	Notifier     Notifier
	Investigator Investigator
	Suggest      ActionSuggester
	Bus          EventBus
	Store        *Store
}

// FetchEndpoints is the SWR loader the orchestrator uses for endpoint reads
type FetchEndpoints func(ctx context.Context) ([]inventory.RawEndpoint, error)

// Orchestrator runs one monitoring cycle end to end
type Orchestrator struct {
	deps    Deps
	cfg     config.Config
	logger  observability.Logger
	metrics *observability.Metrics

	nsMu      sync.RWMutex
	namespace *ws.Namespace

	prevMu    sync.Mutex
	prevStats map[string]int

	asyncWG sync.WaitGroup
}

// NewOrchestrator builds the orchestrator
func NewOrchestrator(deps Deps, cfg config.Config, logger observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		logger:    logger.WithPrefix("monitor"),
		metrics:   metrics,
		prevStats: make(map[string]int),
	}
}

// SetNamespace wires the websocket namespace once the hub is up. Legal to
// leave unset; broadcasts become no-ops.
func (o *Orchestrator) SetNamespace(ns *ws.Namespace) {
	o.nsMu.Lock()
	o.namespace = ns
	o.nsMu.Unlock()
}

func (o *Orchestrator) ns() *ws.Namespace {
	o.nsMu.RLock()
	defer o.nsMu.RUnlock()
	return o.namespace
}

// Shutdown waits for in-flight async analysis, bounded by the context
func (o *Orchestrator) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.asyncWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Shutdown reached deadline with async analysis still running", nil)
	}
}

// snapshot carries the normalized fleet state through the cycle's phases
type snapshot struct {
	endpoints     []models.Endpoint
	containers    []models.Container
	rawContainers []inventory.RawContainer
	metricsByID   map[string]map[models.MetricType]float64
}

// RunCycle executes phases 1 through 15 under the configured deadline. The
// cycle row is persisted even when a phase fails.
func (o *Orchestrator) RunCycle(ctx context.Context) (stats models.CycleStats, err error) {
	deadline := o.cfg.Monitoring.CycleDeadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	defer func() {
		stats.DurationMS = time.Since(start).Milliseconds()
		o.finalize(stats, err)
	}()

	ctx, span := observability.StartSpan(ctx, "monitor.cycle")
	defer span.End()

	snap, err := o.fetchSnapshot(ctx, &stats)
	if err != nil {
		return stats, err
	}

	o.readMetrics(ctx, snap)

	findings := o.scanSecurity(snap)

	anomalyInsights, flagged := o.detectAnomalies(ctx, snap)
	anomalyInsights = append(anomalyInsights, o.thresholdPass(snap, flagged)...)
	anomalyInsights = append(anomalyInsights, o.isolationPass(snap, flagged)...)

	predictive := o.predictivePass(ctx, snap)

	lmUp := o.deps.Analyzer != nil && o.deps.LM != nil && o.deps.LM.Available(ctx)
	if lmUp && len(anomalyInsights) > 0 && o.cfg.AI.ExplanationEnabled {
		explained := o.deps.Analyzer.ExplainAnomalies(ctx, anomalyInsights, o.cfg.AI.ExplanationMaxPerCycle)
		o.logger.Debug("Anomaly explanations attached", map[string]interface{}{
			"explained": explained,
		})
	}

	var logInsights []models.Insight
	if lmUp && o.cfg.AI.LogAnalysisEnabled {
		logInsights = o.deps.Analyzer.AnalyzeLogs(ctx, snap.containers,
			o.deps.Inventory.GetContainerLogs, o.cfg.AI.LogAnalysisMaxPerCycle, o.cfg.AI.LogAnalysisTailLines)
	}

	securityInsights := materializeFindings(findings)

	if lmUp && o.cfg.AI.Enabled {
		o.asyncInfraAnalysis(snap, stats)
	}

	all := make([]*models.Insight, 0, len(anomalyInsights)+len(predictive)+len(logInsights)+len(securityInsights))
	all = append(all, anomalyInsights...)
	all = append(all, predictive...)
	for i := range logInsights {
		all = append(all, &logInsights[i])
	}
	all = append(all, securityInsights...)

	maxInsights := o.cfg.Monitoring.MaxInsightsPerCycle
	if maxInsights > 0 && len(all) > maxInsights {
		o.logger.Warn("Insight batch truncated", map[string]interface{}{
			"produced": len(all),
			"kept":     maxInsights,
		})
		all = all[:maxInsights]
	}
	stats.TotalInsights = len(all)

	inserted := o.persistBatch(ctx, all, &stats)

	o.fanOut(ctx, all, inserted)

	if o.deps.Correlator != nil && len(inserted) > 0 {
		committed := make([]models.Insight, 0, len(inserted))
		for _, in := range all {
			if _, ok := inserted[in.ID]; ok {
				committed = append(committed, *in)
			}
		}
		created, corrErr := o.deps.Correlator.Correlate(ctx, committed)
		if corrErr != nil {
			o.logger.Error("Incident correlation failed", map[string]interface{}{
				"error": corrErr.Error(),
			})
		}
		stats.IncidentsCreated = created
		o.logger.Debug("Correlation complete", map[string]interface{}{
			"incidents_created": created,
		})
	}

	return stats, nil
}

// fetchSnapshot is phase 1: endpoints, bounded container fan-out, snapshot row
func (o *Orchestrator) fetchSnapshot(ctx context.Context, stats *models.CycleStats) (*snapshot, error) {
	rawEndpoints, err := o.deps.Inventory.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{metricsByID: map[string]map[models.MetricType]float64{}}

	var active []models.Endpoint
	for _, raw := range rawEndpoints {
		ep := inventory.NormalizeEndpoint(raw)
		snap.endpoints = append(snap.endpoints, ep)
		if ep.Status != models.EndpointUp {
			continue
		}
		if o.deps.Inventory.IsCircuitOpen(ep.ID) || o.deps.Inventory.IsEndpointDegraded(ep.ID) {
			stats.SkippedCircuitBreaker++
			continue
		}
		active = append(active, ep)
	}
	stats.Endpoints = len(snap.endpoints)

	type fetchResult struct {
		endpoint models.Endpoint
		raw      []inventory.RawContainer
	}
	results := make([]fetchResult, len(active))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(minInt(64, len(active)+1))
	var mu sync.Mutex
	for i, ep := range active {
		i, ep := i, ep
		g.Go(func() error {
			raw, fetchErr := o.deps.Inventory.GetContainers(gctx, ep.ID)
			if fetchErr != nil {
				mu.Lock()
				if inventory.IsCircuitOpen(fetchErr) {
					stats.CircuitBreakerSkips++
				} else {
					stats.ContainerFetchFailures++
				}
				mu.Unlock()
				o.logger.Warn("Container fetch failed", map[string]interface{}{
					"endpoint_id": ep.ID,
					"error":       fetchErr.Error(),
				})
				return nil
			}
			results[i] = fetchResult{endpoint: ep, raw: raw}
			return nil
		})
	}
	_ = g.Wait()

	var running, stopped, unhealthy, up, down int
	for _, ep := range snap.endpoints {
		if ep.Status == models.EndpointUp {
			up++
		} else {
			down++
		}
	}
	for _, res := range results {
		for _, raw := range res.raw {
			c := inventory.NormalizeContainer(raw, res.endpoint)
			snap.containers = append(snap.containers, c)
			snap.rawContainers = append(snap.rawContainers, raw)
			switch c.State {
			case models.ContainerRunning:
				running++
			default:
				stopped++
			}
			if c.HealthStatus == "unhealthy" {
				unhealthy++
			}
		}
	}
	stats.Containers = len(snap.containers)

	if o.deps.Store != nil {
		row := &models.Snapshot{
			ContainersRunning:   running,
			ContainersStopped:   stopped,
			ContainersUnhealthy: unhealthy,
			EndpointsUp:         up,
			EndpointsDown:       down,
		}
		if writeErr := o.deps.Store.WriteSnapshot(ctx, row); writeErr != nil {
			o.logger.Error("Failed to persist snapshot", map[string]interface{}{
				"error": writeErr.Error(),
			})
		}
	}
	return snap, nil
}

// readMetrics is phase 2: one batched read over live-stats containers
func (o *Orchestrator) readMetrics(ctx context.Context, snap *snapshot) {
	liveStats := make(map[int]bool, len(snap.endpoints))
	for _, ep := range snap.endpoints {
		liveStats[ep.ID] = ep.Capabilities.LiveStats
	}

	var ids []string
	for _, c := range snap.containers {
		if c.State == models.ContainerRunning && liveStats[c.EndpointID] {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 || o.deps.Metrics == nil {
		return
	}

	byID, err := o.deps.Metrics.LatestBatch(ctx, ids)
	if err != nil {
		o.logger.Warn("Batched metrics read failed, continuing without metrics", map[string]interface{}{
			"containers": len(ids),
			"error":      err.Error(),
		})
		return
	}
	snap.metricsByID = byID
}

// scanSecurity is phase 3: pure scan over every raw container
func (o *Orchestrator) scanSecurity(snap *snapshot) map[int][]models.SecurityFinding {
	if o.deps.Scan == nil {
		return nil
	}
	out := make(map[int][]models.SecurityFinding)
	for i, raw := range snap.rawContainers {
		if findings := o.deps.Scan(raw); len(findings) > 0 {
			out[i] = findings
		}
	}
	return out
}

type securityFindingSet = map[int][]models.SecurityFinding

// detectAnomalies is phase 4. flagged records "containerID:metric" keys that
// produced an insight, for the threshold and isolation passes.
func (o *Orchestrator) detectAnomalies(ctx context.Context, snap *snapshot) ([]*models.Insight, map[string]bool) {
	flagged := make(map[string]bool)
	if o.deps.Detector == nil {
		return nil, flagged
	}

	var items []anomaly.BatchDetectionItem
	for _, c := range snap.containers {
		metrics, ok := snap.metricsByID[c.ID]
		if !ok || c.State != models.ContainerRunning {
			continue
		}
		for _, mt := range []models.MetricType{models.MetricCPU, models.MetricMemory} {
			if value, has := metrics[mt]; has {
				items = append(items, anomaly.BatchDetectionItem{
					ContainerID:   c.ID,
					ContainerName: c.Name,
					MetricType:    mt,
					CurrentValue:  value,
				})
			}
		}
	}
	if len(items) == 0 {
		return nil, flagged
	}

	verdicts, err := o.deps.Detector.DetectBatch(ctx, items, o.cfg.Anomaly.Method)
	if err != nil {
		o.logger.Error("Batch anomaly detection failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, flagged
	}

	containerByID := indexContainers(snap.containers)

	var out []*models.Insight
	for _, item := range items {
		key := anomaly.BatchKey(item.ContainerID, item.MetricType)
		verdict, ok := verdicts[key]
		if !ok || !verdict.IsAnomalous {
			continue
		}
		flagged[key] = true
		if o.deps.Cooldowns != nil && !o.deps.Cooldowns.Allow(key) {
			continue
		}

		severity := models.SeverityWarning
		if math.Abs(verdict.ZScore) > 4 {
			severity = models.SeverityCritical
		}
		c := containerByID[item.ContainerID]
		out = append(out, o.newInsight(c, severity, models.CategoryAnomaly,
			fmt.Sprintf("Anomalous %s on %s", item.MetricType, item.ContainerName),
			anomaly.DescribeVerdict(item.MetricType, verdict)))
	}
	return out, flagged
}

// sortedMetricIDs fixes the iteration order over the per-cycle metrics map
// so the insight cap truncates the same containers every run.
func sortedMetricIDs(snap *snapshot) []string {
	ids := make([]string, 0, len(snap.metricsByID))
	for id := range snap.metricsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// thresholdPass is phase 5: hard limits for pairs the statistical pass missed
func (o *Orchestrator) thresholdPass(snap *snapshot, flagged map[string]bool) []*models.Insight {
	if !o.cfg.Anomaly.HardThresholdEnabled {
		return nil
	}
	containerByID := indexContainers(snap.containers)

	var out []*models.Insight
	for _, id := range sortedMetricIDs(snap) {
		metrics := snap.metricsByID[id]
		c, ok := containerByID[id]
		if !ok {
			continue
		}
		for _, mt := range []models.MetricType{models.MetricCPU, models.MetricMemory} {
			value, has := metrics[mt]
			if !has || value <= o.cfg.Anomaly.ThresholdPct {
				continue
			}
			key := anomaly.BatchKey(id, mt)
			if flagged[key] {
				continue
			}
			if o.deps.Cooldowns != nil && !o.deps.Cooldowns.Allow(key+anomaly.ThresholdVariant) {
				continue
			}
			severity := models.SeverityWarning
			if value > 95 {
				severity = models.SeverityCritical
			}
			out = append(out, o.newInsight(c, severity, models.CategoryAnomaly,
				fmt.Sprintf("High %s on %s", mt, c.Name),
				fmt.Sprintf("%s %s is at %.1f%%, above the configured limit of %.0f%%.",
					c.Name, mt, value, o.cfg.Anomaly.ThresholdPct)))
		}
	}
	return out
}

// isolationPass is phase 6: multivariate detection, one insight per container
func (o *Orchestrator) isolationPass(snap *snapshot, flagged map[string]bool) []*models.Insight {
	if o.deps.Forest == nil {
		return nil
	}
	containerByID := indexContainers(snap.containers)

	var out []*models.Insight
	for _, id := range sortedMetricIDs(snap) {
		metrics := snap.metricsByID[id]
		cpu, hasCPU := metrics[models.MetricCPU]
		mem, hasMem := metrics[models.MetricMemory]
		if !hasCPU || !hasMem {
			continue
		}
		o.deps.Forest.Observe(id, cpu, mem)

		if flagged[anomaly.BatchKey(id, models.MetricCPU)] || flagged[anomaly.BatchKey(id, models.MetricMemory)] {
			continue
		}
		c, ok := containerByID[id]
		if !ok {
			continue
		}
		verdict := o.deps.Forest.Detect(id, c.Name, models.MetricCPU, cpu, cpu, mem)
		if verdict == nil || !verdict.IsAnomalous {
			continue
		}
		out = append(out, o.newInsight(c, models.SeverityWarning, models.CategoryAnomaly,
			fmt.Sprintf("Unusual resource pattern on %s", c.Name),
			fmt.Sprintf("The cpu/memory combination (%.1f%%, %.1f%%) is an outlier against %s's recent behavior (isolation forest).",
				cpu, mem, c.Name)))
	}
	return out
}

// predictivePass is phase 7
func (o *Orchestrator) predictivePass(ctx context.Context, snap *snapshot) []*models.Insight {
	if o.deps.Forecaster == nil || !o.cfg.Predictive.Enabled {
		return nil
	}

	var out []*models.Insight
	for _, c := range snap.containers {
		if c.State != models.ContainerRunning {
			continue
		}
		if _, hasMetrics := snap.metricsByID[c.ID]; !hasMetrics {
			continue
		}
		for _, mt := range []models.MetricType{models.MetricCPU, models.MetricMemory} {
			fc, err := o.deps.Forecaster.Forecast(ctx, c.ID, c.Name, mt)
			if err != nil {
				o.logger.Debug("Forecast failed", map[string]interface{}{
					"container_id": c.ID,
					"metric_type":  string(mt),
					"error":        err.Error(),
				})
				continue
			}
			if fc == nil || fc.Confidence == models.ConfidenceLow || !o.deps.Forecaster.ShouldAlert(fc) {
				continue
			}
			severity := models.SeverityInfo
			switch {
			case fc.TimeToThreshold < 4:
				severity = models.SeverityCritical
			case fc.TimeToThreshold < 12:
				severity = models.SeverityWarning
			}
			out = append(out, o.newInsight(c, severity, models.CategoryPredictive,
				fmt.Sprintf("Capacity: %s %s trending toward limit", c.Name, mt),
				fmt.Sprintf("%s %s is at %.1f%% and rising %.2f%%/hour; projected to hit the limit in %.1f hours.",
					c.Name, mt, fc.CurrentValue, fc.SlopePerHour, fc.TimeToThreshold)))
		}
	}
	return out
}

// asyncInfraAnalysis is phase 11: fire-and-forget, joined only at shutdown
func (o *Orchestrator) asyncInfraAnalysis(snap *snapshot, stats models.CycleStats) {
	summary := fmt.Sprintf("%d endpoints, %d containers (%d insights so far this cycle). Unhealthy containers: %s",
		stats.Endpoints, stats.Containers, stats.TotalInsights, unhealthyNames(snap.containers))

	o.asyncWG.Add(1)
	go func() {
		defer o.asyncWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		text, err := o.deps.Analyzer.AnalyzeInfra(ctx, summary)
		if err != nil {
			o.logger.Warn("Infra analysis failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		in := &models.Insight{
			Severity:    models.SeverityInfo,
			Category:    models.CategoryAIAnalysis,
			Title:       "Fleet analysis",
			Description: text,
		}
		if err := o.deps.Insights.Insert(ctx, in); err != nil {
			o.logger.Error("Failed to persist infra analysis insight", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		o.ns().Broadcast(ws.RoomAll, "insights:new", in)
	}()
}

// persistBatch is phase 12
func (o *Orchestrator) persistBatch(ctx context.Context, all []*models.Insight, stats *models.CycleStats) map[uuid.UUID]struct{} {
	if len(all) == 0 || o.deps.Insights == nil {
		return nil
	}
	inserted, err := o.deps.Insights.InsertBatch(ctx, all)
	if err != nil {
		o.logger.Error("Insight batch insert failed", map[string]interface{}{
			"batch_size": len(all),
			"error":      err.Error(),
		})
		return nil
	}
	stats.InsertedInsights = len(inserted)
	return inserted
}

// fanOut is phase 13: broadcast, typed events, notifications, investigations
func (o *Orchestrator) fanOut(ctx context.Context, all []*models.Insight, inserted map[uuid.UUID]struct{}) {
	if len(all) == 0 {
		return
	}

	if ns := o.ns(); ns != nil && len(inserted) > 0 {
		ns.Broadcast(ws.RoomAll, "insights:batch", all)
		for _, in := range all {
			ns.Broadcast("severity:"+string(in.Severity), "insights:new", in)
		}
	}

	suggestions := 0
	for _, in := range all {
		if o.metrics != nil {
			o.metrics.InsightsEmitted.WithLabelValues(in.Category, string(in.Severity)).Inc()
		}

		if o.deps.Bus != nil {
			eventType := models.EventInsightCreated
			if in.Category == models.CategoryAnomaly {
				eventType = models.EventAnomalyDetected
			}
			o.deps.Bus.Emit(ctx, eventType, insightEventData(in))
		}

		if o.deps.Notifier != nil && (in.Severity == models.SeverityCritical || in.Severity == models.SeverityWarning) {
			go o.deps.Notifier.Dispatch(context.WithoutCancel(ctx), insightNotification(in))
		}

		_, committed := inserted[in.ID]
		if o.deps.Investigator != nil && committed && investigationEligible(*in) {
			go o.deps.Investigator.Investigate(context.WithoutCancel(ctx), *in)
		}

		if o.deps.Suggest != nil {
			if action := o.deps.Suggest(*in); action != nil {
				suggestions++
			}
		}
	}
	if suggestions > 0 {
		o.logger.Debug("Remediation suggestions produced", map[string]interface{}{
			"count": suggestions,
		})
	}
}

// finalize is phase 15: cycle row, delta-based logging, cycle:complete
func (o *Orchestrator) finalize(stats models.CycleStats, cycleErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errMsg *string
	outcome := "success"
	if cycleErr != nil {
		msg := cycleErr.Error()
		errMsg = &msg
		outcome = "failure"
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.WriteCycle(ctx, stats, errMsg); err != nil {
			o.logger.Error("Failed to persist cycle row", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if o.metrics != nil {
		o.metrics.CycleDuration.Observe(float64(stats.DurationMS) / 1000)
		o.metrics.CycleRuns.WithLabelValues(outcome).Inc()
	}

	o.ns().Broadcast(ws.RoomAll, "cycle:complete", map[string]interface{}{
		"duration":      stats.DurationMS,
		"endpoints":     stats.Endpoints,
		"containers":    stats.Containers,
		"totalInsights": stats.TotalInsights,
	})

	fields := map[string]interface{}{
		"duration_ms":              stats.DurationMS,
		"endpoints":                stats.Endpoints,
		"containers":               stats.Containers,
		"total_insights":           stats.TotalInsights,
		"inserted_insights":        stats.InsertedInsights,
		"skipped_cb":               stats.SkippedCircuitBreaker,
		"circuit_breaker_skips":    stats.CircuitBreakerSkips,
		"container_fetch_failures": stats.ContainerFetchFailures,
		"incidents_created":        stats.IncidentsCreated,
	}
	if cycleErr != nil {
		fields["error"] = cycleErr.Error()
		o.logger.Error("Monitoring cycle failed", fields)
		return
	}
	if o.deltaChanged(stats) {
		o.logger.Info("Monitoring cycle complete", fields)
	} else {
		o.logger.Debug("Monitoring cycle complete", fields)
	}
}

// deltaChanged reports whether any counter moved more than 10% against the
// previous cycle. A counter going from zero logs only when it became nonzero.
func (o *Orchestrator) deltaChanged(stats models.CycleStats) bool {
	current := map[string]int{
		"endpoints":                stats.Endpoints,
		"containers":               stats.Containers,
		"total_insights":           stats.TotalInsights,
		"inserted_insights":        stats.InsertedInsights,
		"skipped_cb":               stats.SkippedCircuitBreaker,
		"circuit_breaker_skips":    stats.CircuitBreakerSkips,
		"container_fetch_failures": stats.ContainerFetchFailures,
		"incidents_created":        stats.IncidentsCreated,
	}

	o.prevMu.Lock()
	defer o.prevMu.Unlock()
	prev := o.prevStats
	o.prevStats = current

	if len(prev) == 0 {
		return true
	}
	for key, cur := range current {
		before := prev[key]
		if before == 0 {
			if cur > 0 {
				return true
			}
			continue
		}
		if math.Abs(float64(cur-before))/float64(before) > 0.10 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) newInsight(c models.Container, severity models.Severity, category, title, description string) *models.Insight {
	in := &models.Insight{
		Severity:    severity,
		Category:    category,
		Title:       title,
		Description: description,
	}
	if c.ID != "" {
		cid, name, eid, ename := c.ID, c.Name, c.EndpointID, c.EndpointName
		in.ContainerID = &cid
		in.ContainerName = &name
		in.EndpointID = &eid
		in.EndpointName = &ename
	}
	return in
}

func materializeFindings(findings securityFindingSet) []*models.Insight {
	var out []*models.Insight
	for _, group := range findings {
		for _, f := range group {
			out = append(out, &models.Insight{
				Severity:    f.Severity,
				Category:    models.SecurityCategoryPrefix + f.Category,
				Title:       f.Title,
				Description: f.Description,
			})
		}
	}
	return out
}

func investigationEligible(in models.Insight) bool {
	switch in.Category {
	case models.CategoryAnomaly:
		return true
	case models.CategoryPredictive:
		return in.Severity != models.SeverityInfo
	default:
		return false
	}
}

func insightEventData(in *models.Insight) map[string]interface{} {
	data := map[string]interface{}{
		"insight_id": in.ID.String(),
		"severity":   string(in.Severity),
		"category":   in.Category,
		"title":      in.Title,
	}
	if in.ContainerID != nil {
		data["container_id"] = *in.ContainerID
	}
	if in.EndpointID != nil {
		data["endpoint_id"] = *in.EndpointID
	}
	return data
}

func insightNotification(in *models.Insight) notify.Notification {
	n := notify.Notification{
		EventType: models.EventInsightCreated,
		Title:     in.Title,
		Body:      in.Description,
		Severity:  in.Severity,
	}
	if in.Category == models.CategoryAnomaly {
		n.EventType = models.EventAnomalyDetected
	}
	if in.ContainerID != nil {
		n.ContainerID = *in.ContainerID
	}
	if in.ContainerName != nil {
		n.ContainerName = *in.ContainerName
	}
	if in.EndpointID != nil {
		n.EndpointID = *in.EndpointID
	}
	return n
}

func unhealthyNames(containers []models.Container) string {
	names := "none"
	var list []byte
	for _, c := range containers {
		if c.HealthStatus == "unhealthy" {
			if len(list) > 0 {
				list = append(list, ", "...)
			}
			list = append(list, c.Name...)
		}
	}
	if len(list) > 0 {
		names = string(list)
	}
	return names
}

func indexContainers(containers []models.Container) map[string]models.Container {
	out := make(map[string]models.Container, len(containers))
	for _, c := range containers {
		out[c.ID] = c
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
