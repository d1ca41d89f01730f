package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// Analyzer runs the bounded per-cycle model workloads: anomaly explanation
// and container log analysis. Each item is independent; one failed call
// never blocks the rest.
type Analyzer struct {
	client Client
	logger observability.Logger
}

// NewAnalyzer builds an Analyzer
func NewAnalyzer(client Client, logger observability.Logger) *Analyzer {
	return &Analyzer{client: client, logger: logger}
}

// ExplainAnomalies appends "AI Analysis: <text>" to the description of up to
// maxPerCycle anomaly insights, in place. Insights past the bound and failed
// calls are left untouched.
func (a *Analyzer) ExplainAnomalies(ctx context.Context, insights []*models.Insight, maxPerCycle int) int {
	if maxPerCycle <= 0 || len(insights) == 0 {
		return 0
	}

	var candidates []*models.Insight
	for _, in := range insights {
		if in.Category == models.CategoryAnomaly {
			candidates = append(candidates, in)
		}
		if len(candidates) == maxPerCycle {
			break
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		explained int
	)
	for _, in := range candidates {
		wg.Add(1)
		go func(in *models.Insight) {
			defer wg.Done()
			prompt := fmt.Sprintf(
				"You are a container operations assistant. Explain this anomaly in two sentences for an operator:\nTitle: %s\nDetails: %s",
				in.Title, in.Description)
			text, err := a.client.Chat(ctx, "anomaly-explanation", prompt)
			if err != nil {
				a.logger.Warn("Anomaly explanation failed", map[string]interface{}{
					"insight": in.Title,
					"error":   err.Error(),
				})
				return
			}
			mu.Lock()
			in.Description = in.Description + "\n\nAI Analysis: " + strings.TrimSpace(text)
			explained++
			mu.Unlock()
		}(in)
	}
	wg.Wait()
	return explained
}

// LogFetcher reads the recent log tail for one container
type LogFetcher func(ctx context.Context, endpointID int, containerID string, tailLines int) (string, error)

// AnalyzeLogs runs the model over the log tails of up to maxPerCycle
// containers and materializes findings as log-analysis insights. Containers
// whose logs look clean produce no insight.
func (a *Analyzer) AnalyzeLogs(ctx context.Context, containers []models.Container, fetch LogFetcher, maxPerCycle, tailLines int) []models.Insight {
	if maxPerCycle <= 0 || len(containers) == 0 {
		return nil
	}
	if len(containers) > maxPerCycle {
		containers = containers[:maxPerCycle]
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []models.Insight
	)
	for _, c := range containers {
		wg.Add(1)
		go func(c models.Container) {
			defer wg.Done()
			logs, err := fetch(ctx, c.EndpointID, c.ID, tailLines)
			if err != nil || strings.TrimSpace(logs) == "" {
				return
			}
			prompt := fmt.Sprintf(
				"Review these container logs for errors, crash loops, or misconfiguration. Reply NONE if nothing stands out, otherwise one short paragraph.\nContainer: %s\nLogs:\n%s",
				c.Name, logs)
			text, err := a.client.Chat(ctx, "log-analysis", prompt)
			if err != nil {
				a.logger.Warn("Log analysis failed", map[string]interface{}{
					"container": c.Name,
					"error":     err.Error(),
				})
				return
			}
			text = strings.TrimSpace(text)
			if text == "" || strings.EqualFold(text, "NONE") {
				return
			}

			cid, name, eid, ename := c.ID, c.Name, c.EndpointID, c.EndpointName
			mu.Lock()
			out = append(out, models.Insight{
				EndpointID:    &eid,
				EndpointName:  &ename,
				ContainerID:   &cid,
				ContainerName: &name,
				Severity:      models.SeverityWarning,
				Category:      models.CategoryLogAnalysis,
				Title:         fmt.Sprintf("Log analysis: %s", name),
				Description:   text,
			})
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}

// AnalyzeInfra streams one fleet-level triage reply. Used by the
// fire-and-forget analysis phase of the cycle.
func (a *Analyzer) AnalyzeInfra(ctx context.Context, summary string) (string, error) {
	prompt := "Given this container fleet summary, point out the one issue most worth an operator's attention, in three sentences or fewer:\n" + summary
	return a.client.Chat(ctx, "infra-analysis", prompt)
}
