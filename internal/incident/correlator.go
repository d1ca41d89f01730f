package incident

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// suppressWindow keeps repeated cycles from re-filing the same incident
// while the underlying condition persists.
const suppressWindow = time.Hour

// Correlator groups a cycle's committed insights into incidents. It only
// ever sees insights whose ids the batch insert actually committed, so every
// related_insight_ids entry is a valid foreign key.
type Correlator struct {
	store  *Store
	logger observability.Logger
}

// NewCorrelator builds a Correlator
func NewCorrelator(store *Store, logger observability.Logger) *Correlator {
	return &Correlator{store: store, logger: logger}
}

// Correlate inspects one cycle's inserted insights and files incidents.
// Returns the number of incidents created. Grouping passes, strongest first:
//
//	cascade:  a critical insight plus warnings on the same endpoint
//	temporal: three or more insights on one endpoint in the same cycle
//	semantic: one category hitting three or more distinct containers
//	dedup:    repeated findings against a single container
//
// Each insight joins at most one incident per cycle.
func (c *Correlator) Correlate(ctx context.Context, insights []models.Insight) (int, error) {
	if len(insights) < 2 {
		return 0, nil
	}

	claimed := make(map[string]bool, len(insights))
	created := 0

	for _, group := range c.cascadeGroups(insights, claimed) {
		if c.file(ctx, group) {
			created++
		}
	}
	for _, group := range c.temporalGroups(insights, claimed) {
		if c.file(ctx, group) {
			created++
		}
	}
	for _, group := range c.semanticGroups(insights, claimed) {
		if c.file(ctx, group) {
			created++
		}
	}
	for _, group := range c.dedupGroups(insights, claimed) {
		if c.file(ctx, group) {
			created++
		}
	}
	return created, nil
}

type candidate struct {
	title      string
	severity   models.Severity
	root       models.Insight
	members    []models.Insight
	kind       models.CorrelationType
	confidence models.CorrelationConfidence
}

func (c *Correlator) file(ctx context.Context, cand candidate) bool {
	exists, err := c.store.RecentExists(ctx, cand.title, suppressWindow)
	if err != nil {
		c.logger.Error("Incident suppression check failed", map[string]interface{}{
			"title": cand.title,
			"error": err.Error(),
		})
		return false
	}
	if exists {
		return false
	}

	ids := make(pq.StringArray, 0, len(cand.members))
	containerSeen := make(map[string]bool)
	var containers pq.StringArray
	for _, in := range cand.members {
		ids = append(ids, in.ID.String())
		if in.ContainerID != nil && !containerSeen[*in.ContainerID] {
			containerSeen[*in.ContainerID] = true
			containers = append(containers, *in.ContainerID)
		}
	}

	inc := &models.Incident{
		Title:                 cand.title,
		Severity:              cand.severity,
		RootCauseInsightID:    cand.root.ID,
		RelatedInsightIDs:     ids,
		AffectedContainers:    containers,
		CorrelationType:       cand.kind,
		CorrelationConfidence: cand.confidence,
	}
	if err := c.store.Create(ctx, inc); err != nil {
		c.logger.Error("Failed to create incident", map[string]interface{}{
			"title": cand.title,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// cascadeGroups finds a critical insight with warning fallout on the same
// endpoint. The critical insight is the root cause.
func (c *Correlator) cascadeGroups(insights []models.Insight, claimed map[string]bool) []candidate {
	byEndpoint := groupByEndpoint(insights, claimed)
	var out []candidate
	for _, group := range byEndpoint {
		var critical *models.Insight
		for i := range group {
			if group[i].Severity == models.SeverityCritical {
				if critical == nil || group[i].CreatedAt.Before(critical.CreatedAt) {
					critical = &group[i]
				}
			}
		}
		if critical == nil {
			continue
		}
		members := []models.Insight{*critical}
		for _, in := range group {
			if in.ID != critical.ID && in.Severity == models.SeverityWarning {
				members = append(members, in)
			}
		}
		if len(members) < 2 {
			continue
		}
		confidence := models.ConfidenceMedium
		if len(members) >= 3 {
			confidence = models.ConfidenceHigh
		}
		claim(claimed, members)
		out = append(out, candidate{
			title:      fmt.Sprintf("Cascading failure on %s", endpointLabel(*critical)),
			severity:   models.SeverityCritical,
			root:       *critical,
			members:    members,
			kind:       models.CorrelationCascade,
			confidence: confidence,
		})
	}
	return out
}

// temporalGroups catches endpoints with a burst of unclaimed insights in a
// single cycle.
func (c *Correlator) temporalGroups(insights []models.Insight, claimed map[string]bool) []candidate {
	byEndpoint := groupByEndpoint(insights, claimed)
	var out []candidate
	for _, group := range byEndpoint {
		if len(group) < 3 {
			continue
		}
		root := mostSevere(group)
		claim(claimed, group)
		out = append(out, candidate{
			title:      fmt.Sprintf("Multiple issues on %s", endpointLabel(root)),
			severity:   root.Severity,
			root:       root,
			members:    group,
			kind:       models.CorrelationTemporal,
			confidence: models.ConfidenceMedium,
		})
	}
	return out
}

// semanticGroups catches one category hitting three or more containers
// across the fleet, endpoint-independent.
func (c *Correlator) semanticGroups(insights []models.Insight, claimed map[string]bool) []candidate {
	byCategory := make(map[string][]models.Insight)
	for _, in := range insights {
		if claimed[in.ID.String()] || in.ContainerID == nil {
			continue
		}
		byCategory[in.Category] = append(byCategory[in.Category], in)
	}

	var out []candidate
	for category, group := range byCategory {
		containers := make(map[string]bool)
		for _, in := range group {
			containers[*in.ContainerID] = true
		}
		if len(containers) < 3 {
			continue
		}
		root := mostSevere(group)
		claim(claimed, group)
		out = append(out, candidate{
			title:      fmt.Sprintf("Fleet-wide %s findings across %d containers", category, len(containers)),
			severity:   root.Severity,
			root:       root,
			members:    group,
			kind:       models.CorrelationSemantic,
			confidence: models.ConfidenceLow,
		})
	}
	return out
}

// dedupGroups collapses repeated findings against a single container.
func (c *Correlator) dedupGroups(insights []models.Insight, claimed map[string]bool) []candidate {
	byContainer := make(map[string][]models.Insight)
	for _, in := range insights {
		if claimed[in.ID.String()] || in.ContainerID == nil {
			continue
		}
		byContainer[*in.ContainerID] = append(byContainer[*in.ContainerID], in)
	}

	var out []candidate
	for _, group := range byContainer {
		if len(group) < 2 {
			continue
		}
		root := mostSevere(group)
		name := root.ContainerName
		label := *group[0].ContainerID
		if name != nil && *name != "" {
			label = *name
		}
		claim(claimed, group)
		out = append(out, candidate{
			title:      fmt.Sprintf("Recurring issues on container %s", label),
			severity:   root.Severity,
			root:       root,
			members:    group,
			kind:       models.CorrelationDedup,
			confidence: models.ConfidenceHigh,
		})
	}
	return out
}

func groupByEndpoint(insights []models.Insight, claimed map[string]bool) map[int][]models.Insight {
	out := make(map[int][]models.Insight)
	for _, in := range insights {
		if claimed[in.ID.String()] || in.EndpointID == nil {
			continue
		}
		out[*in.EndpointID] = append(out[*in.EndpointID], in)
	}
	for _, group := range out {
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt.Before(group[j].CreatedAt) })
	}
	return out
}

func claim(claimed map[string]bool, members []models.Insight) {
	for _, in := range members {
		claimed[in.ID.String()] = true
	}
}

func mostSevere(group []models.Insight) models.Insight {
	rank := func(s models.Severity) int {
		switch s {
		case models.SeverityCritical:
			return 2
		case models.SeverityWarning:
			return 1
		default:
			return 0
		}
	}
	best := group[0]
	for _, in := range group[1:] {
		if rank(in.Severity) > rank(best.Severity) {
			best = in
		}
	}
	return best
}

func endpointLabel(in models.Insight) string {
	if in.EndpointName != nil && *in.EndpointName != "" {
		return *in.EndpointName
	}
	if in.EndpointID != nil {
		return fmt.Sprintf("endpoint %d", *in.EndpointID)
	}
	return "unknown endpoint"
}
