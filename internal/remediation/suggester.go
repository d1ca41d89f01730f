package remediation

import (
	"strings"

	"github.com/harborwatch/harborwatch/internal/models"
)

// SuggestAction maps an insight to a candidate remediation action, or nil
// when no automated action is sensible. Suggestions are telemetry for the
// dashboard; nothing executes without operator approval.
func SuggestAction(in models.Insight) *models.Action {
	if in.ContainerID == nil || in.EndpointID == nil {
		return nil
	}

	var (
		actionType models.ActionType
		rationale  string
	)
	switch {
	case in.Category == models.CategoryAnomaly && in.Severity == models.SeverityCritical:
		actionType = models.ActionRestartContainer
		rationale = "Critical resource anomaly; a restart clears leaked state in most cases"
	case strings.Contains(strings.ToLower(in.Title), "unhealthy"):
		actionType = models.ActionRestartContainer
		rationale = "Container reports unhealthy; restart to re-run the health check from a clean start"
	case strings.Contains(strings.ToLower(in.Title), "crash loop"),
		strings.Contains(strings.ToLower(in.Description), "crash loop"):
		actionType = models.ActionStopContainer
		rationale = "Crash looping; stop it until the underlying fault is fixed"
	case strings.Contains(strings.ToLower(in.Title), "exited unexpectedly"):
		actionType = models.ActionStartContainer
		rationale = "Container exited unexpectedly; start it back up"
	default:
		return nil
	}

	name := ""
	if in.ContainerName != nil {
		name = *in.ContainerName
	}
	insightID := in.ID
	return &models.Action{
		InsightID:     &insightID,
		EndpointID:    *in.EndpointID,
		ContainerID:   *in.ContainerID,
		ContainerName: name,
		ActionType:    actionType,
		Rationale:     rationale,
		Status:        models.ActionPending,
	}
}
