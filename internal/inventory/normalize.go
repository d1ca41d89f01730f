package inventory

import (
	"sort"
	"strings"

	"github.com/harborwatch/harborwatch/internal/models"
)

// NormalizeEndpoint converts the upstream endpoint DTO into the domain shape
func NormalizeEndpoint(raw RawEndpoint) models.Endpoint {
	ep := models.Endpoint{
		ID:     raw.ID,
		Name:   raw.Name,
		Status: models.EndpointDown,
	}
	if raw.Status == 1 {
		ep.Status = models.EndpointUp
	}

	// Edge endpoints lack live stats and realtime log/exec support.
	isEdge := raw.EdgeID != ""
	ep.Capabilities = models.EndpointCapabilities{
		LiveStats:    !isEdge,
		RealtimeLogs: !isEdge,
		Exec:         !isEdge,
	}

	if len(raw.Snapshots) > 0 {
		snap := raw.Snapshots[len(raw.Snapshots)-1]
		ep.ContainersRunning = snap.RunningContainerCount
		ep.ContainersStopped = snap.StoppedContainerCount
		ep.ContainersHealthy = snap.HealthyContainerCount
		ep.ContainersUnhealthy = snap.UnhealthyContainerCount
		ep.StackCount = snap.StackCount
	}
	return ep
}

// NormalizeContainer converts the upstream container DTO into the domain
// shape. Port and network sequences are ordered deterministically.
func NormalizeContainer(raw RawContainer, endpoint models.Endpoint) models.Container {
	name := raw.ID
	if len(raw.Names) > 0 {
		name = strings.TrimPrefix(raw.Names[0], "/")
	}

	state := models.ContainerUnknown
	switch strings.ToLower(raw.State) {
	case "running":
		state = models.ContainerRunning
	case "exited", "stopped", "created":
		state = models.ContainerStopped
	case "paused":
		state = models.ContainerPaused
	case "dead":
		state = models.ContainerDead
	}

	ports := make([]models.PortBinding, 0, len(raw.Ports))
	for _, p := range raw.Ports {
		ports = append(ports, models.PortBinding{
			PrivatePort: p.PrivatePort,
			PublicPort:  p.PublicPort,
			Protocol:    p.Type,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].PrivatePort < ports[j].PrivatePort })

	networks := make([]string, 0, len(raw.NetworkSettings.Networks))
	for n := range raw.NetworkSettings.Networks {
		networks = append(networks, n)
	}
	sort.Strings(networks)

	return models.Container{
		ID:           raw.ID,
		EndpointID:   endpoint.ID,
		EndpointName: endpoint.Name,
		Name:         name,
		Image:        raw.Image,
		State:        state,
		Labels:       raw.Labels,
		Ports:        ports,
		Networks:     networks,
		HealthStatus: healthFromStatus(raw.Status),
	}
}

// healthFromStatus extracts the health substring from a docker status line
// like "Up 3 hours (unhealthy)".
func healthFromStatus(status string) string {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "(healthy)"):
		return "healthy"
	case strings.Contains(s, "(unhealthy)"):
		return "unhealthy"
	case strings.Contains(s, "health: starting"):
		return "starting"
	}
	return ""
}
