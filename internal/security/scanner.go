// Package security inspects container descriptors for risky configuration.
// ScanContainer is a pure function over the raw listing entry so the cycle
// can run it for every container without upstream calls.
package security

import (
	"fmt"
	"strings"

	"github.com/harborwatch/harborwatch/internal/inventory"
	"github.com/harborwatch/harborwatch/internal/models"
)

var sensitiveMountPrefixes = []string{
	"/var/run/docker.sock",
	"/etc/shadow",
	"/etc/passwd",
	"/root/.ssh",
	"/proc",
	"/sys",
}

var secretLabelFragments = []string{"password", "secret", "token", "api_key", "apikey"}

// ScanContainer inspects one raw container and returns its findings
func ScanContainer(raw inventory.RawContainer) []models.SecurityFinding {
	var findings []models.SecurityFinding
	name := containerName(raw)

	if raw.HostConfig.Privileged {
		findings = append(findings, models.SecurityFinding{
			Severity:    models.SeverityCritical,
			Category:    "privileged",
			Title:       fmt.Sprintf("Container %s runs privileged", name),
			Description: "Privileged containers have full access to host devices and can escape isolation.",
		})
	}

	if raw.HostConfig.PidMode == "host" {
		findings = append(findings, models.SecurityFinding{
			Severity:    models.SeverityWarning,
			Category:    "host-pid",
			Title:       fmt.Sprintf("Container %s shares the host PID namespace", name),
			Description: "Host PID mode exposes all host processes to the container.",
		})
	}

	if raw.HostConfig.NetworkMode == "host" {
		findings = append(findings, models.SecurityFinding{
			Severity:    models.SeverityWarning,
			Category:    "host-network",
			Title:       fmt.Sprintf("Container %s uses host networking", name),
			Description: "Host network mode bypasses network isolation and port mapping controls.",
		})
	}

	if raw.HostConfig.IpcMode == "host" {
		findings = append(findings, models.SecurityFinding{
			Severity:    models.SeverityWarning,
			Category:    "host-ipc",
			Title:       fmt.Sprintf("Container %s shares host IPC", name),
			Description: "Host IPC mode allows shared-memory access across the host boundary.",
		})
	}

	findings = append(findings, scanMounts(raw, name)...)
	findings = append(findings, scanImage(raw, name)...)

	if strings.Contains(strings.ToLower(raw.Status), "(unhealthy)") {
		findings = append(findings, models.SecurityFinding{
			Severity:    models.SeverityWarning,
			Category:    "unhealthy",
			Title:       fmt.Sprintf("Container %s reports unhealthy", name),
			Description: fmt.Sprintf("Health check failing: %s", raw.Status),
		})
	}

	for label := range raw.Labels {
		lower := strings.ToLower(label)
		for _, fragment := range secretLabelFragments {
			if strings.Contains(lower, fragment) {
				findings = append(findings, models.SecurityFinding{
					Severity:    models.SeverityWarning,
					Category:    "secret-label",
					Title:       fmt.Sprintf("Container %s carries a secret-looking label", name),
					Description: fmt.Sprintf("Label %q looks like it may hold a credential.", label),
				})
				break
			}
		}
	}

	return findings
}

func scanMounts(raw inventory.RawContainer, name string) []models.SecurityFinding {
	var findings []models.SecurityFinding
	seen := map[string]bool{}

	check := func(source string) {
		for _, prefix := range sensitiveMountPrefixes {
			if strings.HasPrefix(source, prefix) && !seen[prefix] {
				seen[prefix] = true
				severity := models.SeverityWarning
				if prefix == "/var/run/docker.sock" {
					severity = models.SeverityCritical
				}
				findings = append(findings, models.SecurityFinding{
					Severity:    severity,
					Category:    "sensitive-mount",
					Title:       fmt.Sprintf("Container %s mounts %s", name, prefix),
					Description: fmt.Sprintf("Mounting %s grants access to sensitive host state.", prefix),
				})
			}
		}
	}

	for _, bind := range raw.HostConfig.Binds {
		if idx := strings.Index(bind, ":"); idx > 0 {
			check(bind[:idx])
		}
	}
	for _, m := range raw.Mounts {
		check(m.Source)
	}
	return findings
}

func scanImage(raw inventory.RawContainer, name string) []models.SecurityFinding {
	image := raw.Image
	if image == "" {
		return nil
	}
	if strings.HasPrefix(image, "sha256:") {
		return []models.SecurityFinding{{
			Severity:    models.SeverityInfo,
			Category:    "untagged-image",
			Title:       fmt.Sprintf("Container %s runs an untagged image", name),
			Description: "Containers pinned to a bare digest cannot be audited against a named release.",
		}}
	}
	if strings.HasSuffix(image, ":latest") || !strings.Contains(image, ":") {
		return []models.SecurityFinding{{
			Severity:    models.SeverityInfo,
			Category:    "latest-image",
			Title:       fmt.Sprintf("Container %s uses a floating image tag", name),
			Description: fmt.Sprintf("Image %q resolves to whatever 'latest' points at; pin a version tag.", image),
		}}
	}
	return nil
}

func containerName(raw inventory.RawContainer) string {
	if len(raw.Names) > 0 {
		return strings.TrimPrefix(raw.Names[0], "/")
	}
	if len(raw.ID) > 12 {
		return raw.ID[:12]
	}
	return raw.ID
}
