// Package runtime defines shared types for the container driver boundary.
package runtime

import (
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// Labels attached to every Banken-managed container. List filters on
// LabelManagedBy so foreign containers are never touched.
const (
	LabelManagedBy = "banken.managed-by"
	LabelAgentID   = "banken.agent-id"
	LabelAgentName = "banken.agent-name"
	ManagedByValue = "banken"
)

// DefaultContainerPort is the port the agent HTTP server listens on inside
// the container.
const DefaultContainerPort = 8000

// Mount describes a bind mount into the container.
type Mount struct {
	// HostPath is the absolute path on the host.
	HostPath string
	// ContainerPath is the mount point inside the container.
	ContainerPath string
	// ReadOnly mounts the path read-only.
	ReadOnly bool
}

// ContainerSpec describes how an agent container should be created.
type ContainerSpec struct {
	// Name is the container name (unique per runtime namespace).
	Name string
	// Image is the container image reference.
	Image string
	// Env holds environment variables injected into the container.
	Env map[string]string
	// Network is the bridge network to attach.
	Network string
	// HostPort is the host port mapped to ContainerPort.
	HostPort int
	// ContainerPort is the port the agent listens on inside the container.
	// Zero means DefaultContainerPort.
	ContainerPort int
	// MemoryLimit is the memory cap in runtime syntax (e.g. "512m").
	MemoryLimit string
	// CPULimit is the CPU cap in cores (e.g. 0.5).
	CPULimit float64
	// RestartPolicy is the runtime restart policy (e.g. "unless-stopped").
	RestartPolicy string
	// Mounts are bind mounts into the container.
	Mounts []Mount
	// Labels are attached to the container in addition to the managed-by set.
	Labels map[string]string
}

// ContainerState mirrors the runtime's container states.
type ContainerState string

const (
	StateRunning  ContainerState = "running"
	StateStopped  ContainerState = "stopped"
	StateExited   ContainerState = "exited"
	StateCreated  ContainerState = "created"
	StatePaused   ContainerState = "paused"
	StateRemoving ContainerState = "removing"
	StateUnknown  ContainerState = "unknown"
)

// ParseState maps a runtime-reported status string onto ContainerState.
func ParseState(s string) ContainerState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "restarting":
		return StateRunning
	case "stopped", "dead":
		return StateStopped
	case "exited":
		return StateExited
	case "created":
		return StateCreated
	case "paused":
		return StatePaused
	case "removing":
		return StateRemoving
	default:
		return StateUnknown
	}
}

// ContainerInfo is the structured result of Inspect.
type ContainerInfo struct {
	ID    string
	Name  string
	State ContainerState
	// Running is the runtime's own running flag; authoritative over any
	// status persisted in the agents table.
	Running bool
	// Ports maps container port → host port for tcp bindings.
	Ports      map[int]int
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Error      string
	Labels     map[string]string
}

// HostPortFor returns the host port bound to the given container port, or
// zero when no binding exists.
func (i *ContainerInfo) HostPortFor(containerPort int) int {
	if i == nil {
		return 0
	}
	return i.Ports[containerPort]
}

// ContainerStats is a normalized one-shot resource usage snapshot.
type ContainerStats struct {
	// CPUPercent is the container CPU usage as a percentage of one host CPU.
	CPUPercent float64
	// MemoryUsage and MemoryLimit are in bytes.
	MemoryUsage uint64
	MemoryLimit uint64
	// NetworkRxBytes and NetworkTxBytes are cumulative byte counters.
	NetworkRxBytes uint64
	NetworkTxBytes uint64
}

// ContainerSummary is one entry of List.
type ContainerSummary struct {
	ID        string
	Name      string
	State     ContainerState
	AgentID   string
	AgentName string
	// Ports maps container port → host port for tcp bindings.
	Ports map[int]int
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9_.-]+`)

const nameSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ContainerNameFor derives a unique container name from an agent's display
// name: lowercase, sanitized, with a random 6-character suffix so that
// recreate-after-delete never collides with a not-yet-reaped container.
func ContainerNameFor(agentName string) string {
	sanitized := nameSanitizer.ReplaceAllString(strings.ToLower(agentName), "")
	sanitized = strings.Trim(sanitized, "-.")
	if sanitized == "" {
		sanitized = "agent"
	}
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = nameSuffixAlphabet[rand.Intn(len(nameSuffixAlphabet))]
	}
	return "banken-agent-" + sanitized + "-" + string(suffix)
}
