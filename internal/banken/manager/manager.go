// Package manager orchestrates agent container lifecycles.
//
// Each agent optionally gets one container. Its lifecycle is a small state
// machine persisted in the agents table:
//
//	none → stopped (create) → running (start) → stopped (stop) → ... → none (delete)
//
// create and start failures move the agent to the failed state; the condition
// is durable and retryable by calling CreateContainer or StartContainer
// again. Stop and delete failures are best-effort: they are logged and never
// escalate the state, since the container may legitimately still be running.
//
// Operations on the same agent are serialized with a per-agent lock;
// operations on different agents proceed independently.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Banken/common/trace"
	"github.com/bdobrica/Banken/internal/banken/audit"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/store"
)

// Config holds the process-wide container defaults.
type Config struct {
	// DefaultImage is used when an agent's container_config has no image.
	DefaultImage string
	// Network is the bridge network all agent containers attach to.
	Network string
	// DefaultMemoryLimit caps container memory when not set per agent.
	DefaultMemoryLimit string
	// DefaultCPULimit caps container CPU cores when not set per agent.
	DefaultCPULimit float64
	// RestartPolicy is applied to every agent container.
	RestartPolicy string
	// StopGrace is the graceful-stop window before the runtime kills the
	// container. Defaults to 10s.
	StopGrace time.Duration
	// KnowledgeRoot is the host directory holding per-agent knowledge bases.
	KnowledgeRoot string
	// KBRecreate tells RAG containers to rebuild their vector index from the
	// knowledge base on startup.
	KBRecreate bool
	// VectorDBURL is the vector store connection URL injected into RAG
	// containers. Loopback hostnames are rewritten to HostAlias so the
	// container can reach a service on the host.
	VectorDBURL string
	// HostAlias is the container-visible name for the host machine.
	HostAlias string
}

func (c *Config) applyDefaults() {
	if c.StopGrace == 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.RestartPolicy == "" {
		c.RestartPolicy = "unless-stopped"
	}
	if c.HostAlias == "" {
		c.HostAlias = "host.containers.internal"
	}
}

// Manager drives container lifecycle transitions for agents.
type Manager struct {
	rt       runtime.Runtime
	store    *store.Store
	ports    *runtime.PortAllocator
	notifier audit.Notifier
	cfg      Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Manager. notifier may be nil.
func New(rt runtime.Runtime, s *store.Store, ports *runtime.PortAllocator, notifier audit.Notifier, cfg Config) *Manager {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = audit.Nop{}
	}
	return &Manager{
		rt:       rt,
		store:    s,
		ports:    ports,
		notifier: notifier,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing lifecycle operations for agentID.
// Locks are never evicted; the map is bounded by the number of agents.
func (m *Manager) lockFor(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[agentID] = lock
	}
	return lock
}

// NewAgent holds the fields needed to register an agent.
type NewAgent struct {
	Name            string
	Description     string
	Type            store.AgentType
	ContainerConfig store.ContainerConfig
	Config          map[string]any
}

// CreateAgent registers a new agent record. For RAG agents the per-agent
// knowledge directory is created on the host. No container is created;
// callers attach one with CreateContainer.
func (m *Manager) CreateAgent(ctx context.Context, params NewAgent) (*store.Agent, error) {
	agent := &store.Agent{
		ID:              uuid.NewString(),
		Name:            params.Name,
		Description:     params.Description,
		Type:            params.Type,
		ContainerConfig: params.ContainerConfig,
		Config:          params.Config,
	}

	if agent.Type == store.TypeRAG && m.cfg.KnowledgeRoot != "" {
		dir := m.knowledgeDir(agent.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create knowledge dir %s: %w", dir, err)
		}
	}

	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	m.audit(ctx, audit.KindAgentCreated, agent.ID, fmt.Sprintf("agent %q (%s) registered", agent.Name, agent.Type))
	return agent, nil
}

// DeleteAgent tears down the agent's container (best-effort) and purges the
// record. Container teardown failure is logged but never blocks deletion.
func (m *Manager) DeleteAgent(ctx context.Context, agentID string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	if agent.ContainerID != "" {
		if err := m.DeleteContainer(ctx, agentID); err != nil {
			slog.Warn("container teardown failed, deleting agent record anyway",
				"agent_id", agentID, "container_id", agent.ContainerID, "error", err)
		}
	}

	if agent.Type == store.TypeRAG && m.cfg.KnowledgeRoot != "" {
		dir := m.knowledgeDir(agentID)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("knowledge dir removal failed", "agent_id", agentID, "dir", dir, "error", err)
		}
	}

	if err := m.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}

	m.audit(ctx, audit.KindAgentDeleted, agentID, fmt.Sprintf("agent %q deleted", agent.Name))
	return nil
}

// CreateContainer creates the agent's container and moves it to the stopped
// state. A no-op when a container is already attached. On driver failure the
// agent is marked failed with no container attached, so the call is
// retryable.
func (m *Manager) CreateContainer(ctx context.Context, agentID string) error {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.ContainerID != "" {
		slog.Debug("container already attached, skipping create",
			"agent_id", agentID, "container_id", agent.ContainerID)
		return nil
	}

	hostPort, err := m.ports.Allocate(ctx)
	if err != nil {
		if hostPort == 0 {
			return fmt.Errorf("allocate port: %w", err)
		}
		// Exhausted range degrades to a random in-range pick; create will
		// fail visibly if it collides.
		slog.Warn("port range exhausted, using fallback port",
			"agent_id", agentID, "host_port", hostPort)
	}

	spec := m.containerSpec(agent, hostPort)
	slog.Debug("creating container",
		"agent_id", agentID, "image", spec.Image, "host_port", hostPort,
		"env", redactedEnv(spec.Env))
	containerID, err := m.rt.Create(ctx, spec)
	if err != nil {
		if serr := m.store.UpdateContainer(ctx, agentID, "", store.ContainerFailed); serr != nil {
			slog.Error("failed to persist failed state", "agent_id", agentID, "error", serr)
		}
		m.audit(ctx, audit.KindContainerFailed, agentID, fmt.Sprintf("create failed: %v", err))
		return fmt.Errorf("create container: %w", err)
	}

	if err := m.store.UpdateContainer(ctx, agentID, containerID, store.ContainerStopped); err != nil {
		return fmt.Errorf("persist container id: %w", err)
	}
	m.audit(ctx, audit.KindContainerCreated, agentID,
		fmt.Sprintf("container %s created on port %d", containerID, hostPort))

	if agent.ContainerConfig.AutoStart {
		return m.startLocked(ctx, agentID, containerID)
	}
	return nil
}

// StartContainer starts the agent's attached container. Always issues a
// start call; starting an already-running container is idempotent at the
// runtime layer. On failure the agent is marked failed but keeps its
// container id, since the container may still exist.
func (m *Manager) StartContainer(ctx context.Context, agentID string) error {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.ContainerID == "" {
		return fmt.Errorf("agent %s: %w", agentID, ErrNoContainer)
	}
	return m.startLocked(ctx, agentID, agent.ContainerID)
}

// startLocked performs the start transition. The agent's lock must be held.
func (m *Manager) startLocked(ctx context.Context, agentID, containerID string) error {
	if err := m.rt.Start(ctx, containerID); err != nil {
		if serr := m.store.UpdateContainerStatus(ctx, agentID, store.ContainerFailed); serr != nil {
			slog.Error("failed to persist failed state", "agent_id", agentID, "error", serr)
		}
		m.audit(ctx, audit.KindContainerFailed, agentID, fmt.Sprintf("start failed: %v", err))
		return fmt.Errorf("start container: %w", err)
	}

	if err := m.store.UpdateContainerStatus(ctx, agentID, store.ContainerRunning); err != nil {
		return fmt.Errorf("persist running state: %w", err)
	}
	m.audit(ctx, audit.KindContainerStarted, agentID, fmt.Sprintf("container %s started", containerID))
	return nil
}

// StopContainer gracefully stops the agent's container. On failure the
// persisted state is left unchanged, since the container may still be
// running.
func (m *Manager) StopContainer(ctx context.Context, agentID string) error {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.ContainerID == "" {
		return fmt.Errorf("agent %s: %w", agentID, ErrNoContainer)
	}

	if err := m.rt.Stop(ctx, agent.ContainerID, m.cfg.StopGrace); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}

	if err := m.store.UpdateContainerStatus(ctx, agentID, store.ContainerStopped); err != nil {
		return fmt.Errorf("persist stopped state: %w", err)
	}
	m.audit(ctx, audit.KindContainerStopped, agentID, fmt.Sprintf("container %s stopped", agent.ContainerID))
	return nil
}

// DeleteContainer stops (if running) and removes the agent's container, then
// detaches it from the record. Stop failure is logged and removal proceeds;
// the runtime is asked to force-remove either way.
func (m *Manager) DeleteContainer(ctx context.Context, agentID string) error {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.ContainerID == "" {
		return fmt.Errorf("agent %s: %w", agentID, ErrNoContainer)
	}

	info, err := m.rt.Inspect(ctx, agent.ContainerID)
	if err != nil {
		slog.Warn("inspect before delete failed", "agent_id", agentID, "error", err)
	}
	if info != nil && info.Running {
		if err := m.rt.Stop(ctx, agent.ContainerID, m.cfg.StopGrace); err != nil {
			slog.Warn("graceful stop before delete failed, removing anyway",
				"agent_id", agentID, "container_id", agent.ContainerID, "error", err)
		}
	}

	if err := m.rt.Remove(ctx, agent.ContainerID); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}

	if err := m.store.UpdateContainer(ctx, agentID, "", store.ContainerNone); err != nil {
		return fmt.Errorf("detach container: %w", err)
	}
	m.audit(ctx, audit.KindContainerDeleted, agentID, fmt.Sprintf("container %s removed", agent.ContainerID))
	return nil
}

// Logs returns the last tail lines of the agent's container output.
func (m *Manager) Logs(ctx context.Context, agentID string, tail int) (string, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.ContainerID == "" {
		return "", fmt.Errorf("agent %s: %w", agentID, ErrNoContainer)
	}
	return m.rt.Logs(ctx, agent.ContainerID, tail)
}

// Stats returns resource usage for the agent's container.
func (m *Manager) Stats(ctx context.Context, agentID string) (*runtime.ContainerStats, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.ContainerID == "" {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNoContainer)
	}
	return m.rt.Stats(ctx, agent.ContainerID)
}

// HostPort resolves the externally reachable port of the agent's container
// by inspecting it. Returns 0 with an error when the container is not
// running or exposes no mapping.
func (m *Manager) HostPort(ctx context.Context, agentID string) (int, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if agent.ContainerID == "" {
		return 0, fmt.Errorf("agent %s: %w", agentID, ErrNoContainer)
	}

	info, err := m.rt.Inspect(ctx, agent.ContainerID)
	if err != nil {
		return 0, fmt.Errorf("inspect container: %w", err)
	}
	if !info.Running {
		return 0, fmt.Errorf("agent %s: container %s is not running", agentID, agent.ContainerID)
	}
	port := info.HostPortFor(runtime.DefaultContainerPort)
	if port == 0 {
		return 0, fmt.Errorf("agent %s: container %s exposes no mapping for port %d",
			agentID, agent.ContainerID, runtime.DefaultContainerPort)
	}
	return port, nil
}

func (m *Manager) knowledgeDir(agentID string) string {
	return filepath.Join(m.cfg.KnowledgeRoot, agentID)
}

// audit records the event in the audit log and notifies the operator channel.
// Both are best-effort.
func (m *Manager) audit(ctx context.Context, kind audit.Kind, agentID, detail string) {
	traceID := trace.FromContext(ctx)
	if err := m.store.AppendAudit(ctx, traceID, string(kind), agentID, detail); err != nil {
		slog.Error("audit log append failed", "kind", kind, "agent_id", agentID, "error", err)
	}
	m.notifier.Notify(ctx, audit.Event{
		Kind:    kind,
		AgentID: agentID,
		Detail:  detail,
		TraceID: traceID,
	})
}
