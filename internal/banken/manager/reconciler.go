package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Banken/internal/banken/audit"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/store"
)

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	// Interval is how often to poll container state. Defaults to 30s.
	Interval time.Duration
}

// Reconciler periodically syncs runtime container state into the agents
// table. The persisted container_status is an intent snapshot; containers
// crash, get OOM-killed, or are removed behind Banken's back, and the
// reconciler is what keeps the table honest.
type Reconciler struct {
	rt       runtime.Runtime
	store    *store.Store
	notifier audit.Notifier
	cfg      ReconcilerConfig
}

// NewReconciler creates a new Reconciler. notifier may be nil.
func NewReconciler(rt runtime.Runtime, s *store.Store, notifier audit.Notifier, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if notifier == nil {
		notifier = audit.Nop{}
	}
	return &Reconciler{rt: rt, store: s, notifier: notifier, cfg: cfg}
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				slog.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// Reconcile runs a single reconciliation pass. It lists all managed
// containers, compares them with the agents table, and updates drifted
// statuses.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return nil
	}

	summaries, err := r.rt.List(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	byID := make(map[string]runtime.ContainerSummary, len(summaries))
	for _, s := range summaries {
		byID[s.ID] = s
	}

	for _, agent := range agents {
		if agent.ContainerID == "" {
			continue
		}

		summary, found := byID[agent.ContainerID]
		if !found {
			// Container vanished behind our back. Detach so create is
			// possible again.
			slog.Warn("container missing, detaching",
				"agent_id", agent.ID, "container_id", agent.ContainerID,
				"last_status", agent.ContainerStatus)
			if err := r.store.UpdateContainer(ctx, agent.ID, "", store.ContainerNone); err != nil {
				slog.Error("detach failed", "agent_id", agent.ID, "error", err)
				continue
			}
			if agent.ContainerStatus == store.ContainerRunning {
				r.drift(ctx, agent.ID, "container missing; expected running")
			}
			continue
		}

		observed := statusFromState(summary.State)
		if observed == agent.ContainerStatus {
			continue
		}

		slog.Info("container status drift",
			"agent_id", agent.ID, "persisted", agent.ContainerStatus, "observed", observed)
		if err := r.store.UpdateContainerStatus(ctx, agent.ID, observed); err != nil {
			slog.Error("status update failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if agent.ContainerStatus == store.ContainerRunning && observed != store.ContainerRunning {
			r.drift(ctx, agent.ID, fmt.Sprintf("unexpected status change: %s to %s",
				agent.ContainerStatus, observed))
		}
	}

	return nil
}

func (r *Reconciler) drift(ctx context.Context, agentID, detail string) {
	if err := r.store.AppendAudit(ctx, "", string(audit.KindDriftDetected), agentID, detail); err != nil {
		slog.Error("audit log append failed", "agent_id", agentID, "error", err)
	}
	r.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindDriftDetected,
		AgentID: agentID,
		Detail:  detail,
	})
}

func statusFromState(state runtime.ContainerState) store.ContainerStatus {
	switch state {
	case runtime.StateRunning:
		return store.ContainerRunning
	case runtime.StateStopped, runtime.StateExited, runtime.StateCreated:
		return store.ContainerStopped
	default:
		return store.ContainerFailed
	}
}
