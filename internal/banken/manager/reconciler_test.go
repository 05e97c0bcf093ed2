package manager_test

import (
	"context"
	"sync"
	"testing"

	"github.com/bdobrica/Banken/internal/banken/audit"
	"github.com/bdobrica/Banken/internal/banken/manager"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []audit.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt audit.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func TestReconcile_DetachesMissingContainer(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestStore(t)
	notifier := &recordingNotifier{}
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-gone", store.ContainerRunning)

	r := manager.NewReconciler(rt, s, notifier, manager.ReconcilerConfig{})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerID != "" || agent.ContainerStatus != store.ContainerNone {
		t.Errorf("agent not detached: id=%q status=%s", agent.ContainerID, agent.ContainerStatus)
	}

	if len(notifier.events) != 1 || notifier.events[0].Kind != audit.KindDriftDetected {
		t.Errorf("expected one drift event, got %+v", notifier.events)
	}
}

func TestReconcile_ObservedExitBecomesStopped(t *testing.T) {
	rt := &fakeRuntime{summaries: []runtime.ContainerSummary{
		{ID: "cid-1", State: runtime.StateExited},
	}}
	s := newTestStore(t)
	notifier := &recordingNotifier{}
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerRunning)

	r := manager.NewReconciler(rt, s, notifier, manager.ReconcilerConfig{})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerStatus != store.ContainerStopped {
		t.Errorf("status = %s, want stopped", agent.ContainerStatus)
	}
	if agent.ContainerID != "cid-1" {
		t.Errorf("container id = %q, must be kept", agent.ContainerID)
	}

	// Drop from running is a drift worth alerting on.
	if len(notifier.events) != 1 {
		t.Errorf("expected one drift event, got %+v", notifier.events)
	}
}

func TestReconcile_NoDriftNoWrites(t *testing.T) {
	rt := &fakeRuntime{summaries: []runtime.ContainerSummary{
		{ID: "cid-1", State: runtime.StateRunning},
	}}
	s := newTestStore(t)
	notifier := &recordingNotifier{}
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerRunning)

	r := manager.NewReconciler(rt, s, notifier, manager.ReconcilerConfig{})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerStatus != store.ContainerRunning {
		t.Errorf("status = %s, want running", agent.ContainerStatus)
	}
	if len(notifier.events) != 0 {
		t.Errorf("expected no events, got %+v", notifier.events)
	}
}

func TestReconcile_SkipsDetachedAgents(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestStore(t)
	seedAgent(t, s, &store.Agent{})

	r := manager.NewReconciler(rt, s, nil, manager.ReconcilerConfig{})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerStatus != store.ContainerNone {
		t.Errorf("status = %s, want none untouched", agent.ContainerStatus)
	}
}
