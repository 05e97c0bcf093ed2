package manager_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Banken/internal/banken/manager"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/store"
)

// fakeRuntime records every driver call so tests can assert on call counts
// and ordering.
type fakeRuntime struct {
	mu    sync.Mutex
	calls []string

	nextID    string
	createErr error
	startErr  error
	stopErr   error
	removeErr error

	inspectInfo *runtime.ContainerInfo
	inspectErr  error
	summaries   []runtime.ContainerSummary

	specs []runtime.ContainerSpec
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) EnsureNetwork(_ context.Context, name string) error {
	f.record("ensure-network " + name)
	return nil
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	f.record("create")
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.nextID == "" {
		return "cid-default", nil
	}
	return f.nextID, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.record("start " + id)
	return f.startErr
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.record("stop " + id)
	return f.stopErr
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.record("remove " + id)
	return f.removeErr
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (*runtime.ContainerInfo, error) {
	f.record("inspect " + id)
	return f.inspectInfo, f.inspectErr
}

func (f *fakeRuntime) Logs(_ context.Context, id string, _ int) (string, error) {
	f.record("logs " + id)
	return "log output", nil
}

func (f *fakeRuntime) Stats(_ context.Context, id string) (*runtime.ContainerStats, error) {
	f.record("stats " + id)
	return &runtime.ContainerStats{CPUPercent: 1.5}, nil
}

func (f *fakeRuntime) List(context.Context) ([]runtime.ContainerSummary, error) {
	f.record("list")
	return f.summaries, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "banken-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, rt *fakeRuntime, cfg manager.Config) (*manager.Manager, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	ports, err := runtime.NewPortAllocator(rt, 9001, 9100)
	if err != nil {
		t.Fatalf("port allocator: %v", err)
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "banken/agent:latest"
	}
	if cfg.Network == "" {
		cfg.Network = "banken"
	}
	return manager.New(rt, s, ports, nil, cfg), s
}

func seedAgent(t *testing.T, s *store.Store, agent *store.Agent) *store.Agent {
	t.Helper()
	if agent.ID == "" {
		agent.ID = "agent-1"
	}
	if agent.Name == "" {
		agent.Name = "Test Agent"
	}
	if agent.Type == "" {
		agent.Type = store.TypeChat
	}
	if err := s.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return agent
}

func TestCreateContainer_SuccessLeavesStopped(t *testing.T) {
	rt := &fakeRuntime{nextID: "cid-1"}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})

	if err := m.CreateContainer(context.Background(), "agent-1"); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	agent, err := s.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.ContainerID != "cid-1" {
		t.Errorf("container id = %q, want cid-1", agent.ContainerID)
	}
	if agent.ContainerStatus != store.ContainerStopped {
		t.Errorf("status = %s, want stopped", agent.ContainerStatus)
	}
}

func TestCreateContainer_FailureLeavesFailedWithoutID(t *testing.T) {
	rt := &fakeRuntime{createErr: errors.New("port is already allocated")}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})

	if err := m.CreateContainer(context.Background(), "agent-1"); err == nil {
		t.Fatal("expected error")
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerID != "" {
		t.Errorf("container id = %q, want empty so create can be retried", agent.ContainerID)
	}
	if agent.ContainerStatus != store.ContainerFailed {
		t.Errorf("status = %s, want failed", agent.ContainerStatus)
	}
}

func TestCreateContainer_NoopWhenAttached(t *testing.T) {
	rt := &fakeRuntime{}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-existing", store.ContainerStopped)

	if err := m.CreateContainer(context.Background(), "agent-1"); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	for _, call := range rt.recorded() {
		if call == "create" {
			t.Error("create must not be issued when a container is already attached")
		}
	}
}

func TestCreateContainer_ConcurrentCallsCreateOnce(t *testing.T) {
	rt := &fakeRuntime{nextID: "cid-racy"}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{ID: "agent-race"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.CreateContainer(context.Background(), "agent-race")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("CreateContainer #%d: %v", i+1, err)
		}
	}
	creates := 0
	for _, call := range rt.recorded() {
		if call == "create" {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("driver create called %d times, want 1", creates)
	}
	agent, err := s.GetAgent(context.Background(), "agent-race")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.ContainerID != "cid-racy" {
		t.Errorf("container id = %q, want cid-racy", agent.ContainerID)
	}
	if agent.ContainerStatus != store.ContainerStopped {
		t.Errorf("status = %s, want stopped", agent.ContainerStatus)
	}
}

func TestStartContainer_Idempotent(t *testing.T) {
	rt := &fakeRuntime{}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerStopped)

	for i := 0; i < 2; i++ {
		if err := m.StartContainer(context.Background(), "agent-1"); err != nil {
			t.Fatalf("StartContainer #%d: %v", i+1, err)
		}
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerStatus != store.ContainerRunning {
		t.Errorf("status = %s, want running", agent.ContainerStatus)
	}
}

func TestStartContainer_FailureKeepsContainerID(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("oci runtime error")}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerStopped)

	if err := m.StartContainer(context.Background(), "agent-1"); err == nil {
		t.Fatal("expected error")
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerID != "cid-1" {
		t.Errorf("container id = %q, must survive a start failure", agent.ContainerID)
	}
	if agent.ContainerStatus != store.ContainerFailed {
		t.Errorf("status = %s, want failed", agent.ContainerStatus)
	}
}

func TestStartContainer_NoContainer(t *testing.T) {
	rt := &fakeRuntime{}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})

	err := m.StartContainer(context.Background(), "agent-1")
	if !errors.Is(err, manager.ErrNoContainer) {
		t.Fatalf("expected ErrNoContainer, got %v", err)
	}
}

func TestStopContainer_NoContainerSkipsDriver(t *testing.T) {
	rt := &fakeRuntime{}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})

	err := m.StopContainer(context.Background(), "agent-1")
	if !errors.Is(err, manager.ErrNoContainer) {
		t.Fatalf("expected ErrNoContainer, got %v", err)
	}
	if calls := rt.recorded(); len(calls) != 0 {
		t.Errorf("driver must not be invoked, got calls %v", calls)
	}
}

func TestStopContainer_FailureLeavesStateUnchanged(t *testing.T) {
	rt := &fakeRuntime{stopErr: errors.New("cannot stop")}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerRunning)

	if err := m.StopContainer(context.Background(), "agent-1"); err == nil {
		t.Fatal("expected error")
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerStatus != store.ContainerRunning {
		t.Errorf("status = %s, want running left unchanged", agent.ContainerStatus)
	}
}

func TestDeleteContainer_StopsBeforeRemove(t *testing.T) {
	rt := &fakeRuntime{
		inspectInfo: &runtime.ContainerInfo{ID: "cid-1", State: runtime.StateRunning, Running: true},
	}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerRunning)

	if err := m.DeleteContainer(context.Background(), "agent-1"); err != nil {
		t.Fatalf("DeleteContainer: %v", err)
	}

	calls := rt.recorded()
	stopIdx, removeIdx := -1, -1
	for i, call := range calls {
		switch call {
		case "stop cid-1":
			stopIdx = i
		case "remove cid-1":
			removeIdx = i
		}
	}
	if stopIdx == -1 || removeIdx == -1 {
		t.Fatalf("missing stop or remove in calls %v", calls)
	}
	if stopIdx > removeIdx {
		t.Errorf("stop must precede remove, got calls %v", calls)
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerID != "" || agent.ContainerStatus != store.ContainerNone {
		t.Errorf("agent not detached: id=%q status=%s", agent.ContainerID, agent.ContainerStatus)
	}
}

func TestCreateContainer_AutoStartChatAgent(t *testing.T) {
	rt := &fakeRuntime{nextID: "stub-id"}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{
		Type:            store.TypeChat,
		ContainerConfig: store.ContainerConfig{AutoStart: true},
	})

	if err := m.CreateContainer(context.Background(), "agent-1"); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	agent, _ := s.GetAgent(context.Background(), "agent-1")
	if agent.ContainerID != "stub-id" {
		t.Errorf("container id = %q, want stub-id", agent.ContainerID)
	}
	if agent.ContainerStatus != store.ContainerRunning {
		t.Errorf("status = %s, want running", agent.ContainerStatus)
	}

	creates, starts := 0, 0
	for _, call := range rt.recorded() {
		switch {
		case call == "create":
			creates++
		case strings.HasPrefix(call, "start "):
			starts++
		}
	}
	if creates != 1 || starts != 1 {
		t.Errorf("got %d creates and %d starts, want 1 and 1", creates, starts)
	}
}

func TestCreateContainer_RAGEnvironment(t *testing.T) {
	rt := &fakeRuntime{nextID: "cid-rag"}
	m, s := newTestManager(t, rt, manager.Config{
		KnowledgeRoot: "/kb",
		VectorDBURL:   "http://localhost:6333",
	})
	seedAgent(t, s, &store.Agent{
		ID:   "agent-123",
		Name: "Docs Bot",
		Type: store.TypeRAG,
		Config: map[string]any{
			"LLM_PROVIDER": "openai",
			"LLM_MODEL":    "gpt-4o-mini",
		},
	})

	if err := m.CreateContainer(context.Background(), "agent-123"); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	if len(rt.specs) != 1 {
		t.Fatalf("expected 1 create, got %d", len(rt.specs))
	}
	spec := rt.specs[0]

	wantEnv := map[string]string{
		"AGENT_ID":         "agent-123",
		"AGENT_TYPE":       "rag",
		"KNOWLEDGE_PATH":   "/app/data/kb",
		"VECTOR_DB_URL":    "http://host.containers.internal:6333",
		"VECTOR_DB_TABLE":  "agent_agent_123",
		"KB_RECREATE":      "false",
		"KB_CHUNK_SIZE":    "1000",
		"KB_CHUNK_OVERLAP": "200",
		"LLM_PROVIDER":     "openai",
		"LLM_MODEL":        "gpt-4o-mini",
	}
	for key, want := range wantEnv {
		if got := spec.Env[key]; got != want {
			t.Errorf("env %s = %q, want %q", key, got, want)
		}
	}

	if len(spec.Mounts) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(spec.Mounts))
	}
	mount := spec.Mounts[0]
	if mount.HostPath != filepath.Join("/kb", "agent-123") {
		t.Errorf("mount host path = %q", mount.HostPath)
	}
	if mount.ContainerPath != "/app/data/kb" || !mount.ReadOnly {
		t.Errorf("mount = %+v, want read-only /app/data/kb", mount)
	}
}

func TestCreateContainer_ChunkSizeFromConfig(t *testing.T) {
	rt := &fakeRuntime{}
	m, s := newTestManager(t, rt, manager.Config{
		KnowledgeRoot: "/kb",
		VectorDBURL:   "http://127.0.0.1:6333",
		KBRecreate:    true,
	})
	seedAgent(t, s, &store.Agent{
		Type: store.TypeRAG,
		Config: map[string]any{
			"knowledge_base": map[string]any{
				"chunk_size":    float64(800),
				"chunk_overlap": float64(80),
			},
		},
	})

	if err := m.CreateContainer(context.Background(), "agent-1"); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	env := rt.specs[0].Env
	if env["KB_CHUNK_SIZE"] != "800" || env["KB_CHUNK_OVERLAP"] != "80" {
		t.Errorf("chunking env = %s/%s, want 800/80", env["KB_CHUNK_SIZE"], env["KB_CHUNK_OVERLAP"])
	}
	if env["VECTOR_DB_URL"] != "http://host.containers.internal:6333" {
		t.Errorf("VECTOR_DB_URL = %q, loopback not rewritten", env["VECTOR_DB_URL"])
	}
	if env["KB_RECREATE"] != "true" {
		t.Errorf("KB_RECREATE = %q, want true", env["KB_RECREATE"])
	}
}

func TestCreateAgent_RAGCreatesKnowledgeDir(t *testing.T) {
	root := t.TempDir()
	rt := &fakeRuntime{}
	m, _ := newTestManager(t, rt, manager.Config{KnowledgeRoot: root})

	agent, err := m.CreateAgent(context.Background(), manager.NewAgent{
		Name: "Docs Bot",
		Type: store.TypeRAG,
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if agent.ID == "" {
		t.Fatal("expected generated agent id")
	}

	if _, err := os.Stat(filepath.Join(root, agent.ID)); err != nil {
		t.Errorf("knowledge dir missing: %v", err)
	}
}

func TestDeleteAgent_BestEffortTeardown(t *testing.T) {
	root := t.TempDir()
	rt := &fakeRuntime{removeErr: errors.New("daemon unreachable")}
	m, s := newTestManager(t, rt, manager.Config{KnowledgeRoot: root})

	agent, err := m.CreateAgent(context.Background(), manager.NewAgent{Name: "Doomed", Type: store.TypeRAG})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	s.UpdateContainer(context.Background(), agent.ID, "cid-1", store.ContainerRunning)

	if err := m.DeleteAgent(context.Background(), agent.ID); err != nil {
		t.Fatalf("DeleteAgent must succeed despite teardown failure: %v", err)
	}

	if _, err := s.GetAgent(context.Background(), agent.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("agent record still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, agent.ID)); !os.IsNotExist(err) {
		t.Errorf("knowledge dir not removed: %v", err)
	}
}

func TestHostPort(t *testing.T) {
	rt := &fakeRuntime{
		inspectInfo: &runtime.ContainerInfo{
			ID:      "cid-1",
			Running: true,
			Ports:   map[int]int{8000: 9042},
		},
	}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerRunning)

	port, err := m.HostPort(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("HostPort: %v", err)
	}
	if port != 9042 {
		t.Errorf("port = %d, want 9042", port)
	}
}

func TestHostPort_NotRunning(t *testing.T) {
	rt := &fakeRuntime{
		inspectInfo: &runtime.ContainerInfo{ID: "cid-1", Running: false},
	}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})
	s.UpdateContainer(context.Background(), "agent-1", "cid-1", store.ContainerStopped)

	if _, err := m.HostPort(context.Background(), "agent-1"); err == nil {
		t.Fatal("expected error for stopped container")
	}
}

func TestLogsAndStats_RequireContainer(t *testing.T) {
	rt := &fakeRuntime{}
	m, s := newTestManager(t, rt, manager.Config{})
	seedAgent(t, s, &store.Agent{})

	if _, err := m.Logs(context.Background(), "agent-1", 100); !errors.Is(err, manager.ErrNoContainer) {
		t.Errorf("Logs: expected ErrNoContainer, got %v", err)
	}
	if _, err := m.Stats(context.Background(), "agent-1"); !errors.Is(err, manager.ErrNoContainer) {
		t.Errorf("Stats: expected ErrNoContainer, got %v", err)
	}
}
