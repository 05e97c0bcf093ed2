// Package server exposes the Banken REST API.
//
// All business rules live in the manager and proxy packages; handlers here
// only decode requests, call through, and map errors onto HTTP statuses.
// The error-to-status mapping exists in this package and nowhere else.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bdobrica/Banken/common/redact"
	"github.com/bdobrica/Banken/common/trace"
	"github.com/bdobrica/Banken/common/version"
	"github.com/bdobrica/Banken/internal/banken/agentspec"
	"github.com/bdobrica/Banken/internal/banken/manager"
	"github.com/bdobrica/Banken/internal/banken/proxy"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// lifecycle is the subset of *manager.Manager the server calls.
type lifecycle interface {
	CreateAgent(ctx context.Context, params manager.NewAgent) (*store.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	CreateContainer(ctx context.Context, agentID string) error
	StartContainer(ctx context.Context, agentID string) error
	StopContainer(ctx context.Context, agentID string) error
	DeleteContainer(ctx context.Context, agentID string) error
	Logs(ctx context.Context, agentID string, tail int) (string, error)
	Stats(ctx context.Context, agentID string) (*runtime.ContainerStats, error)
	HostPort(ctx context.Context, agentID string) (int, error)
}

// querier is the subset of *proxy.Proxy the server calls.
type querier interface {
	Query(ctx context.Context, agentID, text string) (string, error)
}

// agentReader is the subset of *store.Store the server calls.
type agentReader interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	AgentCount(ctx context.Context) (int, error)
	RecentAudit(ctx context.Context, limit int) ([]*store.AuditEntry, error)
}

// containerLister is the subset of the runtime driver the server calls.
type containerLister interface {
	List(ctx context.Context) ([]runtime.ContainerSummary, error)
}

// Server holds the HTTP handler set.
type Server struct {
	lifecycle  lifecycle
	proxy      querier
	store      agentReader
	containers containerLister
}

// New creates a Server.
func New(lc lifecycle, p querier, st agentReader, cl containerLister) *Server {
	return &Server{lifecycle: lc, proxy: p, store: st, containers: cl}
}

// Handler builds the ServeMux with all routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("POST /agents/{id}/container", s.handleCreateContainer)
	mux.HandleFunc("DELETE /agents/{id}/container", s.handleDeleteContainer)
	mux.HandleFunc("POST /agents/{id}/start", s.handleStartContainer)
	mux.HandleFunc("POST /agents/{id}/stop", s.handleStopContainer)
	mux.HandleFunc("GET /agents/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /agents/{id}/stats", s.handleStats)

	mux.HandleFunc("POST /agents/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /agents/{id}/query", s.handleQuery)

	mux.HandleFunc("GET /containers", s.handleListContainers)
	mux.HandleFunc("GET /audit", s.handleAudit)

	return withTrace(mux)
}

// withTrace stamps every request with a trace ID and logs it on completion.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := trace.GenerateID()
		ctx := trace.WithTraceID(r.Context(), traceID)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start), "trace_id", traceID)
	})
}

// --- Response shapes ----------------------------------------------------------

type agentResponse struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	Type            store.AgentType       `json:"type"`
	ContainerID     string                `json:"container_id,omitempty"`
	ContainerStatus store.ContainerStatus `json:"container_status"`
	HostPort        int                   `json:"host_port,omitempty"`
	Config          map[string]any        `json:"config,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func toAgentResponse(agent *store.Agent, hostPort int) agentResponse {
	var cfg map[string]any
	if agent.Config != nil {
		// The free-form config may carry LLM API keys; never echo them.
		cfg = redact.Map(agent.Config)
	}
	return agentResponse{
		ID:              agent.ID,
		Name:            agent.Name,
		Description:     agent.Description,
		Type:            agent.Type,
		ContainerID:     agent.ContainerID,
		ContainerStatus: agent.ContainerStatus,
		HostPort:        hostPort,
		Config:          cfg,
		CreatedAt:       agent.CreatedAt,
		UpdatedAt:       agent.UpdatedAt,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type answerResponse struct {
	Content string `json:"content"`
}

// --- Handlers -----------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.AgentCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version.Version,
		"commit":  version.GitCommit,
		"agents":  count,
	})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	def, err := agentspec.Parse(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	agent, err := s.lifecycle.CreateAgent(r.Context(), manager.NewAgent{
		Name:        def.Name,
		Description: def.Description,
		Type:        def.Type,
		ContainerConfig: store.ContainerConfig{
			Image:       def.Container.Image,
			MemoryLimit: def.Container.MemoryLimit,
			CPULimit:    def.Container.CPULimit,
			EnvVars:     def.Container.EnvVars,
			AutoStart:   def.Container.AutoStart,
		},
		Config: def.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent, 0))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, agent := range agents {
		out = append(out, toAgentResponse(agent, 0))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Host ports are never persisted; resolve by inspection, best-effort.
	hostPort := 0
	if agent.ContainerStatus == store.ContainerRunning {
		if port, err := s.lifecycle.HostPort(r.Context(), agent.ID); err == nil {
			hostPort = port
		}
	}
	writeJSON(w, http.StatusOK, toAgentResponse(agent, hostPort))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.lifecycle.CreateContainer(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent, 0))
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.DeleteContainer(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.StartContainer)
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.lifecycle.StopContainer)
}

// transition runs a lifecycle call and responds with the refreshed agent.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(agent, 0))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "lines must be a positive integer"})
			return
		}
		lines = parsed
	}

	logs, err := s.lifecycle.Logs(r.Context(), r.PathValue("id"), lines)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, logs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.lifecycle.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cpu_percent":      stats.CPUPercent,
		"memory_usage":     stats.MemoryUsage,
		"memory_limit":     stats.MemoryLimit,
		"network_rx_bytes": stats.NetworkRxBytes,
		"network_tx_bytes": stats.NetworkTxBytes,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, "content")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, "query")
}

// query accepts {"<field>": <text>} and forwards it to the agent container.
func (s *Server) query(w http.ResponseWriter, r *http.Request, field string) {
	var body map[string]string
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	text := body[field]
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: field + " must not be empty"})
		return
	}

	answer, err := s.proxy.Query(r.Context(), r.PathValue("id"), text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Content: answer})
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.containers.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := s.store.RecentAudit(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Error mapping ------------------------------------------------------------

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agentspec.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, manager.ErrNoContainer):
		status = http.StatusConflict
	case errors.Is(err, runtime.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrUnreachable):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"trace_id", trace.FromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
