// Package proxy forwards user queries to a running agent container's HTTP
// endpoint.
//
// Agent images have shipped two API shapes over time:
//
//	POST /chat  {"content": <q>} → {"content": <answer>}
//	POST /query {"query": <q>}   → {"response": <answer>}
//
// Rather than hard-coding nested conditionals, the proxy walks an ordered
// rule table and returns the first answer it can extract. Transport errors,
// timeouts and non-2xx statuses move on to the next rule; exhausting the
// table yields ErrUnreachable.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/Banken/common/retry"
	"github.com/bdobrica/Banken/internal/banken/manager"
	"github.com/bdobrica/Banken/internal/banken/store"
)

// ErrUnreachable is returned when the container is supposedly running but no
// endpoint rule produced an answer.
var ErrUnreachable = errors.New("agent container is not answering")

// DefaultTimeout bounds each outbound query call. A query must never block
// indefinitely on an unresponsive container.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps agent response bodies.
const maxResponseBytes = 4 * 1024 * 1024 // 4 MiB

// agentGetter is the minimal interface the Proxy needs from the Store.
type agentGetter interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// lifecycle is the minimal interface the Proxy needs from the Manager.
type lifecycle interface {
	StartContainer(ctx context.Context, agentID string) error
	HostPort(ctx context.Context, agentID string) (int, error)
}

// rule is one (path, request-shape, response-fields) entry of the fallback
// chain. Fields are tried in order on a 2xx response.
type rule struct {
	path   string
	body   func(query string) map[string]string
	fields []string
}

var rules = []rule{
	{
		path:   "/chat",
		body:   func(q string) map[string]string { return map[string]string{"content": q} },
		fields: []string{"content", "response"},
	},
	{
		path:   "/query",
		body:   func(q string) map[string]string { return map[string]string{"query": q} },
		fields: []string{"response", "content"},
	},
}

// Proxy delivers queries to running agent containers.
type Proxy struct {
	store      agentGetter
	lifecycle  lifecycle
	httpClient *http.Client
	// baseHost is the host agent ports are bound on.
	baseHost string
}

// Config holds options for creating a Proxy.
type Config struct {
	// Timeout bounds each outbound HTTP call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// New creates a new Proxy.
func New(st agentGetter, lc lifecycle, cfg Config) *Proxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Proxy{
		store:      st,
		lifecycle:  lc,
		httpClient: &http.Client{Timeout: timeout},
		baseHost:   "localhost",
	}
}

// Query delivers text to the agent's container and returns its answer.
//
// The container is started first when the persisted status is not running.
// The host port is resolved by inspection at call time, so stale persisted
// state never routes a query to the wrong port.
func (p *Proxy) Query(ctx context.Context, agentID, text string) (string, error) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.ContainerID == "" {
		return "", fmt.Errorf("agent %s: %w", agentID, manager.ErrNoContainer)
	}

	if agent.ContainerStatus != store.ContainerRunning {
		if err := p.lifecycle.StartContainer(ctx, agentID); err != nil {
			return "", fmt.Errorf("start before query: %w", err)
		}
	}

	port, err := p.lifecycle.HostPort(ctx, agentID)
	if err != nil {
		return "", err
	}
	base := fmt.Sprintf("http://%s:%d", p.baseHost, port)

	if err := p.waitReady(ctx, base); err != nil {
		return "", fmt.Errorf("agent %s: %w: %v", agentID, ErrUnreachable, err)
	}

	var lastErr error
	for _, rule := range rules {
		answer, err := p.tryRule(ctx, base, rule, text)
		if err != nil {
			slog.Debug("endpoint rule failed, trying next",
				"agent_id", agentID, "path", rule.path, "error", err)
			lastErr = err
			continue
		}
		return answer, nil
	}
	return "", fmt.Errorf("agent %s: %w: %v", agentID, ErrUnreachable, lastErr)
}

// waitReady polls GET /health until the container answers 200.
func (p *Proxy) waitReady(ctx context.Context, base string) error {
	return retry.Do(ctx, retry.DefaultConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return nil
	})
}

// tryRule POSTs the query to one endpoint rule and extracts the answer.
func (p *Proxy) tryRule(ctx context.Context, base string, r rule, text string) (string, error) {
	payload, err := json.Marshal(r.body(text))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+r.path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s returned %d", r.path, resp.StatusCode)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("decode %s response: %w", r.path, err)
	}
	if msg, ok := fields["error"].(string); ok && msg != "" {
		return "", fmt.Errorf("%s reported error: %s", r.path, msg)
	}
	for _, field := range r.fields {
		if answer, ok := fields[field].(string); ok {
			return answer, nil
		}
	}
	return "", fmt.Errorf("%s response carries none of %v", r.path, r.fields)
}
