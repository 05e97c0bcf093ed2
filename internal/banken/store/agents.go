package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the requested agent does not exist.
var ErrNotFound = errors.New("agent not found")

// AgentType determines how an agent's container environment is assembled.
type AgentType string

const (
	TypeRAG      AgentType = "rag"
	TypeChat     AgentType = "chat"
	TypeFunction AgentType = "function"
	TypeCustom   AgentType = "custom"
)

// ContainerStatus is the persisted container lifecycle state.
type ContainerStatus string

const (
	ContainerNone    ContainerStatus = "none"
	ContainerStopped ContainerStatus = "stopped"
	ContainerRunning ContainerStatus = "running"
	ContainerFailed  ContainerStatus = "failed"
)

// ContainerConfig holds the per-agent container tuning knobs. Zero values
// fall back to process-wide defaults at container-creation time.
type ContainerConfig struct {
	Image       string            `json:"image,omitempty"`
	MemoryLimit string            `json:"memory_limit,omitempty"`
	CPULimit    float64           `json:"cpu_limit,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
}

// Agent is a row of the agents table.
//
// ContainerID and ContainerStatus are mutated only by the lifecycle manager;
// a ContainerID of "" means no container is attached. The host port is
// deliberately not persisted: it is recomputed by inspecting the container,
// so the table can never disagree with the runtime about it.
type Agent struct {
	ID              string
	Name            string
	Description     string
	Type            AgentType
	ContainerID     string
	ContainerStatus ContainerStatus
	ContainerConfig ContainerConfig
	Config          map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const agentColumns = `id, name, description, type, container_id, container_status,
	container_config, config, created_at, updated_at`

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ContainerStatus == "" {
		agent.ContainerStatus = ContainerNone
	}
	agent.CreatedAt = time.Now().UTC()
	agent.UpdatedAt = agent.CreatedAt

	containerConfig, err := json.Marshal(agent.ContainerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal container config: %w", err)
	}
	config, err := marshalConfig(agent.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Description, agent.Type,
		nullable(agent.ContainerID), agent.ContainerStatus,
		string(containerConfig), config, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// UpdateContainer persists a new container attachment state for an agent.
// Pass containerID "" to record a detached container.
func (s *Store) UpdateContainer(ctx context.Context, id, containerID string, status ContainerStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET container_id = ?, container_status = ?, updated_at = ?
		WHERE id = ?
	`, nullable(containerID), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent container: %w", err)
	}
	return requireRow(result, id)
}

// UpdateContainerStatus persists only the container status, leaving the
// container ID untouched.
func (s *Store) UpdateContainerStatus(ctx context.Context, id string, status ContainerStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET container_status = ?, updated_at = ?
		WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update container status: %w", err)
	}
	return requireRow(result, id)
}

// DeleteAgent removes an agent row. Returns ErrNotFound when absent.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return requireRow(result, id)
}

// AgentCount returns the number of agents.
func (s *Store) AgentCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var (
		agent           Agent
		containerID     sql.NullString
		containerConfig string
		config          string
	)
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.Description, &agent.Type,
		&containerID, &agent.ContainerStatus,
		&containerConfig, &config, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.ContainerID = containerID.String

	if err := json.Unmarshal([]byte(containerConfig), &agent.ContainerConfig); err != nil {
		return nil, fmt.Errorf("corrupt container_config for agent %s: %w", agent.ID, err)
	}
	if err := json.Unmarshal([]byte(config), &agent.Config); err != nil {
		return nil, fmt.Errorf("corrupt config for agent %s: %w", agent.ID, err)
	}
	return &agent, nil
}

func marshalConfig(config map[string]any) (string, error) {
	if config == nil {
		return "{}", nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal agent config: %w", err)
	}
	return string(data), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
