package manager

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/Banken/common/redact"
	"github.com/bdobrica/Banken/internal/banken/runtime"
	"github.com/bdobrica/Banken/internal/banken/store"
)

// knowledgeMountPath is where the per-agent knowledge base is mounted
// inside RAG containers.
const knowledgeMountPath = "/app/data/kb"

// Chunking defaults applied when the agent config carries no
// knowledge_base settings.
const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// containerSpec assembles the full container description for an agent.
func (m *Manager) containerSpec(agent *store.Agent, hostPort int) runtime.ContainerSpec {
	image := agent.ContainerConfig.Image
	if image == "" {
		image = m.cfg.DefaultImage
	}
	memory := agent.ContainerConfig.MemoryLimit
	if memory == "" {
		memory = m.cfg.DefaultMemoryLimit
	}
	cpu := agent.ContainerConfig.CPULimit
	if cpu == 0 {
		cpu = m.cfg.DefaultCPULimit
	}

	return runtime.ContainerSpec{
		Name:          runtime.ContainerNameFor(agent.Name),
		Image:         image,
		Env:           m.buildEnv(agent),
		Network:       m.cfg.Network,
		HostPort:      hostPort,
		ContainerPort: runtime.DefaultContainerPort,
		MemoryLimit:   memory,
		CPULimit:      cpu,
		RestartPolicy: m.cfg.RestartPolicy,
		Mounts:        m.buildMounts(agent),
		Labels: map[string]string{
			runtime.LabelAgentID:   agent.ID,
			runtime.LabelAgentName: agent.Name,
		},
	}
}

// buildEnv assembles the environment injected into the agent container:
// agent identity, per-agent env_vars, LLM_* settings from the free-form
// config, and for RAG agents the knowledge-base and vector-store wiring.
func (m *Manager) buildEnv(agent *store.Agent) map[string]string {
	env := map[string]string{
		"AGENT_ID":   agent.ID,
		"AGENT_NAME": agent.Name,
		"AGENT_TYPE": string(agent.Type),
		"PORT":       strconv.Itoa(runtime.DefaultContainerPort),
	}

	for key, value := range agent.Config {
		if strings.HasPrefix(key, "LLM_") {
			env[key] = stringify(value)
		}
	}

	for key, value := range agent.ContainerConfig.EnvVars {
		env[key] = value
	}

	if agent.Type == store.TypeRAG {
		env["KNOWLEDGE_PATH"] = knowledgeMountPath
		env["VECTOR_DB_URL"] = rewriteLoopback(m.cfg.VectorDBURL, m.cfg.HostAlias)
		env["VECTOR_DB_TABLE"] = vectorTableFor(agent.ID)
		env["KB_RECREATE"] = strconv.FormatBool(m.cfg.KBRecreate)
		env["KB_CHUNK_SIZE"] = strconv.Itoa(chunkSetting(agent.Config, "chunk_size", defaultChunkSize))
		env["KB_CHUNK_OVERLAP"] = strconv.Itoa(chunkSetting(agent.Config, "chunk_overlap", defaultChunkOverlap))
	}

	return env
}

// buildMounts returns the bind mounts for the agent. RAG agents get their
// knowledge directory mounted read-only.
func (m *Manager) buildMounts(agent *store.Agent) []runtime.Mount {
	if agent.Type != store.TypeRAG || m.cfg.KnowledgeRoot == "" {
		return nil
	}
	return []runtime.Mount{{
		HostPath:      m.knowledgeDir(agent.ID),
		ContainerPath: knowledgeMountPath,
		ReadOnly:      true,
	}}
}

// vectorTableFor derives a deterministic vector-store table name from the
// agent id. Dashes become underscores so the name is valid SQL.
func vectorTableFor(agentID string) string {
	return "agent_" + strings.ReplaceAll(agentID, "-", "_")
}

// rewriteLoopback replaces loopback hostnames in url with the
// container-visible host alias, so a vector store bound to the host's
// loopback interface is reachable from inside the container.
func rewriteLoopback(url, alias string) string {
	url = strings.Replace(url, "localhost", alias, 1)
	url = strings.Replace(url, "127.0.0.1", alias, 1)
	return url
}

// chunkSetting reads config["knowledge_base"][key] as an integer, falling
// back to def. JSON round-tripping stores numbers as float64.
func chunkSetting(config map[string]any, key string, def int) int {
	kb, ok := config["knowledge_base"].(map[string]any)
	if !ok {
		return def
	}
	switch v := kb[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// redactedEnv prepares an env map for logging. API keys and tokens must not
// reach the log stream.
func redactedEnv(env map[string]string) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return redact.Map(out)
}

// stringify renders a free-form config value as an environment string.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
