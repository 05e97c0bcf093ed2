package agentspec

import (
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Banken/internal/banken/store"
)

func TestParse_YAML(t *testing.T) {
	doc := `
name: Docs Bot
description: answers questions about the docs
type: rag
container:
  image: banken/agent:1.2
  memory_limit: 512m
  cpu_limit: 0.5
  env_vars:
    LOG_LEVEL: debug
  auto_start: true
config:
  knowledge_base:
    chunk_size: 800
`
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "Docs Bot" || def.Type != store.TypeRAG {
		t.Errorf("def = %+v", def)
	}
	if def.Container.Image != "banken/agent:1.2" || !def.Container.AutoStart {
		t.Errorf("container = %+v", def.Container)
	}
	if def.Container.EnvVars["LOG_LEVEL"] != "debug" {
		t.Errorf("env vars = %v", def.Container.EnvVars)
	}
	kb, ok := def.Config["knowledge_base"].(map[string]any)
	if !ok || kb["chunk_size"] != float64(800) {
		t.Errorf("config = %v", def.Config)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{"name": "Helper", "type": "chat"}`
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "Helper" || def.Type != store.TypeChat {
		t.Errorf("def = %+v", def)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		doc    string
		detail string
	}{
		{"missing name", `{"type": "chat"}`, "name"},
		{"missing type", `{"name": "x"}`, "type"},
		{"bad type", `{"name": "x", "type": "robot"}`, "type"},
		{"empty name", `{"name": "", "type": "chat"}`, "name"},
		{"unknown field", `{"name": "x", "type": "chat", "extra": 1}`, "extra"},
		{"bad memory limit", `{"name": "x", "type": "chat", "container": {"memory_limit": "lots"}}`, "memory_limit"},
		{"zero cpu", `{"name": "x", "type": "chat", "container": {"cpu_limit": 0}}`, "cpu_limit"},
		{"env var not string", `{"name": "x", "type": "chat", "container": {"env_vars": {"A": 1}}}`, "env_vars"},
		{"not yaml", "\t{{{", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if tc.detail != "" && !strings.Contains(err.Error(), tc.detail) {
				t.Errorf("error %q does not mention %q", err, tc.detail)
			}
		})
	}
}

func TestParse_MemoryLimitShapes(t *testing.T) {
	for _, limit := range []string{"512m", "1g", "1.5g", "256MiB", "1024"} {
		doc := `{"name": "x", "type": "chat", "container": {"memory_limit": "` + limit + `"}}`
		if _, err := Parse([]byte(doc)); err != nil {
			t.Errorf("limit %q rejected: %v", limit, err)
		}
	}
}
