// Package agentspec parses and validates agent definition documents.
//
// A definition describes an agent to register: its name, type, optional
// container settings, and free-form config. Documents are accepted as YAML
// or JSON (YAML is a superset) and validated against the embedded JSON
// Schema before any field is trusted.
package agentspec

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Banken/internal/banken/store"
)

//go:embed agent.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("agent.schema.json", schemaJSON)

// ErrInvalid wraps all schema validation failures so callers can map them to
// a bad-request response without inspecting library error types.
var ErrInvalid = errors.New("invalid agent definition")

// ContainerSettings are the optional per-agent container overrides.
type ContainerSettings struct {
	Image       string            `json:"image,omitempty"`
	MemoryLimit string            `json:"memory_limit,omitempty"`
	CPULimit    float64           `json:"cpu_limit,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
}

// Definition is a validated agent definition document.
type Definition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        store.AgentType   `json:"type"`
	Container   ContainerSettings `json:"container,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
}

// Parse decodes a YAML or JSON agent definition and validates it. It is the
// canonical entry point for loading agent definitions.
func Parse(data []byte) (*Definition, error) {
	// YAML decodes numbers as int; the schema validator expects
	// encoding/json value types, so round-trip through JSON first.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var doc any
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, validationDetail(err))
	}

	var def Definition
	if err := json.Unmarshal(normalized, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &def, nil
}

// validationDetail flattens a jsonschema error into a one-line message
// suitable for an API response.
func validationDetail(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		loc = "document"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
