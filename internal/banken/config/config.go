// Package config loads the Banken service configuration.
//
// Precedence, lowest to highest: built-in defaults, the optional YAML config
// file, environment variables. Environment overrides exist for every setting
// an operator plausibly changes per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Banken/common/environment"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or from bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RuntimeConfig selects and tunes the container runtime driver.
type RuntimeConfig struct {
	// Driver is "cli" (shell out to podman/docker) or "docker" (SDK).
	Driver string `yaml:"driver"`
	// Binary is the CLI binary name or path; only used by the cli driver.
	Binary string `yaml:"binary"`
	// Timeout bounds every runtime operation.
	Timeout Duration `yaml:"timeout"`
}

// ContainersConfig holds the process-wide container defaults.
type ContainersConfig struct {
	Image             string   `yaml:"image"`
	Network           string   `yaml:"network"`
	PortRangeStart    int      `yaml:"port_range_start"`
	PortRangeEnd      int      `yaml:"port_range_end"`
	MemoryLimit       string   `yaml:"memory_limit"`
	CPULimit          float64  `yaml:"cpu_limit"`
	RestartPolicy     string   `yaml:"restart_policy"`
	StopGrace         Duration `yaml:"stop_grace"`
	KnowledgeRoot     string   `yaml:"knowledge_root"`
	KBRecreate        bool     `yaml:"kb_recreate"`
	VectorDBURL       string   `yaml:"vector_db_url"`
	HostAlias         string   `yaml:"host_alias"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	ProxyTimeout      Duration `yaml:"proxy_timeout"`
}

// MatrixConfig holds the optional audit-room notifier settings. All fields
// empty disables the notifier.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	AuditRoom   string `yaml:"audit_room"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr   string           `yaml:"listen_addr"`
	DatabasePath string           `yaml:"database_path"`
	Runtime      RuntimeConfig    `yaml:"runtime"`
	Containers   ContainersConfig `yaml:"containers"`
	Matrix       MatrixConfig     `yaml:"matrix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		DatabasePath: "./banken.db",
		Runtime: RuntimeConfig{
			Driver:  "cli",
			Binary:  "podman",
			Timeout: Duration(30 * time.Second),
		},
		Containers: ContainersConfig{
			Image:             "ghcr.io/bdobrica/banken-agent:latest",
			Network:           "banken",
			PortRangeStart:    9001,
			PortRangeEnd:      9999,
			MemoryLimit:       "512m",
			CPULimit:          1.0,
			RestartPolicy:     "unless-stopped",
			StopGrace:         Duration(10 * time.Second),
			KnowledgeRoot:     "./data/kb",
			VectorDBURL:       "http://localhost:6333",
			HostAlias:         "host.containers.internal",
			ReconcileInterval: Duration(30 * time.Second),
			ProxyTimeout:      Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func (c *Config) applyEnv() {
	c.ListenAddr = environment.StringOr("BANKEN_LISTEN_ADDR", c.ListenAddr)
	c.DatabasePath = environment.StringOr("DATABASE_PATH", c.DatabasePath)

	c.Runtime.Driver = environment.StringOr("RUNTIME_DRIVER", c.Runtime.Driver)
	c.Runtime.Binary = environment.StringOr("RUNTIME_BINARY", c.Runtime.Binary)
	c.Runtime.Timeout = Duration(environment.DurationOr("RUNTIME_TIMEOUT", c.Runtime.Timeout.Std()))

	c.Containers.Image = environment.StringOr("AGENT_IMAGE", c.Containers.Image)
	c.Containers.Network = environment.StringOr("NETWORK_NAME", c.Containers.Network)
	c.Containers.PortRangeStart = environment.IntOr("PORT_RANGE_START", c.Containers.PortRangeStart)
	c.Containers.PortRangeEnd = environment.IntOr("PORT_RANGE_END", c.Containers.PortRangeEnd)
	c.Containers.MemoryLimit = environment.StringOr("MEMORY_LIMIT", c.Containers.MemoryLimit)
	if raw, ok := environment.String("CPU_LIMIT"); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			c.Containers.CPULimit = v
		}
	}
	c.Containers.KnowledgeRoot = environment.StringOr("KNOWLEDGE_ROOT", c.Containers.KnowledgeRoot)
	c.Containers.KBRecreate = environment.BoolOr("KB_RECREATE", c.Containers.KBRecreate)
	c.Containers.VectorDBURL = environment.StringOr("VECTOR_DB_URL", c.Containers.VectorDBURL)
	c.Containers.HostAlias = environment.StringOr("HOST_ALIAS", c.Containers.HostAlias)
	c.Containers.ReconcileInterval = Duration(environment.DurationOr("RECONCILE_INTERVAL", c.Containers.ReconcileInterval.Std()))
	c.Containers.ProxyTimeout = Duration(environment.DurationOr("PROXY_TIMEOUT", c.Containers.ProxyTimeout.Std()))

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.AuditRoom = environment.StringOr("MATRIX_AUDIT_ROOM", c.Matrix.AuditRoom)
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Runtime.Driver {
	case "cli", "docker":
	default:
		return fmt.Errorf("runtime.driver must be \"cli\" or \"docker\", got %q", c.Runtime.Driver)
	}
	if c.Runtime.Driver == "cli" && c.Runtime.Binary == "" {
		return fmt.Errorf("runtime.binary is required for the cli driver")
	}
	if c.Containers.PortRangeStart <= 0 || c.Containers.PortRangeEnd > 65535 ||
		c.Containers.PortRangeStart > c.Containers.PortRangeEnd {
		return fmt.Errorf("invalid port range [%d, %d]",
			c.Containers.PortRangeStart, c.Containers.PortRangeEnd)
	}
	if c.Containers.Network == "" {
		return fmt.Errorf("containers.network must not be empty")
	}
	if c.Matrix.AuditRoom != "" {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix audit room requires homeserver, user_id and access_token")
		}
	}
	return nil
}

// MatrixEnabled reports whether the audit-room notifier should be started.
func (c *Config) MatrixEnabled() bool {
	return c.Matrix.AuditRoom != ""
}
