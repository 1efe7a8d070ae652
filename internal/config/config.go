// ABOUTME: Configuration loading and parsing for sandbox-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete sandbox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the event archive location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SandboxConfig holds container runtime configuration
type SandboxConfig struct {
	Image      string   `yaml:"image"`
	AgentPort  int      `yaml:"agent_port"`
	ForwardEnv []string `yaml:"forward_env"`

	StartTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StartTimeoutRaw string `yaml:"start_timeout"`
}

// WorkspaceConfig holds workspace mount and idle-reclamation configuration
type WorkspaceConfig struct {
	Root string `yaml:"root"`

	IdleTTL       time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTTLRaw       string `yaml:"idle_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults mirror the original deployment: 30 minute idle TTL, 5 minute
// sweep, sandbox agent on port 8000.
const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultStartTimeout  = 60 * time.Second
	DefaultAgentPort     = 8000
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// FromEnv builds a configuration from environment variables alone, honoring
// the original deployment variables: HOST_WORKSPACE_DIR, SANDBOX_IMAGE,
// SANDBOX_IDLE_TTL and SANDBOX_CLEANUP_INTERVAL (both in seconds).
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: getenv("GATEWAY_HTTP_ADDR", ":8080")},
		Database: DatabaseConfig{Path: getenv("GATEWAY_DB_PATH", "sandbox-gateway.db")},
		Sandbox: SandboxConfig{
			Image: os.Getenv("SANDBOX_IMAGE"),
		},
		Workspace: WorkspaceConfig{
			Root: getenv("HOST_WORKSPACE_DIR", "workspace"),
		},
		Auth: AuthConfig{JWTSecret: os.Getenv("GATEWAY_JWT_SECRET")},
		Logging: LoggingConfig{
			Level:  getenv("GATEWAY_LOG_LEVEL", "info"),
			Format: getenv("GATEWAY_LOG_FORMAT", "text"),
		},
	}

	if raw := os.Getenv("SANDBOX_IDLE_TTL"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing SANDBOX_IDLE_TTL %q: %w", raw, err)
		}
		cfg.Workspace.IdleTTL = time.Duration(secs) * time.Second
	}
	if raw := os.Getenv("SANDBOX_CLEANUP_INTERVAL"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing SANDBOX_CLEANUP_INTERVAL %q: %w", raw, err)
		}
		cfg.Workspace.SweepInterval = time.Duration(secs) * time.Second
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for fields left unset.
func (c *Config) applyDefaults() {
	if c.Workspace.IdleTTL == 0 {
		c.Workspace.IdleTTL = DefaultIdleTTL
	}
	if c.Workspace.SweepInterval == 0 {
		c.Workspace.SweepInterval = DefaultSweepInterval
	}
	if c.Sandbox.StartTimeout == 0 {
		c.Sandbox.StartTimeout = DefaultStartTimeout
	}
	if c.Sandbox.AgentPort == 0 {
		c.Sandbox.AgentPort = DefaultAgentPort
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Workspace.IdleTTL < 0 {
		return fmt.Errorf("workspace.idle_ttl must not be negative")
	}
	if c.Workspace.SweepInterval <= 0 {
		return fmt.Errorf("workspace.sweep_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Workspace.IdleTTLRaw != "" {
		cfg.Workspace.IdleTTL, err = time.ParseDuration(cfg.Workspace.IdleTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_ttl %q: %w", cfg.Workspace.IdleTTLRaw, err)
		}
	}

	if cfg.Workspace.SweepIntervalRaw != "" {
		cfg.Workspace.SweepInterval, err = time.ParseDuration(cfg.Workspace.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Workspace.SweepIntervalRaw, err)
		}
	}

	if cfg.Sandbox.StartTimeoutRaw != "" {
		cfg.Sandbox.StartTimeout, err = time.ParseDuration(cfg.Sandbox.StartTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing start_timeout %q: %w", cfg.Sandbox.StartTimeoutRaw, err)
		}
	}

	return nil
}
