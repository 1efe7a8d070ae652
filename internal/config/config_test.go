// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers YAML parsing, duration strings, defaults, and FromEnv fallback

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":9090"
database:
  path: "/var/lib/gateway/archive.db"
sandbox:
  image: "registry.example.com/agent-sandbox:latest"
  agent_port: 8000
  start_timeout: "90s"
  forward_env:
    - ANTHROPIC_API_KEY
workspace:
  root: "/srv/workspaces"
  idle_ttl: "30m"
  sweep_interval: "5m"
auth:
  jwt_secret: "super-secret"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/gateway/archive.db", cfg.Database.Path)
	assert.Equal(t, "registry.example.com/agent-sandbox:latest", cfg.Sandbox.Image)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.StartTimeout)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, cfg.Sandbox.ForwardEnv)
	assert.Equal(t, "/srv/workspaces", cfg.Workspace.Root)
	assert.Equal(t, 30*time.Minute, cfg.Workspace.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Workspace.SweepInterval)
	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_GW_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gw.db"
sandbox:
  image: "sandbox:latest"
workspace:
  root: "/srv/ws"
auth:
  jwt_secret: "${TEST_GW_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gw.db"
sandbox:
  image: "sandbox:latest"
workspace:
  root: "/srv/ws"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultIdleTTL, cfg.Workspace.IdleTTL)
	assert.Equal(t, DefaultSweepInterval, cfg.Workspace.SweepInterval)
	assert.Equal(t, DefaultStartTimeout, cfg.Sandbox.StartTimeout)
	assert.Equal(t, DefaultAgentPort, cfg.Sandbox.AgentPort)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gw.db"
sandbox:
  image: "sandbox:latest"
workspace:
  root: "/srv/ws"
  idle_ttl: "half an hour"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_ttl")
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing image",
			yaml: `
server:
  http_addr: ":8080"
database:
  path: "gw.db"
workspace:
  root: "/srv/ws"
`,
			wantErr: "sandbox.image",
		},
		{
			name: "missing database path",
			yaml: `
server:
  http_addr: ":8080"
sandbox:
  image: "sandbox:latest"
workspace:
  root: "/srv/ws"
`,
			wantErr: "database.path",
		},
		{
			name: "missing http addr",
			yaml: `
database:
  path: "gw.db"
sandbox:
  image: "sandbox:latest"
workspace:
  root: "/srv/ws"
`,
			wantErr: "server.http_addr",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestFromEnv_OriginalDeploymentVariables(t *testing.T) {
	t.Setenv("HOST_WORKSPACE_DIR", "/mnt/workspaces")
	t.Setenv("SANDBOX_IMAGE", "sandbox:prod")
	t.Setenv("SANDBOX_IDLE_TTL", "1800")
	t.Setenv("SANDBOX_CLEANUP_INTERVAL", "300")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/workspaces", cfg.Workspace.Root)
	assert.Equal(t, "sandbox:prod", cfg.Sandbox.Image)
	assert.Equal(t, 30*time.Minute, cfg.Workspace.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Workspace.SweepInterval)
}

func TestFromEnv_InvalidTTL(t *testing.T) {
	t.Setenv("SANDBOX_IMAGE", "sandbox:prod")
	t.Setenv("SANDBOX_IDLE_TTL", "soon")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_IDLE_TTL")
}
