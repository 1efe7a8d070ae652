// Package config loads sandbox-gateway configuration from YAML files or
// environment variables.
//
// Load reads a YAML file, expanding ${VAR} references against the
// environment and parsing duration strings like "30m". FromEnv builds the
// same Config from environment variables alone, honoring the legacy
// deployment names HOST_WORKSPACE_DIR, SANDBOX_IMAGE, SANDBOX_IDLE_TTL and
// SANDBOX_CLEANUP_INTERVAL (seconds).
package config
