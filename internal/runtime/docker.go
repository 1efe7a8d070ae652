// ABOUTME: docker/podman CLI implementation of the ContainerRuntime capability
// ABOUTME: Auto-detects the engine and shells out with context-aware commands

package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// CLIRuntime drives a container engine through its command-line interface.
type CLIRuntime struct {
	engineCmd string
	logger    *slog.Logger
}

// NewCLIRuntime auto-detects an available container engine.
// Podman is preferred, docker is the fallback.
func NewCLIRuntime(logger *slog.Logger) (*CLIRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, candidate := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return &CLIRuntime{
				engineCmd: candidate,
				logger:    logger.With("component", "runtime", "engine", candidate),
			}, nil
		}
	}
	return nil, ErrNoEngine
}

// startArgs builds the argument vector for launching a sandbox container.
// Split out so tests can verify the invocation without an engine installed.
func startArgs(spec StartSpec) []string {
	args := []string{
		"run", "-d", "--rm",
		"--name", spec.Name,
		"-v", fmt.Sprintf("%s:%s", spec.MountDir, spec.MountPath),
		"-w", spec.MountPath,
	}
	if spec.HostPort > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.AgentPort))
	}
	for key, val := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, val))
	}
	args = append(args, spec.Image)
	return args
}

// Start launches a detached container and returns its handle.
func (r *CLIRuntime) Start(ctx context.Context, spec StartSpec) (*Container, error) {
	args := startArgs(spec)

	cmd := exec.CommandContext(ctx, r.engineCmd, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("starting container %s: %w: %s",
			spec.Name, err, strings.TrimSpace(stderr.String()))
	}

	containerID := strings.TrimSpace(stdout.String())
	if containerID == "" {
		return nil, fmt.Errorf("starting container %s: engine returned no container id", spec.Name)
	}

	r.logger.Info("container started",
		"name", spec.Name,
		"container_id", shortID(containerID),
		"image", spec.Image,
	)
	return &Container{ID: containerID, Name: spec.Name}, nil
}

// Exec runs a command inside a running container and captures its output.
func (r *CLIRuntime) Exec(ctx context.Context, containerID string, command []string) (*ExecResult, error) {
	args := append([]string{"exec", containerID}, command...)

	cmd := exec.CommandContext(ctx, r.engineCmd, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if isMissingContainer(stderr.String()) {
			return result, ErrContainerNotFound
		}
		return result, fmt.Errorf("exec in container %s: %w", shortID(containerID), err)
	}
	return result, nil
}

// ReadFile streams a file out of a running container via `exec cat`.
func (r *CLIRuntime) ReadFile(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	result, err := r.Exec(ctx, containerID, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("reading %s from container %s: %s",
			path, shortID(containerID), strings.TrimSpace(result.Stderr))
	}
	return io.NopCloser(strings.NewReader(result.Stdout)), nil
}

// Stop stops and removes a container. A container that is already gone
// reports ErrContainerNotFound so callers can treat cleanup as idempotent.
func (r *CLIRuntime) Stop(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.engineCmd, "rm", "-f", containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if isMissingContainer(stderr.String()) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("stopping container %s: %w: %s",
			shortID(containerID), err, strings.TrimSpace(stderr.String()))
	}

	r.logger.Info("container stopped", "container_id", shortID(containerID))
	return nil
}

// isMissingContainer matches the engine stderr for an absent container.
// Both docker and podman phrase it as "no such container".
func isMissingContainer(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "no such container")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
