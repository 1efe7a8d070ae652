// ABOUTME: ContainerRuntime capability interface consumed by the session layer
// ABOUTME: Abstracts start/exec/copy-out/stop so tests can substitute a fake

package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrContainerNotFound indicates the referenced container no longer exists.
// Teardown paths treat this as success so eviction stays idempotent.
var ErrContainerNotFound = errors.New("container not found")

// ErrNoEngine indicates no supported container engine is installed.
var ErrNoEngine = errors.New("no container engine found (tried podman, docker)")

// StartSpec describes a sandbox container to launch.
type StartSpec struct {
	Image     string
	Name      string
	MountDir  string            // host directory mounted at MountPath
	MountPath string            // path inside the container, e.g. /workspace
	HostPort  int               // host port published to AgentPort
	AgentPort int               // port the agent server listens on inside the container
	Env       map[string]string // forwarded environment variables
}

// Container is a handle to a running sandbox container.
type Container struct {
	ID   string
	Name string
}

// ExecResult holds the output of a command run inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerRuntime is the capability the registry uses to manage sandboxes.
// Implementations must be safe for concurrent use.
type ContainerRuntime interface {
	// Start launches a container per spec and returns its handle.
	Start(ctx context.Context, spec StartSpec) (*Container, error)

	// Exec runs a command inside a running container.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	// ReadFile streams a file out of a running container.
	// Returns ErrContainerNotFound if the container is gone.
	ReadFile(ctx context.Context, containerID, path string) (io.ReadCloser, error)

	// Stop stops and removes a container. Returns ErrContainerNotFound
	// if it is already gone.
	Stop(ctx context.Context, containerID string) error
}
