// ABOUTME: Workspace registry arbitrating create-vs-reuse of sandbox sessions
// ABOUTME: Per-workspace locks held across check-then-create prevent double starts

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/agentclient"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/runtime"
)

// ErrSandboxStart indicates the container runtime failed to produce a
// usable sandbox. No registry entry is left behind.
var ErrSandboxStart = errors.New("sandbox start failed")

// ErrSessionBusy indicates an eviction was refused because the session
// still has in-flight references.
var ErrSessionBusy = errors.New("session has in-flight references")

// ErrNoSession indicates no live session exists for the workspace.
var ErrNoSession = errors.New("no session for workspace")

// Config holds the sandbox creation parameters the registry applies to
// every workspace.
type Config struct {
	Image         string
	WorkspaceRoot string // host directory holding per-workspace mounts
	MountPath     string // mount point inside the container, e.g. /workspace
	AgentPort     int    // port the agent server listens on in the container
	StartTimeout  time.Duration
	ForwardEnv    []string // host env vars forwarded into the sandbox

	// HealthWait overrides how the registry waits for a freshly started
	// sandbox's agent server. Nil means poll its health endpoint.
	HealthWait func(ctx context.Context, client *agentclient.Client) error
}

// Registry is the concurrent mapping from workspace id to sandbox session.
// It exclusively owns all sessions and their containers.
type Registry struct {
	cfg     Config
	runtime runtime.ContainerRuntime
	logger  *slog.Logger

	// waitHealthy blocks until the sandbox agent server answers.
	// Replaceable in tests where no agent server exists.
	waitHealthy func(ctx context.Context, client *agentclient.Client) error

	mu       sync.Mutex
	sessions map[string]*Session
	// locks serialize check-then-create per workspace id. Entries are never
	// removed: a waiter may still hold a pointer to one, and replacing it
	// would reopen the double-start window.
	locks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(cfg Config, rt runtime.ContainerRuntime, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "/workspace"
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 8000
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	waitHealthy := cfg.HealthWait
	if waitHealthy == nil {
		waitHealthy = func(ctx context.Context, client *agentclient.Client) error {
			return client.WaitHealthy(ctx, time.Second)
		}
	}
	return &Registry{
		cfg:         cfg,
		runtime:     rt,
		logger:      logger.With("component", "registry"),
		waitHealthy: waitHealthy,
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*sync.Mutex),
	}
}

// keyLock returns the per-workspace mutex, creating it on first use.
func (r *Registry) keyLock(workspaceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[workspaceID] = l
	}
	return l
}

func (r *Registry) lookup(workspaceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[workspaceID]
}

// Acquire returns the workspace's session with one reference held, starting
// a sandbox if none is live. The per-workspace lock is held across the
// whole check-then-create sequence, so concurrent callers for the same id
// can never trigger two container starts. The caller must Release.
// The second return value reports whether a new sandbox was started.
func (r *Registry) Acquire(ctx context.Context, workspaceID string) (*Session, bool, error) {
	lock := r.keyLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	if s := r.lookup(workspaceID); s != nil {
		if s.acquire() {
			return s, false, nil
		}
		// A Terminating leftover from a failed teardown: retry teardown
		// before starting fresh.
		if err := r.teardown(ctx, s); err != nil {
			return nil, false, fmt.Errorf("retrying teardown for %s: %w", workspaceID, err)
		}
	}

	s, err := r.startSession(ctx, workspaceID)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	r.sessions[workspaceID] = s
	r.mu.Unlock()

	return s, true, nil
}

// Checkout returns an existing live session with one reference held, never
// starting a sandbox. Used by file and editor reads that must not create
// workspaces as a side effect.
func (r *Registry) Checkout(workspaceID string) (*Session, error) {
	lock := r.keyLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	s := r.lookup(workspaceID)
	if s == nil || !s.acquire() {
		return nil, ErrNoSession
	}
	return s, nil
}

// Release drops one reference for the workspace's session.
func (r *Registry) Release(workspaceID string) {
	if s := r.lookup(workspaceID); s != nil {
		s.release()
	}
}

// startSession launches and health-waits a sandbox container.
// Any failure cleans up so no orphaned registry state remains.
func (r *Registry) startSession(ctx context.Context, workspaceID string) (*Session, error) {
	mountDir := filepath.Join(r.cfg.WorkspaceRoot, workspaceID)
	projectDir := filepath.Join(mountDir, "project")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating workspace directory: %v", ErrSandboxStart, err)
	}

	hostPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: allocating host port: %v", ErrSandboxStart, err)
	}

	env := make(map[string]string, len(r.cfg.ForwardEnv))
	for _, key := range r.cfg.ForwardEnv {
		if val, ok := os.LookupEnv(key); ok {
			env[key] = val
		}
	}

	name := containerName()
	container, err := r.runtime.Start(ctx, runtime.StartSpec{
		Image:     r.cfg.Image,
		Name:      name,
		MountDir:  mountDir,
		MountPath: r.cfg.MountPath,
		HostPort:  hostPort,
		AgentPort: r.cfg.AgentPort,
		Env:       env,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxStart, err)
	}

	client := agentclient.New(fmt.Sprintf("http://127.0.0.1:%d", hostPort))

	now := time.Now()
	s := &Session{
		WorkspaceID: workspaceID,
		MountDir:    mountDir,
		ProjectDir:  projectDir,
		CreatedAt:   now,
		container:   container,
		client:      client,
		status:      StatusStarting,
		lastUsed:    now,
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()
	if err := r.waitHealthy(waitCtx, client); err != nil {
		if stopErr := r.runtime.Stop(ctx, container.ID); stopErr != nil &&
			!errors.Is(stopErr, runtime.ErrContainerNotFound) {
			r.logger.Warn("cleanup after failed start",
				"workspace_id", workspaceID, "error", stopErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrSandboxStart, err)
	}

	// Only a healthy sandbox becomes acquirable
	s.mu.Lock()
	s.status = StatusActive
	s.refs = 1
	s.lastUsed = time.Now()
	s.mu.Unlock()

	r.logger.Info("sandbox session started",
		"workspace_id", workspaceID,
		"container", name,
		"agent_url", client.BaseURL(),
	)
	return s, nil
}

// Evict tears down the workspace's session. Only idle, unreferenced
// sessions may be evicted; a busy session returns ErrSessionBusy. The
// registry entry is removed only after teardown completes, so a crashed
// teardown leaves a Terminating entry discoverable for retry rather than a
// silent leak. A container that is already gone counts as torn down.
func (r *Registry) Evict(ctx context.Context, workspaceID string) error {
	lock := r.keyLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	s := r.lookup(workspaceID)
	if s == nil {
		return ErrNoSession
	}
	return r.teardown(ctx, s)
}

// teardown runs the Terminating -> Terminated transition for a session.
// Caller must hold the workspace's key lock.
func (r *Registry) teardown(ctx context.Context, s *Session) error {
	if !s.beginTerminate() {
		return ErrSessionBusy
	}

	if err := r.runtime.Stop(ctx, s.container.ID); err != nil {
		if !errors.Is(err, runtime.ErrContainerNotFound) {
			r.logger.Error("sandbox teardown failed, will retry",
				"workspace_id", s.WorkspaceID, "error", err)
			return err
		}
		r.logger.Info("container already gone, treating eviction as complete",
			"workspace_id", s.WorkspaceID)
	}

	s.finishTerminate()
	r.mu.Lock()
	delete(r.sessions, s.WorkspaceID)
	r.mu.Unlock()

	r.logger.Info("sandbox session evicted", "workspace_id", s.WorkspaceID)
	return nil
}

// Expired returns the workspace ids whose sessions are eligible for
// eviction: idle past ttl with no references, plus Terminating leftovers.
func (r *Registry) Expired(ttl time.Duration) []string {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.sessions {
		if s.expired(now, ttl) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down every remaining session. Busy sessions are torn down
// anyway: at shutdown there is nothing left to serve their turns.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		lock := r.keyLock(id)
		lock.Lock()
		s := r.lookup(id)
		if s == nil {
			lock.Unlock()
			continue
		}
		if err := r.runtime.Stop(ctx, s.container.ID); err != nil &&
			!errors.Is(err, runtime.ErrContainerNotFound) {
			errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
		}
		s.finishTerminate()
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		lock.Unlock()
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry close: %v", errs)
	}
	return nil
}

// containerName produces a unique sandbox container name.
func containerName() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("agent-sandbox-%d-%s", time.Now().Unix(), suffix)
}

// freePort asks the kernel for an unused TCP port on the loopback.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
