// ABOUTME: SandboxSession owns one running sandbox container for one workspace
// ABOUTME: Tracks liveness, reference count, last-used time, and cached editor info

package session

import (
	"sync"
	"time"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/agentclient"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/runtime"
)

// Status is the lifecycle state of a sandbox session.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// VSCodeInfo is the cached embedded-editor connection info for a session.
type VSCodeInfo struct {
	URL       string
	FetchedAt time.Time
}

// Session is the live state for one workspace's sandbox. The registry owns
// sessions exclusively; other packages hold them only between Checkout and
// Release.
type Session struct {
	WorkspaceID string
	MountDir    string // host directory mounted into the container
	ProjectDir  string // MountDir/project, the caller-visible file root
	CreatedAt   time.Time

	container *runtime.Container
	client    *agentclient.Client

	mu       sync.Mutex
	status   Status
	refs     int
	lastUsed time.Time
	vscode   *VSCodeInfo
}

// Client returns the agent-server client bound to this sandbox.
func (s *Session) Client() *agentclient.Client { return s.client }

// Container returns the container handle.
func (s *Session) Container() *runtime.Container { return s.container }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Refs returns the current in-flight reference count.
func (s *Session) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// LastUsed returns the last time a request touched this session.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Touch refreshes the last-used time, re-arming the idle TTL window.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// VSCode returns the cached editor info, or nil if none was fetched yet.
func (s *Session) VSCode() *VSCodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vscode
}

// SetVSCode caches editor info on the session.
func (s *Session) SetVSCode(info *VSCodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vscode = info
}

// acquire bumps the reference count and marks the session active.
// Returns false if the session is no longer usable.
func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive && s.status != StatusIdle {
		return false
	}
	s.refs++
	s.status = StatusActive
	s.lastUsed = time.Now()
	return true
}

// release drops a reference. At zero the session becomes idle and the TTL
// window starts counting from now.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs == 0 && s.status == StatusActive {
		s.status = StatusIdle
	}
	s.lastUsed = time.Now()
}

// beginTerminate moves the session to Terminating.
// Fails while references are held: an in-flight turn must never have its
// sandbox pulled from under it.
func (s *Session) beginTerminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		return false
	}
	if s.status != StatusIdle && s.status != StatusTerminating {
		return false
	}
	s.status = StatusTerminating
	return true
}

// finishTerminate marks teardown as complete.
func (s *Session) finishTerminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusTerminated
}

// expired reports whether the session is idle, unreferenced, and past ttl.
// Terminating sessions are always reported so failed teardowns get retried.
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminating {
		return true
	}
	return s.status == StatusIdle && s.refs == 0 && now.Sub(s.lastUsed) > ttl
}
