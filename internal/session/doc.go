// Package session manages sandbox container sessions per workspace.
//
// # Overview
//
// A session binds one workspace id to one running sandbox container, its
// host-mounted workspace directory, and an HTTP client for the agent server
// inside the container. The Registry is the single arbiter of session
// lifecycle: all create, reuse, and teardown decisions go through it.
//
// # Lifecycle
//
// Sessions move through five states:
//
//	starting -> active <-> idle -> terminating -> terminated
//
// Active means at least one in-flight request holds a reference. Releasing
// the last reference flips the session to idle and starts the idle TTL
// window. Terminating is entered only with zero references; a failed
// container stop leaves the session terminating and discoverable so the
// teardown can be retried.
//
// # Create vs Reuse
//
// Registry.Acquire holds a per-workspace mutex across the whole
// check-then-create sequence. Concurrent callers for the same workspace id
// serialize on that mutex, so exactly one container is started and everyone
// else reuses it:
//
//	sess, created, err := registry.Acquire(ctx, workspaceID)
//	defer registry.Release(workspaceID)
//
// Registry.Checkout returns an existing session or ErrNoSession, never
// starting a container. Read-only surfaces (file access, editor info) use
// it so lookups cannot create workspaces as a side effect.
//
// # Idle Reclamation
//
// The Reaper sweeps on a fixed interval and evicts sessions that have been
// idle past the TTL with no references. Every archived agent event and
// every file read re-arms the window via Session.Touch. Eviction of a
// referenced session is refused with ErrSessionBusy.
//
// # Repository Cloning
//
// Cloner shallow-clones git repositories into a fresh workspace's project
// directory before the first turn runs. Access tokens are spliced into
// clone URLs and redacted from any error output.
package session
