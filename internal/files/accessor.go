// ABOUTME: Read-only access to files inside a workspace's mounted project directory
// ABOUTME: Containment check rejects any path escaping the project root

package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/session"
)

// ErrPathEscapes indicates a requested path resolves outside the workspace's
// project directory.
var ErrPathEscapes = errors.New("path escapes project directory")

// ErrNotFound indicates the workspace has no active session or the file does
// not exist. Both cases look identical to the caller: nothing readable there.
var ErrNotFound = errors.New("file not found")

// Accessor serves file reads from workspace project directories. Files are
// read from the host side of the sandbox mount, so no container round-trip
// is needed. Reads require an active session and refresh its idle TTL.
type Accessor struct {
	registry *session.Registry
	logger   *slog.Logger
}

// NewAccessor creates a file accessor over the registry. Pass nil logger for
// default.
func NewAccessor(registry *session.Registry, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accessor{
		registry: registry,
		logger:   logger.With("component", "files"),
	}
}

// Open returns a reader over one file in the workspace's project directory.
// The session reference is held until the returned reader is closed, so the
// sandbox cannot be evicted mid-read. Never creates a session.
func (a *Accessor) Open(ctx context.Context, workspaceID, relPath string) (io.ReadCloser, error) {
	full, err := resolve(relPath)
	if err != nil {
		return nil, err
	}

	sess, err := a.registry.Checkout(workspaceID)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
		}
		return nil, err
	}
	sess.Touch()

	f, err := os.Open(filepath.Join(sess.ProjectDir, full))
	if err != nil {
		a.registry.Release(workspaceID)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", relPath, ErrNotFound)
		}
		return nil, fmt.Errorf("opening %s: %w", relPath, err)
	}

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		a.registry.Release(workspaceID)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", relPath, err)
		}
		return nil, fmt.Errorf("%s is a directory: %w", relPath, ErrNotFound)
	}

	a.logger.Debug("serving project file",
		"workspace_id", workspaceID, "path", full, "size", info.Size())

	return &sessionFile{
		File:    f,
		release: func() { a.registry.Release(workspaceID) },
	}, nil
}

// resolve validates a caller-supplied relative path and returns its cleaned
// form. Absolute paths and anything that climbs out of the root are rejected.
func resolve(relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapes)
	}
	if strings.ContainsRune(relPath, '\x00') {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, relPath)
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, relPath)
	}

	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, relPath)
	}
	return clean, nil
}

// sessionFile holds the session reference for the lifetime of a read.
type sessionFile struct {
	*os.File
	release func()
}

func (s *sessionFile) Close() error {
	err := s.File.Close()
	s.release()
	return err
}
