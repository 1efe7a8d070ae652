// Package files serves read-only access to workspace project files.
//
// Accessor.Open resolves a caller-supplied relative path against the
// workspace's project directory, rejecting absolute paths and any path
// that escapes the root after cleaning. Reads only see live sessions:
// a workspace without a running sandbox is simply not found, so file
// lookups can never start containers. The returned reader holds a session
// reference until Close, keeping the sandbox pinned for the duration of
// the read.
package files
