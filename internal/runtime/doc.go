// Package runtime abstracts the container engine behind ContainerRuntime.
//
// CLIRuntime shells out to docker or podman, whichever is on PATH, to
// start, exec into, read from, and stop sandbox containers. FakeRuntime is
// an in-memory implementation for tests: it counts starts and stops,
// supports injected failures, and can hold Start open to widen race
// windows.
package runtime
