// ABOUTME: In-memory fake ContainerRuntime for tests
// ABOUTME: Counts starts, tracks live containers, supports injected failures

package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// FakeRuntime is an in-memory ContainerRuntime for tests. It records every
// start and keeps a set of live container ids so tests can assert lifecycle
// behavior without a container engine.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]StartSpec
	files      map[string]string // "containerID\x00path" -> content
	nextID     atomic.Int64

	startCount atomic.Int64
	stopCount  atomic.Int64

	// StartErr, when set, is returned by Start instead of launching.
	StartErr error
	// StopErr, when set, is returned by Stop (the container stays registered).
	StopErr error
	// StartDelay, when non-nil, is closed by the test to let Start proceed.
	StartDelay chan struct{}
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]StartSpec),
		files:      make(map[string]string),
	}
}

func (f *FakeRuntime) Start(ctx context.Context, spec StartSpec) (*Container, error) {
	if f.StartDelay != nil {
		select {
		case <-f.StartDelay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.StartErr != nil {
		return nil, f.StartErr
	}

	f.startCount.Add(1)
	id := fmt.Sprintf("fake-%d", f.nextID.Add(1))

	f.mu.Lock()
	f.containers[id] = spec
	f.mu.Unlock()

	return &Container{ID: id, Name: spec.Name}, nil
}

func (f *FakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	f.mu.Lock()
	_, ok := f.containers[containerID]
	f.mu.Unlock()
	if !ok {
		return nil, ErrContainerNotFound
	}
	return &ExecResult{Stdout: strings.Join(cmd, " ")}, nil
}

func (f *FakeRuntime) ReadFile(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return nil, ErrContainerNotFound
	}
	content, ok := f.files[containerID+"\x00"+path]
	if !ok {
		return nil, fmt.Errorf("reading %s: no such file", path)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (f *FakeRuntime) Stop(ctx context.Context, containerID string) error {
	if f.StopErr != nil {
		return f.StopErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return ErrContainerNotFound
	}
	delete(f.containers, containerID)
	f.stopCount.Add(1)
	return nil
}

// PutFile seeds a file inside a fake container for ReadFile to serve.
func (f *FakeRuntime) PutFile(containerID, path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[containerID+"\x00"+path] = content
}

// Forget drops a container without counting a stop, simulating a sandbox
// that died outside the registry's control.
func (f *FakeRuntime) Forget(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}

// StartCount reports how many containers were started.
func (f *FakeRuntime) StartCount() int64 { return f.startCount.Load() }

// StopCount reports how many containers were stopped.
func (f *FakeRuntime) StopCount() int64 { return f.stopCount.Load() }

// Running reports whether the container is still registered.
func (f *FakeRuntime) Running(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok
}
