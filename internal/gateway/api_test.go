// ABOUTME: End-to-end HTTP tests over the API with a fake container runtime
// ABOUTME: Exercises the SSE conversation flow, reads, files, and editor endpoints

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/agentclient"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/conversation"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/files"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/runtime"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/session"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

// scriptedRunner makes every turn emit a fixed event script.
type scriptedRunner struct {
	mu     sync.Mutex
	events []*agentclient.TurnEvent
}

func (r *scriptedRunner) RunTurn(ctx context.Context, sess *session.Session, conversationID, message string) (<-chan *agentclient.TurnEvent, error) {
	r.mu.Lock()
	events := r.events
	r.mu.Unlock()

	ch := make(chan *agentclient.TurnEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (r *scriptedRunner) script(events ...*agentclient.TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = events
}

type noopCloner struct{}

func (noopCloner) CloneRepos(ctx context.Context, projectDir string, repos []string, token string) error {
	return nil
}

type apiHarness struct {
	server   *httptest.Server
	registry *session.Registry
	fake     *runtime.FakeRuntime
	runner   *scriptedRunner
	service  *conversation.Service
}

func newTestAPI(t *testing.T) *apiHarness {
	t.Helper()

	archive, err := store.NewSQLiteArchive(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	fake := runtime.NewFakeRuntime()
	registry := session.NewRegistry(session.Config{
		Image:         "sandbox:test",
		WorkspaceRoot: t.TempDir(),
		HealthWait: func(ctx context.Context, client *agentclient.Client) error {
			return nil
		},
	}, fake, nil)

	runner := &scriptedRunner{}
	runner.script(
		&agentclient.TurnEvent{Kind: agentclient.TurnAction, Payload: json.RawMessage(`{"tool":"bash"}`)},
		&agentclient.TurnEvent{Kind: agentclient.TurnFinished, Payload: json.RawMessage(`{}`)},
	)

	broadcaster := conversation.NewEventBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	service := conversation.New(archive, registry, noopCloner{}, runner, broadcaster, nil)
	api := NewAPI(service, registry, files.NewAccessor(registry, nil), 30*time.Minute, nil)

	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)

	return &apiHarness{server: server, registry: registry, fake: fake, runner: runner, service: service}
}

// sseMessage is one parsed SSE frame.
type sseMessage struct {
	Event string
	Data  map[string]any
}

func parseSSE(t *testing.T, body string) []sseMessage {
	t.Helper()
	var out []sseMessage
	for _, frame := range strings.Split(body, "\n\n") {
		var msg sseMessage
		for _, line := range strings.Split(frame, "\n") {
			if after, ok := strings.CutPrefix(line, "event: "); ok {
				msg.Event = after
			}
			if after, ok := strings.CutPrefix(line, "data: "); ok {
				require.NoError(t, json.Unmarshal([]byte(after), &msg.Data))
			}
		}
		if msg.Event != "" {
			out = append(out, msg)
		}
	}
	return out
}

func postConversation(t *testing.T, h *apiHarness, body map[string]any) (int, []sseMessage) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.server.URL+"/conversation", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		var msg sseMessage
		_ = json.Unmarshal(data, &msg.Data)
		return resp.StatusCode, []sseMessage{msg}
	}
	return resp.StatusCode, parseSSE(t, string(data))
}

// findEvent returns the first SSE message with the given event name.
func findEvent(t *testing.T, msgs []sseMessage, name string) sseMessage {
	t.Helper()
	for _, m := range msgs {
		if m.Event == name {
			return m
		}
	}
	t.Fatalf("no %q event in %d messages", name, len(msgs))
	return sseMessage{}
}

func TestConversation_FullFlowWithGeneratedIDs(t *testing.T) {
	h := newTestAPI(t)

	status, msgs := postConversation(t, h, map[string]any{"message": "create a file named tree.txt"})
	require.Equal(t, http.StatusOK, status)

	ready := findEvent(t, msgs, "conversation-ready")
	wid, _ := ready.Data["workspace_id"].(string)
	cid, _ := ready.Data["conversation_id"].(string)
	require.NotEmpty(t, wid)
	require.NotEmpty(t, cid)

	findEvent(t, msgs, "message-queued")
	findEvent(t, msgs, "agent-event")
	finished := findEvent(t, msgs, "conversation-finished")
	assert.Equal(t, store.StateFinished, finished.Data["state"])

	assert.Equal(t, int64(1), h.fake.StartCount())

	// Follow-up on the same conversation reuses the sandbox
	h.runner.script(&agentclient.TurnEvent{Kind: agentclient.TurnFinished, Payload: json.RawMessage(`{}`)})
	status, msgs = postConversation(t, h, map[string]any{
		"workspace_id":    wid,
		"conversation_id": cid,
		"message":         "now delete it",
	})
	// The first turn finished the conversation, so the follow-up conflicts
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, int64(1), h.fake.StartCount(), "follow-up must not start a new container")
	_ = msgs
}

func TestConversation_ResumeAwaitingInput(t *testing.T) {
	h := newTestAPI(t)
	h.runner.script(&agentclient.TurnEvent{Kind: agentclient.TurnAwaitingInput, Payload: json.RawMessage(`{}`)})

	status, msgs := postConversation(t, h, map[string]any{"message": "what should I name it?"})
	require.Equal(t, http.StatusOK, status)
	ready := findEvent(t, msgs, "conversation-ready")
	wid := ready.Data["workspace_id"].(string)
	cid := ready.Data["conversation_id"].(string)
	finished := findEvent(t, msgs, "conversation-finished")
	assert.Equal(t, store.StateAwaitingInput, finished.Data["state"])

	h.runner.script(&agentclient.TurnEvent{Kind: agentclient.TurnFinished, Payload: json.RawMessage(`{}`)})
	status, msgs = postConversation(t, h, map[string]any{
		"workspace_id":    wid,
		"conversation_id": cid,
		"message":         "tree.txt",
	})
	require.Equal(t, http.StatusOK, status)
	finished = findEvent(t, msgs, "conversation-finished")
	assert.Equal(t, store.StateFinished, finished.Data["state"])
	assert.Equal(t, int64(1), h.fake.StartCount())
}

func TestConversation_ResumeWithoutMessageIsIdempotentRead(t *testing.T) {
	h := newTestAPI(t)

	status, msgs := postConversation(t, h, map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, status)
	cid := findEvent(t, msgs, "conversation-ready").Data["conversation_id"].(string)

	for i := 0; i < 2; i++ {
		status, msgs = postConversation(t, h, map[string]any{"conversation_id": cid})
		require.Equal(t, http.StatusOK, status)
		ready := findEvent(t, msgs, "conversation-ready")
		assert.Equal(t, store.StateFinished, ready.Data["state"])
	}
}

func TestConversation_BadRequests(t *testing.T) {
	h := newTestAPI(t)

	resp, err := http.Post(h.server.URL+"/conversation", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, _ := postConversation(t, h, map[string]any{"workspace_id": "../escape", "message": "hi"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = postConversation(t, h, map[string]any{"conversation_id": "never-created", "message": "hi"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConversation_WorkspaceMismatch(t *testing.T) {
	h := newTestAPI(t)

	_, msgs := postConversation(t, h, map[string]any{"workspace_id": "ws_a", "message": "hi"})
	cid := findEvent(t, msgs, "conversation-ready").Data["conversation_id"].(string)

	status, _ := postConversation(t, h, map[string]any{
		"workspace_id":    "ws_b",
		"conversation_id": cid,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConversation_ConcurrentCreatesStartOneSandbox(t *testing.T) {
	h := newTestAPI(t)

	var wg sync.WaitGroup
	statuses := make([]int, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i], _ = postConversation(t, h, map[string]any{
				"workspace_id": "ws_shared",
				"message":      fmt.Sprintf("request %d", i),
			})
		}()
	}
	wg.Wait()

	for i, status := range statuses {
		assert.Equal(t, http.StatusOK, status, "request %d", i)
	}
	assert.Equal(t, int64(1), h.fake.StartCount(), "same workspace must share one sandbox")
}

func TestStateEndpoint(t *testing.T) {
	h := newTestAPI(t)

	_, msgs := postConversation(t, h, map[string]any{"message": "hi"})
	ready := findEvent(t, msgs, "conversation-ready")
	wid := ready.Data["workspace_id"].(string)
	cid := ready.Data["conversation_id"].(string)

	resp, err := http.Get(fmt.Sprintf("%s/workspace/%s/conversations/%s/state", h.server.URL, wid, cid))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, store.StateFinished, body["state"])
	assert.Equal(t, cid, body["conversation_id"])

	resp, err = http.Get(fmt.Sprintf("%s/workspace/%s/conversations/unknown/state", h.server.URL, wid))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	h := newTestAPI(t)

	_, msgs := postConversation(t, h, map[string]any{"message": "hi"})
	ready := findEvent(t, msgs, "conversation-ready")
	wid := ready.Data["workspace_id"].(string)
	cid := ready.Data["conversation_id"].(string)

	resp, err := http.Get(fmt.Sprintf("%s/workspace/%s/conversations/%s/events", h.server.URL, wid, cid))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events []struct {
			Seq  int64  `json:"seq"`
			Kind string `json:"kind"`
		} `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Events)
	for i, ev := range body.Events {
		assert.Equal(t, int64(i+1), ev.Seq, "archive must be gap-free from 1")
	}
	assert.Equal(t, store.EventKindUserMessage, body.Events[0].Kind)

	// Offset read
	resp, err = http.Get(fmt.Sprintf("%s/workspace/%s/conversations/%s/events?from_seq=2", h.server.URL, wid, cid))
	require.NoError(t, err)
	defer resp.Body.Close()
	var tail struct {
		Events []struct {
			Seq int64 `json:"seq"`
		} `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tail))
	require.NotEmpty(t, tail.Events)
	assert.Equal(t, int64(2), tail.Events[0].Seq)
}

func TestProjectFileEndpoint(t *testing.T) {
	h := newTestAPI(t)

	_, msgs := postConversation(t, h, map[string]any{"message": "hi"})
	wid := findEvent(t, msgs, "conversation-ready").Data["workspace_id"].(string)

	// Drop a file into the live session's project dir
	sess, err := h.registry.Checkout(wid)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sess.ProjectDir, "tree.txt"), []byte("oak\n"), 0644))
	h.registry.Release(wid)

	resp, err := http.Get(fmt.Sprintf("%s/workspace/%s/project/file?file_path=tree.txt", h.server.URL, wid))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "oak\n", string(content))

	// Traversal is rejected before touching the filesystem
	resp, err = http.Get(fmt.Sprintf("%s/workspace/%s/project/file?file_path=..%%2Fsecrets", h.server.URL, wid))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing file and missing param
	resp, err = http.Get(fmt.Sprintf("%s/workspace/%s/project/file?file_path=nope.txt", h.server.URL, wid))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/workspace/%s/project/file", h.server.URL, wid))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVSCodeEndpoints(t *testing.T) {
	h := newTestAPI(t)

	_, msgs := postConversation(t, h, map[string]any{"message": "hi"})
	wid := findEvent(t, msgs, "conversation-ready").Data["workspace_id"].(string)
	h.service.Wait() // let the detached turn release its session reference

	// Seed the cached editor URL; the fake runtime has no agent server to ask
	sess, err := h.registry.Checkout(wid)
	require.NoError(t, err)
	sess.SetVSCode(&session.VSCodeInfo{URL: "http://127.0.0.1:39999/?folder=/workspace", FetchedAt: time.Now()})
	h.registry.Release(wid)

	resp, err := http.Get(fmt.Sprintf("%s/workspace/%s/vscode", h.server.URL, wid))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "http://127.0.0.1:39999/?folder=/workspace", body["url"])
	assert.Equal(t, "cache", body["source"])
	assert.Equal(t, float64(1800), body["ttl_seconds"])
	assert.NotEmpty(t, body["expires_at"])

	// Stop tears the sandbox down
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/workspace/%s/vscode", h.server.URL, wid), nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var stopped map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stopped))
	assert.Equal(t, "stopped", stopped["status"])
	assert.Equal(t, wid, stopped["workspace_id"])
	assert.Equal(t, 0, h.registry.Len())

	// Stopping again is a 404
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestVSCodeDelete_BusySessionConflicts(t *testing.T) {
	h := newTestAPI(t)

	_, msgs := postConversation(t, h, map[string]any{"message": "hi"})
	wid := findEvent(t, msgs, "conversation-ready").Data["workspace_id"].(string)

	// Hold a reference to simulate in-flight work
	_, err := h.registry.Checkout(wid)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/workspace/%s/vscode", h.server.URL, wid), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	h.registry.Release(wid)
}

func TestVSCodeEndpoint_NoSession(t *testing.T) {
	h := newTestAPI(t)

	resp, err := http.Get(h.server.URL + "/workspace/ws_none/vscode")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
