// ABOUTME: REST and SSE surface for conversations, events, files, and the editor
// ABOUTME: Maps package sentinel errors to HTTP statuses through sendJSONError

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/conversation"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/files"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/session"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

// API serves the gateway's HTTP surface.
type API struct {
	service  *conversation.Service
	registry *session.Registry
	files    *files.Accessor
	idleTTL  time.Duration
	logger   *slog.Logger
}

// NewAPI creates the HTTP handler set. Pass nil logger for default.
func NewAPI(service *conversation.Service, registry *session.Registry, accessor *files.Accessor, idleTTL time.Duration, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		service:  service,
		registry: registry,
		files:    accessor,
		idleTTL:  idleTTL,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the router with all API endpoints registered.
func (a *API) Routes() *httprouter.Router {
	router := httprouter.New()
	router.POST("/conversation", a.handleConversation)
	router.GET("/workspace/:wid/conversations/:cid/events", a.handleEvents)
	router.GET("/workspace/:wid/conversations/:cid/state", a.handleState)
	router.GET("/workspace/:wid/project/file", a.handleProjectFile)
	router.GET("/workspace/:wid/vscode", a.handleVSCode)
	router.DELETE("/workspace/:wid/vscode", a.handleStopVSCode)
	return router
}

// conversationRequest is the JSON body for POST /conversation.
type conversationRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id"`
	WorkspaceID    string   `json:"workspace_id"`
	GitRepos       []string `json:"git_repos"`
	GitToken       string   `json:"git_token"`
}

// handleConversation creates or resumes a conversation and streams its turn
// as SSE. The response carries vscode-info and conversation-ready preamble
// events, then the turn's events until the agent yields.
func (a *API) handleConversation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	res, err := a.service.CreateOrResume(r.Context(), &conversation.StartRequest{
		WorkspaceID:    req.WorkspaceID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		GitRepos:       req.GitRepos,
		GitToken:       req.GitToken,
	})
	if err != nil {
		a.sendMappedError(w, err)
		return
	}
	conv := res.Conversation
	defer a.service.ReleaseSession(conv.WorkspaceID)

	// Subscribe before sending the message so no turn event is missed
	stream, err := a.service.Stream(r.Context(), conv.WorkspaceID, conv.ID, res.FromSeq)
	if err != nil {
		a.sendMappedError(w, err)
		return
	}

	hasMessage := req.Message != ""
	if hasMessage {
		if err := a.service.SendMessage(r.Context(), conv.WorkspaceID, conv.ID, req.Message); err != nil {
			a.sendMappedError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if info, err := a.vscodeInfo(r.Context(), conv.WorkspaceID); err == nil {
		a.writeSSEEvent(w, "vscode-info", info)
	} else {
		a.logger.Warn("vscode info unavailable",
			"workspace_id", conv.WorkspaceID, "error", err)
	}

	a.writeSSEEvent(w, "conversation-ready", map[string]any{
		"workspace_id":    conv.WorkspaceID,
		"conversation_id": conv.ID,
		"state":           conv.State,
		"created":         res.Created,
	})
	flusher.Flush()

	if !hasMessage {
		// Idempotent read: report the current snapshot and end the stream
		return
	}

	a.streamEvents(w, flusher, stream)
}

// streamEvents forwards archived events as SSE until the turn yields or the
// client goes away. A disconnect stops delivery only; the turn keeps running.
func (a *API) streamEvents(w http.ResponseWriter, flusher http.Flusher, stream <-chan *store.Event) {
	for ev := range stream {
		name, data := sseEvent(ev)
		a.writeSSEEvent(w, name, data)
		flusher.Flush()

		if name == "conversation-finished" || (name == "error" && terminalError(ev)) {
			return
		}
	}
}

// sseEvent maps an archived event to its SSE name and payload.
func sseEvent(ev *store.Event) (string, any) {
	body := map[string]any{
		"seq":       ev.Seq,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339),
	}
	if len(ev.Payload) > 0 {
		body["data"] = json.RawMessage(ev.Payload)
	}

	switch ev.Kind {
	case store.EventKindUserMessage:
		return "message-queued", body
	case store.EventKindError:
		return "error", body
	case store.EventKindLifecycle:
		if state := lifecycleState(ev); state == store.StateAwaitingInput ||
			state == store.StateFinished || state == store.StateFailed {
			body["state"] = state
			return "conversation-finished", body
		}
		body["kind"] = ev.Kind
		return "agent-event", body
	default:
		body["kind"] = ev.Kind
		return "agent-event", body
	}
}

// lifecycleState extracts the state from a lifecycle event payload.
func lifecycleState(ev *store.Event) string {
	var p struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ""
	}
	return p.State
}

// terminalError reports whether an archived error event ends the turn. Error
// events are always followed by a failed lifecycle event, but a client should
// not wait for it if the stream dies in between.
func terminalError(ev *store.Event) bool {
	return ev.Kind == store.EventKindError
}

// handleEvents serves the archived timeline without a live subscription.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fromSeq := int64(1)
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			a.sendJSONError(w, http.StatusBadRequest, "from_seq must be a positive integer")
			return
		}
		fromSeq = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := a.service.Events(r.Context(), ps.ByName("wid"), ps.ByName("cid"), fromSeq, limit)
	if err != nil {
		a.sendMappedError(w, err)
		return
	}

	type eventJSON struct {
		Seq       int64           `json:"seq"`
		Timestamp string          `json:"timestamp"`
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
	out := make([]eventJSON, len(events))
	for i, ev := range events {
		out[i] = eventJSON{
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
			Kind:      ev.Kind,
			Payload:   ev.Payload,
		}
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"events": out})
}

// handleState serves the conversation's persisted state snapshot.
func (a *API) handleState(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	conv, err := a.service.State(r.Context(), ps.ByName("wid"), ps.ByName("cid"))
	if err != nil {
		a.sendMappedError(w, err)
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]any{
		"workspace_id":    conv.WorkspaceID,
		"conversation_id": conv.ID,
		"state":           conv.State,
		"last_seq":        conv.LastSeq,
		"created_at":      conv.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":      conv.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// handleProjectFile streams one file from the workspace's project directory.
func (a *API) handleProjectFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	relPath := r.URL.Query().Get("file_path")
	if relPath == "" {
		a.sendJSONError(w, http.StatusBadRequest, "file_path query parameter is required")
		return
	}

	rc, err := a.files.Open(r.Context(), ps.ByName("wid"), relPath)
	if err != nil {
		a.sendMappedError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("file stream interrupted",
			"workspace_id", ps.ByName("wid"), "path", relPath, "error", err)
	}
}

// handleVSCode serves the embedded editor connection info for a workspace.
func (a *API) handleVSCode(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	info, err := a.vscodeInfo(r.Context(), ps.ByName("wid"))
	if err != nil {
		a.sendMappedError(w, err)
		return
	}
	a.sendJSON(w, http.StatusOK, info)
}

// handleStopVSCode force-evicts the workspace's sandbox, bypassing the idle
// TTL but not the reference count: a busy sandbox is a conflict.
func (a *API) handleStopVSCode(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	wid := ps.ByName("wid")
	if err := a.registry.Evict(r.Context(), wid); err != nil {
		a.sendMappedError(w, err)
		return
	}
	a.sendJSON(w, http.StatusOK, map[string]string{
		"workspace_id": wid,
		"status":       "stopped",
	})
}

// vscodeInfo builds the editor payload for a workspace's live session. The
// URL is fetched from the sandbox once and cached on the session.
func (a *API) vscodeInfo(ctx context.Context, workspaceID string) (map[string]any, error) {
	sess, err := a.registry.Checkout(workspaceID)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return nil, fmt.Errorf("workspace %s: %w", workspaceID, store.ErrNotFound)
		}
		return nil, err
	}
	defer a.registry.Release(workspaceID)

	source := "cache"
	cached := sess.VSCode()
	if cached == nil {
		url, err := sess.Client().VSCodeURL(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching editor url: %w", err)
		}
		cached = &session.VSCodeInfo{URL: url, FetchedAt: time.Now()}
		sess.SetVSCode(cached)
		source = "fetch"
	}

	lastActive := sess.LastUsed()
	expiresAt := lastActive.Add(a.idleTTL)
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		remaining = 0
	}

	return map[string]any{
		"workspace_id":      workspaceID,
		"url":               cached.URL,
		"ttl_seconds":       int64(a.idleTTL.Seconds()),
		"last_active":       lastActive.UTC().Format(time.RFC3339),
		"expires_at":        expiresAt.UTC().Format(time.RFC3339),
		"remaining_seconds": int64(remaining.Seconds()),
		"source":            source,
	}, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes a JSON response.
func (a *API) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendMappedError translates package sentinel errors to HTTP statuses.
func (a *API) sendMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrValidation),
		errors.Is(err, conversation.ErrWorkspaceMismatch),
		errors.Is(err, files.ErrPathEscapes):
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, files.ErrNotFound),
		errors.Is(err, session.ErrNoSession):
		a.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrStateConflict),
		errors.Is(err, session.ErrSessionBusy):
		a.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrSandboxStart):
		a.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("internal error", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
