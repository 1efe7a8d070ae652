// ABOUTME: ConversationService drives the conversation state machine
// ABOUTME: Archive first, then broadcast - the event timeline is the source of truth

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/agentclient"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/session"
	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

// ErrValidation indicates a malformed request field. Rejected before any
// session lookup, so it never has side effects.
var ErrValidation = errors.New("invalid request")

// ErrStateConflict indicates a message was sent to a Finished or Failed
// conversation. The conversation state is unchanged.
var ErrStateConflict = errors.New("conversation is closed")

// ErrWorkspaceMismatch indicates an explicit workspace id that disagrees
// with the conversation's recorded workspace binding. The recorded binding
// wins; the request is rejected.
var ErrWorkspaceMismatch = errors.New("conversation belongs to a different workspace")

var (
	workspaceIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// RepoCloner defines what the service needs from the workspace clone step.
type RepoCloner interface {
	CloneRepos(ctx context.Context, projectDir string, repos []string, token string) error
}

// TurnRunner executes one conversation turn against a session's sandbox.
type TurnRunner interface {
	RunTurn(ctx context.Context, sess *session.Session, conversationID, message string) (<-chan *agentclient.TurnEvent, error)
}

// SandboxRunner is the production TurnRunner: it posts the message to the
// agent server inside the session's container and streams the SSE reply.
type SandboxRunner struct{}

func (SandboxRunner) RunTurn(ctx context.Context, sess *session.Session, conversationID, message string) (<-chan *agentclient.TurnEvent, error) {
	return sess.Client().RunTurn(ctx, conversationID, message)
}

// Service orchestrates create-or-resume of conversations inside workspace
// sandboxes. Every event a turn produces is appended to the archive (which
// assigns its sequence number) before it is broadcast to live subscribers.
type Service struct {
	archive     store.Archive
	registry    *session.Registry
	cloner      RepoCloner
	runner      TurnRunner
	broadcaster *EventBroadcaster
	logger      *slog.Logger

	turns sync.WaitGroup // in-flight detached turns
}

// New creates a conversation service. Pass nil runner for the sandbox-backed
// default and nil logger for the default logger.
func New(archive store.Archive, registry *session.Registry, cloner RepoCloner, runner TurnRunner, broadcaster *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = SandboxRunner{}
	}
	return &Service{
		archive:     archive,
		registry:    registry,
		cloner:      cloner,
		runner:      runner,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// StartRequest carries everything needed to create or resume a conversation.
type StartRequest struct {
	WorkspaceID    string
	ConversationID string
	Message        string
	GitRepos       []string
	GitToken       string
}

// StartResult reports the resolved conversation and where its live event
// stream begins for this request.
type StartResult struct {
	Conversation   *store.Conversation
	Created        bool // conversation newly created (vs resumed)
	SandboxStarted bool // a fresh container was started for the workspace
	FromSeq        int64
}

// CreateOrResume resolves ids, ensures a sandbox session for the workspace,
// and records the conversation. A supplied conversation id must already
// exist; its recorded workspace binding wins over any explicit workspace id.
// Repos are cloned only when the conversation is newly created.
//
// On success one session reference is held on the caller's behalf; the
// caller must ReleaseSession when it is done streaming.
func (s *Service) CreateOrResume(ctx context.Context, req *StartRequest) (*StartResult, error) {
	if req.WorkspaceID != "" && !workspaceIDPattern.MatchString(req.WorkspaceID) {
		return nil, fmt.Errorf("%w: workspace_id must match [A-Za-z0-9_]", ErrValidation)
	}
	if req.ConversationID != "" && !conversationIDPattern.MatchString(req.ConversationID) {
		return nil, fmt.Errorf("%w: conversation_id must match [A-Za-z0-9_-]", ErrValidation)
	}

	conv, created, err := s.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	sess, sandboxStarted, err := s.registry.Acquire(ctx, conv.WorkspaceID)
	if err != nil {
		return nil, err
	}

	if created && len(req.GitRepos) > 0 {
		if err := s.cloner.CloneRepos(ctx, sess.ProjectDir, req.GitRepos, req.GitToken); err != nil {
			s.registry.Release(conv.WorkspaceID)
			return nil, fmt.Errorf("preparing workspace: %w", err)
		}
	}

	s.logger.Info("conversation ready",
		"workspace_id", conv.WorkspaceID,
		"conversation_id", conv.ID,
		"state", conv.State,
		"created", created,
		"sandbox_started", sandboxStarted)

	return &StartResult{
		Conversation:   conv,
		Created:        created,
		SandboxStarted: sandboxStarted,
		FromSeq:        conv.LastSeq + 1,
	}, nil
}

// ReleaseSession drops the session reference CreateOrResume took for the
// caller. Detached turns hold their own reference, so releasing here never
// pulls a sandbox out from under a running turn.
func (s *Service) ReleaseSession(workspaceID string) {
	s.registry.Release(workspaceID)
}

// resolveConversation looks up a supplied conversation id or creates a new
// record, generating ids as needed.
func (s *Service) resolveConversation(ctx context.Context, req *StartRequest) (*store.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := s.archive.GetConversationByID(ctx, req.ConversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, fmt.Errorf("conversation %s: %w", req.ConversationID, store.ErrNotFound)
			}
			return nil, false, err
		}
		if req.WorkspaceID != "" && req.WorkspaceID != conv.WorkspaceID {
			return nil, false, fmt.Errorf("%w: conversation %s is bound to workspace %s",
				ErrWorkspaceMismatch, conv.ID, conv.WorkspaceID)
		}
		return conv, false, nil
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = newWorkspaceID()
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		State:       store.StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.archive.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("recording conversation: %w", err)
	}
	s.logger.Debug("conversation created",
		"workspace_id", workspaceID, "conversation_id", conv.ID)
	return conv, true, nil
}

// SendMessage records the user's message and starts a detached turn against
// the workspace's sandbox. Returns once the message is archived; the turn
// streams its events through the archive and broadcaster until it yields.
//
// Record first, then act: the message is durable before the sandbox sees it.
func (s *Service) SendMessage(ctx context.Context, workspaceID, conversationID, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}

	conv, err := s.archive.GetConversation(ctx, workspaceID, conversationID)
	if err != nil {
		return err
	}
	if conv.State == store.StateFinished || conv.State == store.StateFailed {
		return fmt.Errorf("%w: state is %s", ErrStateConflict, conv.State)
	}

	// The turn holds its own session reference: the requesting client may
	// disconnect (and release) long before the turn yields. Claimed before
	// any state change so a missing session leaves the conversation as it
	// was, never Running with no turn in flight.
	sess, err := s.registry.Checkout(workspaceID)
	if err != nil {
		return fmt.Errorf("claiming session for turn: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"message": message})
	if err := s.appendAndPublish(ctx, &store.Event{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Kind:           store.EventKindUserMessage,
		Payload:        payload,
	}); err != nil {
		s.registry.Release(workspaceID)
		return fmt.Errorf("recording message: %w", err)
	}

	if conv.State != store.StateRunning {
		s.setState(ctx, workspaceID, conversationID, store.StateRunning)
	}

	s.turns.Add(1)
	go s.executeTurn(sess, workspaceID, conversationID, message)
	return nil
}

// executeTurn runs one turn detached from any request context. Client
// disconnects stop delivery only; the turn keeps running and archiving.
func (s *Service) executeTurn(sess *session.Session, workspaceID, conversationID, message string) {
	defer s.turns.Done()
	defer s.registry.Release(workspaceID)

	ctx := context.Background()

	events, err := s.runner.RunTurn(ctx, sess, conversationID, message)
	if err != nil {
		s.recordTurnError(ctx, workspaceID, conversationID, err)
		return
	}

	for ev := range events {
		sess.Touch()

		switch ev.Kind {
		case agentclient.TurnAction:
			s.appendTurnEvent(ctx, workspaceID, conversationID, store.EventKindAgentAction, ev.Payload)
		case agentclient.TurnObservation:
			s.appendTurnEvent(ctx, workspaceID, conversationID, store.EventKindObservation, ev.Payload)
		case agentclient.TurnAwaitingInput:
			s.setState(ctx, workspaceID, conversationID, store.StateAwaitingInput)
		case agentclient.TurnFinished:
			s.setState(ctx, workspaceID, conversationID, store.StateFinished)
		case agentclient.TurnError:
			s.appendTurnEvent(ctx, workspaceID, conversationID, store.EventKindError, ev.Payload)
			s.setState(ctx, workspaceID, conversationID, store.StateFailed)
		default:
			s.logger.Warn("unknown turn event kind",
				"conversation_id", conversationID, "kind", ev.Kind)
		}
	}
}

// recordTurnError archives a turn startup failure and fails the conversation.
func (s *Service) recordTurnError(ctx context.Context, workspaceID, conversationID string, err error) {
	s.logger.Error("turn execution failed",
		"workspace_id", workspaceID,
		"conversation_id", conversationID,
		"error", err)
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	s.appendTurnEvent(ctx, workspaceID, conversationID, store.EventKindError, payload)
	s.setState(ctx, workspaceID, conversationID, store.StateFailed)
}

// appendTurnEvent archives and broadcasts one agent-produced event.
func (s *Service) appendTurnEvent(ctx context.Context, workspaceID, conversationID, kind string, payload json.RawMessage) {
	err := s.appendAndPublish(ctx, &store.Event{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Kind:           kind,
		Payload:        payload,
	})
	if err != nil {
		s.logger.Error("failed to archive event",
			"workspace_id", workspaceID,
			"conversation_id", conversationID,
			"kind", kind,
			"error", err)
	}
}

// appendAndPublish durably appends an event, then broadcasts it. The archive
// assigns the sequence number; an event that fails to archive is never
// broadcast, keeping live streams a strict suffix of the archive.
func (s *Service) appendAndPublish(ctx context.Context, event *store.Event) error {
	if err := s.archive.AppendEvent(ctx, event); err != nil {
		return err
	}
	s.broadcaster.Publish(conversationKey(event.WorkspaceID, event.ConversationID), event)
	return nil
}

// setState transitions the persisted conversation state and archives a
// lifecycle event marking the transition.
func (s *Service) setState(ctx context.Context, workspaceID, conversationID, state string) {
	if err := s.archive.UpdateConversationState(ctx, workspaceID, conversationID, state); err != nil {
		s.logger.Error("failed to update conversation state",
			"workspace_id", workspaceID,
			"conversation_id", conversationID,
			"state", state,
			"error", err)
		return
	}
	payload, _ := json.Marshal(map[string]string{"state": state})
	if err := s.appendAndPublish(ctx, &store.Event{
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Kind:           store.EventKindLifecycle,
		Payload:        payload,
	}); err != nil {
		s.logger.Error("failed to archive lifecycle event",
			"conversation_id", conversationID, "state", state, "error", err)
	}
}

// State returns the conversation's persisted state snapshot.
func (s *Service) State(ctx context.Context, workspaceID, conversationID string) (*store.Conversation, error) {
	return s.archive.GetConversation(ctx, workspaceID, conversationID)
}

// Events returns the archived timeline from fromSeq, without subscribing to
// live events.
func (s *Service) Events(ctx context.Context, workspaceID, conversationID string, fromSeq int64, limit int) ([]*store.Event, error) {
	if _, err := s.archive.GetConversation(ctx, workspaceID, conversationID); err != nil {
		return nil, err
	}
	return s.archive.ListEvents(ctx, workspaceID, conversationID, fromSeq, limit)
}

// Wait blocks until all in-flight detached turns have finished.
func (s *Service) Wait() {
	s.turns.Wait()
}

// newWorkspaceID generates a workspace id matching the [A-Za-z0-9_] grammar.
func newWorkspaceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
