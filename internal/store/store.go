// ABOUTME: Store interface and data types for conversation and event persistence
// ABOUTME: Defines Conversation, Event structs and the Archive interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation id that
// already exists in its workspace.
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation lifecycle states. A conversation is created once, runs a turn
// at a time, and ends in Finished or Failed.
const (
	StateCreated       = "created"
	StateRunning       = "running"
	StateAwaitingInput = "awaiting_input"
	StateFinished      = "finished"
	StateFailed        = "failed"
)

// Event kinds archived per conversation.
const (
	EventKindUserMessage = "user_message"
	EventKindAgentAction = "agent_action"
	EventKindObservation = "observation"
	EventKindError       = "error"
	EventKindLifecycle   = "lifecycle"
)

// Conversation is one logical exchange between a caller and the agent,
// scoped to a single workspace for its lifetime.
type Conversation struct {
	ID          string
	WorkspaceID string
	State       string
	LastSeq     int64 // highest event sequence number emitted so far
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is a single archived entry in a conversation's timeline. Sequence
// numbers are assigned by the archive on append: gap-free, strictly
// increasing per conversation, starting at 1.
type Event struct {
	WorkspaceID    string
	ConversationID string
	Seq            int64
	Timestamp      time.Time
	Kind           string
	Payload        json.RawMessage
}

// Archive is the durable store for conversations and their event timelines.
type Archive interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, workspaceID, conversationID string) (*Conversation, error)
	// GetConversationByID resolves a conversation id to its owning workspace.
	GetConversationByID(ctx context.Context, conversationID string) (*Conversation, error)
	UpdateConversationState(ctx context.Context, workspaceID, conversationID, state string) error

	// Events. AppendEvent assigns event.Seq transactionally.
	AppendEvent(ctx context.Context, event *Event) error
	// ListEvents returns archived events with Seq >= fromSeq in sequence
	// order. limit <= 0 means no limit.
	ListEvents(ctx context.Context, workspaceID, conversationID string, fromSeq int64, limit int) ([]*Event, error)

	// Close releases any resources held by the archive.
	Close() error
}
