// ABOUTME: In-memory fan-out broadcaster for archived conversation events
// ABOUTME: Publishes events to all live subscribers of a workspace/conversation key

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber. A slow
// consumer drops rather than stalls; the replay path backfills drops from
// the archive.
const subscriberBufferSize = 64

// EventBroadcaster provides in-memory pub/sub for archived events.
// Subscribers register for a conversation key (workspace_id/conversation_id)
// and receive events as they are archived.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Event // conversationKey -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *store.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// conversationKey builds the broadcast key for a conversation.
func conversationKey(workspaceID, conversationID string) string {
	return workspaceID + "/" + conversationID
}

// Subscribe registers a subscriber for events on the given conversation key.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationKey string) (<-chan *store.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationKey]; !ok {
		b.subscribers[conversationKey] = make(map[string]chan *store.Event)
	}
	b.subscribers[conversationKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_key", conversationKey,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationKey, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given conversation key.
// Non-blocking: events are dropped for subscribers whose channels are full.
// The archive remains the source of truth, so a drop costs the subscriber a
// backfill read, never a lost event.
func (b *EventBroadcaster) Publish(conversationKey string, event *store.Event) {
	// Sends stay under the read lock: channels are only ever closed under
	// the write lock, so a send can never race a close. Sends are
	// non-blocking, so the lock is never held on a full channel.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[conversationKey] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_key", conversationKey,
				"seq", event.Seq)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationKey]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationKey)
	}

	b.logger.Debug("subscriber removed",
		"conversation_key", conversationKey,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convKey, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convKey)
	}

	b.logger.Debug("broadcaster closed")
}
