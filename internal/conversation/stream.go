// ABOUTME: Gap-free event streaming combining archive replay with live broadcast
// ABOUTME: Subscribes live first, replays the archive, then merges with seq dedup

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

// Stream returns the conversation's events from fromSeq onward: archived
// history first, then live events as they are archived. The returned channel
// delivers strictly increasing, gap-free sequence numbers.
//
// The live subscription is taken BEFORE the archive replay, so nothing
// published during the replay is missed; duplicates across the seam are
// dropped by sequence number, and any live event lost to a slow-consumer
// drop is backfilled from the archive when the gap is observed. The channel
// closes when ctx is cancelled or the broadcaster shuts down.
func (s *Service) Stream(ctx context.Context, workspaceID, conversationID string, fromSeq int64) (<-chan *store.Event, error) {
	if _, err := s.archive.GetConversation(ctx, workspaceID, conversationID); err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	key := conversationKey(workspaceID, conversationID)
	live, subID := s.broadcaster.Subscribe(ctx, key)

	out := make(chan *store.Event, subscriberBufferSize)
	go func() {
		defer close(out)
		defer s.broadcaster.Unsubscribe(key, subID)

		st := &streamState{
			service:        s,
			workspaceID:    workspaceID,
			conversationID: conversationID,
			next:           fromSeq,
			out:            out,
			logger:         s.logger,
		}

		// Replay everything already archived
		if !st.catchUp(ctx, 0) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq < st.next {
					continue // already delivered during replay
				}
				if ev.Seq > st.next {
					// A drop opened a gap; the archive has the missing events
					if !st.catchUp(ctx, ev.Seq-1) {
						return
					}
					// catchUp may have delivered ev itself
					if ev.Seq < st.next {
						continue
					}
				}
				if !st.deliver(ctx, ev) {
					return
				}
			}
		}
	}()

	return out, nil
}

// streamState tracks the next sequence number a stream owes its consumer.
type streamState struct {
	service        *Service
	workspaceID    string
	conversationID string
	next           int64
	out            chan<- *store.Event
	logger         *slog.Logger
}

// catchUp delivers archived events [next, upTo] in order. upTo <= 0 means
// everything currently archived. Returns false when the consumer is gone.
func (st *streamState) catchUp(ctx context.Context, upTo int64) bool {
	for {
		events, err := st.service.archive.ListEvents(ctx, st.workspaceID, st.conversationID, st.next, replayBatchSize)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				st.logger.Error("archive replay failed",
					"workspace_id", st.workspaceID,
					"conversation_id", st.conversationID,
					"error", err)
			}
			return false
		}
		if len(events) == 0 {
			return true
		}
		for _, ev := range events {
			if upTo > 0 && ev.Seq > upTo {
				return true
			}
			if !st.deliver(ctx, ev) {
				return false
			}
		}
		if upTo > 0 && st.next > upTo {
			return true
		}
		if len(events) < replayBatchSize {
			return true
		}
	}
}

// deliver sends one event downstream, maintaining the gap-free invariant.
func (st *streamState) deliver(ctx context.Context, ev *store.Event) bool {
	if ev.Seq != st.next {
		// Archive sequences are gap-free by construction; anything else is
		// a programming error worth surfacing loudly.
		st.logger.Error(fmt.Sprintf("sequence discontinuity: want %d got %d", st.next, ev.Seq),
			"conversation_id", st.conversationID)
	}
	select {
	case st.out <- ev:
		st.next = ev.Seq + 1
		return true
	case <-ctx.Done():
		return false
	}
}

// replayBatchSize bounds each archive read during catch-up.
const replayBatchSize = 256
