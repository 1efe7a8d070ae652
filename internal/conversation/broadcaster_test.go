// ABOUTME: Tests for EventBroadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denghuinow/agent-sdk-gitlab-sandboxed-server/internal/store"
)

func makeEvent(seq int64, key string) *store.Event {
	return &store.Event{
		WorkspaceID:    "ws",
		ConversationID: key,
		Seq:            seq,
		Timestamp:      time.Now(),
		Kind:           store.EventKindAgentAction,
		Payload:        json.RawMessage(`{"tool":"bash"}`),
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(testContext(t), "ws/conv-1")
	b.Publish("ws/conv-1", makeEvent(1, "conv-1"))

	select {
	case received := <-ch:
		assert.Equal(t, int64(1), received.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := testContext(t)
	ch1, _ := b.Subscribe(ctx, "ws/conv-1")
	ch2, _ := b.Subscribe(ctx, "ws/conv-1")
	ch3, _ := b.Subscribe(ctx, "ws/conv-1")

	b.Publish("ws/conv-1", makeEvent(7, "conv-1"))

	for i, ch := range []<-chan *store.Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, int64(7), received.Seq, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_DifferentConversationKeysAreIsolated(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := testContext(t)
	ch1, _ := b.Subscribe(ctx, "ws/conv-1")
	ch2, _ := b.Subscribe(ctx, "ws/conv-2")

	b.Publish("ws/conv-1", makeEvent(1, "conv-1"))

	select {
	case received := <-ch1:
		assert.Equal(t, int64(1), received.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber for conv-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for conv-2 should not receive conv-1 events")
	case <-time.After(100 * time.Millisecond):
		// Expected: no event
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := testContext(t)

	// Subscribe but never read (slow consumer)
	_, _ = b.Subscribe(ctx, "ws/conv-1")
	ch2, _ := b.Subscribe(ctx, "ws/conv-1")

	// Publish past the buffer size to overflow the unread channel
	for i := 0; i < 100; i++ {
		b.Publish("ws/conv-1", makeEvent(int64(i+1), "conv-1"))
	}

	receivedCount := 0
	for {
		select {
		case <-ch2:
			receivedCount++
		case <-time.After(200 * time.Millisecond):
			goto done
		}
	}
done:
	assert.Greater(t, receivedCount, 0, "fast consumer should receive at least some events")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "ws/conv-1")

	b.mu.RLock()
	_, exists := b.subscribers["ws/conv-1"][subID]
	b.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	cancel()
	time.Sleep(50 * time.Millisecond)

	b.mu.RLock()
	subs, convExists := b.subscribers["ws/conv-1"]
	if convExists {
		_, subExists := subs[subID]
		assert.False(t, subExists, "subscription should be removed after context cancel")
	}
	b.mu.RUnlock()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(testContext(t), "ws/conv-1")
	b.Unsubscribe("ws/conv-1", subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	b.Publish("ws/conv-1", makeEvent(1, "conv-1"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewEventBroadcaster(nil)

	ch1, _ := b.Subscribe(testContext(t), "ws/conv-1")
	ch2, _ := b.Subscribe(testContext(t), "ws/conv-2")

	b.Close()

	for i, ch := range []<-chan *store.Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := testContext(t)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, _ := b.Subscribe(ctx, "ws/conv-hot")
			for i := 0; i < 5; i++ {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				b.Publish("ws/conv-hot", makeEvent(int64(i+1), "conv-hot"))
			}
		}()
	}

	wg.Wait()
	// If we get here without deadlock or panic, the test passes
}

func TestBroadcaster_PublishRacingUnsubscribeNeverPanics(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	// Hammer the disconnect window: subscribers come and go while a
	// publisher delivers. A send overlapping a close would panic here.
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
				b.Publish("ws/conv-churn", makeEvent(i, "conv-churn"))
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, subID := b.Subscribe(context.Background(), "ws/conv-churn")
				b.Unsubscribe("ws/conv-churn", subID)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish/unsubscribe churn deadlocked")
	}
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := testContext(t)
	_, id1 := b.Subscribe(ctx, "ws/conv-1")
	_, id2 := b.Subscribe(ctx, "ws/conv-1")
	_, id3 := b.Subscribe(ctx, "ws/conv-2")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}

func TestBroadcaster_PublishWithNoSubscribers(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	// Should not panic
	b.Publish("ws/nobody-listening", makeEvent(1, "nobody-listening"))
}
