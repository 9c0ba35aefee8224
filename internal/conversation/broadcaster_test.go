// ABOUTME: Tests for EventBroadcaster topic fan-out
// ABOUTME: Covers multi-topic subscribers, dedup, slow-consumer eviction, cancellation and concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id, convID string) *Event {
	return &Event{
		ID:             id,
		Type:           EventConversationUpdated,
		ConversationID: convID,
		OccurredAt:     time.Now(),
	}
}

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), ConversationTopic("c1"))
	require.NoError(t, b.Publish(t.Context(), ConversationTopic("c1"), makeEvent("evt-1", "c1")))

	assert.Equal(t, "evt-1", receive(t, ch).ID)
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, QueueTopic)
	ch2, _ := b.Subscribe(ctx, QueueTopic)
	ch3, _ := b.Subscribe(ctx, QueueTopic)

	require.NoError(t, b.Publish(ctx, QueueTopic, makeEvent("evt-2", "c1")))

	for _, ch := range []<-chan *Event{ch1, ch2, ch3} {
		assert.Equal(t, "evt-2", receive(t, ch).ID)
	}
}

func TestBroadcaster_TopicsAreIsolated(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, AgentTopic("alice"))
	ch2, _ := b.Subscribe(ctx, AgentTopic("bob"))

	require.NoError(t, b.Publish(ctx, AgentTopic("alice"), makeEvent("evt-3", "c1")))

	assert.Equal(t, "evt-3", receive(t, ch1).ID)
	assertNothing(t, ch2)
}

func TestBroadcaster_SameEventOnTwoTopicsDeliveredOnce(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ctx := t.Context()
	ch, _ := b.Subscribe(ctx, ConversationTopic("c1"), AgentTopic("alice"))

	ev := makeEvent("evt-4", "c1")
	require.NoError(t, b.Publish(ctx, ConversationTopic("c1"), ev))
	require.NoError(t, b.Publish(ctx, AgentTopic("alice"), ev))
	require.NoError(t, b.Publish(ctx, AgentTopic("alice"), makeEvent("evt-5", "c1")))

	assert.Equal(t, "evt-4", receive(t, ch).ID)
	assert.Equal(t, "evt-5", receive(t, ch).ID)
	assertNothing(t, ch)
}

func TestBroadcaster_OrderAcrossTopics(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ctx := t.Context()
	ch, _ := b.Subscribe(ctx, QueueTopic, AgentTopic("alice"))

	for i, topic := range []string{QueueTopic, AgentTopic("alice"), QueueTopic, AgentTopic("alice")} {
		ev := makeEvent(string(rune('a'+i)), "c1")
		require.NoError(t, b.Publish(ctx, topic, ev))
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, receive(t, ch).ID)
	}
}

func TestBroadcaster_SlowConsumerIsEvicted(t *testing.T) {
	b := NewEventBroadcaster(2, nil)
	defer b.Close()

	ctx := t.Context()
	slow, _ := b.Subscribe(ctx, QueueTopic)
	fast, _ := b.Subscribe(ctx, QueueTopic)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 5 {
			_ = b.Publish(ctx, QueueTopic, makeEvent(string(rune('a'+i)), "c1"))
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}

	// The slow subscriber got what fit and then its channel was closed.
	var got []string
	for ev := range slow {
		got = append(got, ev.ID)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, QueueTopic)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancellation")
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), QueueTopic, AgentTopic("alice"))
	b.Unsubscribe(subID)
	b.Unsubscribe(subID)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
	require.NoError(t, b.Publish(t.Context(), QueueTopic, makeEvent("evt-6", "c1")))
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewEventBroadcaster(0, nil)

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, QueueTopic)
	ch2, _ := b.Subscribe(ctx, AgentTopic("bob"))

	b.Close()

	for _, ch := range []<-chan *Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok)
	}
	assert.ErrorIs(t, b.Publish(ctx, QueueTopic, makeEvent("evt-7", "c1")), ErrBroadcasterClosed)

	late, _ := b.Subscribe(ctx, QueueTopic)
	_, ok := <-late
	assert.False(t, ok, "subscribe after close returns a closed channel")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewEventBroadcaster(1024, nil)
	defer b.Close()

	ctx := t.Context()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch, _ := b.Subscribe(subCtx, QueueTopic)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
	}
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(ctx, QueueTopic, makeEvent(string(rune('A'+i)), "c1"))
		}()
	}
	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()

	seen := make(map[string]bool)
	for range 100 {
		_, id := b.Subscribe(t.Context(), QueueTopic)
		assert.False(t, seen[id], "duplicate subscription id %s", id)
		seen[id] = true
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewEventBroadcaster(0, nil)
	defer b.Close()
	assert.NoError(t, b.Publish(t.Context(), ConversationTopic("nobody"), makeEvent("evt-8", "nobody")))
}
