// ABOUTME: In-memory topic broadcaster implementing Publisher for WebSocket subscribers
// ABOUTME: One channel per subscriber across all its topics so per-recipient order holds

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// defaultSubscriberBuffer is the channel buffer for each subscriber.
	defaultSubscriberBuffer = 64

	// recentWindow is how many event ids a subscriber remembers for
	// suppressing the same event arriving on two of its topics.
	recentWindow = 128
)

// ErrBroadcasterClosed is returned by Publish after Close.
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// EventBroadcaster provides in-memory pub/sub over named topics.
//
// A subscriber that falls behind by more than its buffer is evicted: its
// channel is closed so the client reconnects and resynchronizes instead of
// silently missing an event in the middle of a sequence.
type EventBroadcaster struct {
	mu          sync.RWMutex
	topics      map[string]map[string]*subscriber // topic -> subID -> sub
	subscribers map[string]*subscriber            // subID -> sub
	buffer      int
	closed      bool
	logger      *slog.Logger
}

type subscriber struct {
	id     string
	topics []string
	ch     chan *Event

	mu     sync.Mutex
	closed bool
	recent [recentWindow]string
	next   int
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default and
// buffer <= 0 for the default subscriber buffer.
func NewEventBroadcaster(buffer int, logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventBroadcaster{
		topics:      make(map[string]map[string]*subscriber),
		subscribers: make(map[string]*subscriber),
		buffer:      buffer,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers one subscriber for all of the given topics.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled. The channel is closed on unsubscribe, eviction or Close.
func (b *EventBroadcaster) Subscribe(ctx context.Context, topics ...string) (<-chan *Event, string) {
	sub := &subscriber{
		id:     uuid.New().String(),
		topics: topics,
		ch:     make(chan *Event, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, sub.id
	}
	b.subscribers[sub.id] = sub
	for _, topic := range topics {
		if _, ok := b.topics[topic]; !ok {
			b.topics[topic] = make(map[string]*subscriber)
		}
		b.topics[topic][sub.id] = sub
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.id, "topics", topics)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub.id)
	}()

	return sub.ch, sub.id
}

// Publish sends event to every subscriber of topic without blocking.
func (b *EventBroadcaster) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBroadcasterClosed
	}
	subs := b.topics[topic]
	// Copy targets under read lock to avoid holding it during sends
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var slow []string
	for _, sub := range targets {
		if !sub.offer(event) {
			slow = append(slow, sub.id)
		}
	}
	for _, id := range slow {
		b.logger.Warn("evicting slow subscriber", "sub_id", id, "topic", topic, "event_id", event.ID)
		b.Unsubscribe(id)
	}
	return nil
}

// offer delivers e unless already delivered. Returns false when the buffer
// is full.
func (s *subscriber) offer(e *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	for _, id := range s.recent {
		if id == e.ID {
			return true
		}
	}
	select {
	case s.ch <- e:
		s.recent[s.next] = e.ID
		s.next = (s.next + 1) % recentWindow
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, subID)
	for _, topic := range sub.topics {
		subs := b.topics[topic]
		delete(subs, subID)
		// Clean up empty topic entries
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	sub.close()
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.topics = make(map[string]map[string]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Debug("broadcaster closed")
}

var _ Publisher = (*EventBroadcaster)(nil)
