// ABOUTME: Ordered per-conversation event dispatch outside the conversation critical section
// ABOUTME: One drain goroutine per busy key; publish failures are retried with backoff

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultPublishTimeout  = 5 * time.Second
	defaultPublishAttempts = 4
	defaultPublishBackoff  = 50 * time.Millisecond
)

// dispatcher keeps one FIFO per conversation id. Enqueue never blocks, so it
// may be called while the conversation lock is held; that is what makes the
// queue order equal the commit order.
type dispatcher struct {
	pub      Publisher
	metrics  Metrics
	logger   *slog.Logger
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	sleep    func(time.Duration)

	mu     sync.Mutex
	queues map[string][]delivery
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(pub Publisher, metrics Metrics, timeout time.Duration, logger *slog.Logger) *dispatcher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &dispatcher{
		pub:      pub,
		metrics:  metrics,
		logger:   logger.With("component", "dispatcher"),
		timeout:  timeout,
		attempts: defaultPublishAttempts,
		backoff:  defaultPublishBackoff,
		sleep:    time.Sleep,
		queues:   make(map[string][]delivery),
	}
}

// accepting reports whether enqueue will take new work.
func (d *dispatcher) accepting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

// enqueue appends deliveries to key's queue, starting a worker if idle.
func (d *dispatcher) enqueue(key string, ds ...delivery) error {
	if len(ds) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrPublishUnavailable
	}

	q, busy := d.queues[key]
	d.queues[key] = append(q, ds...)
	if !busy {
		d.wg.Add(1)
		go d.drain(key)
	}
	return nil
}

func (d *dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		next := q[0]
		q[0] = delivery{}
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.publish(next)
	}
}

func (d *dispatcher) publish(del delivery) {
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err = d.pub.Publish(ctx, del.topic, del.event)
		cancel()
		if err == nil {
			d.metrics.RecordPublish(context.Background(), string(del.event.Type), true)
			return
		}
		if errors.Is(err, ErrBroadcasterClosed) {
			break
		}
		d.logger.Warn("publish failed, retrying",
			"topic", del.topic,
			"event_id", del.event.ID,
			"attempt", attempt,
			"error", err)
		if attempt < d.attempts {
			d.sleep(d.backoff << (attempt - 1))
		}
	}
	d.metrics.RecordPublish(context.Background(), string(del.event.Type), false)
	d.logger.Error("dropping event after publish failures",
		"topic", del.topic,
		"event_id", del.event.ID,
		"type", del.event.Type,
		"conversation_id", del.event.ConversationID,
		"error", err)
}

// idle reports whether every queue has drained.
func (d *dispatcher) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues) == 0
}

// flush waits until every queued delivery has been attempted.
func (d *dispatcher) flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for !d.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// close stops accepting work and waits for in-flight queues to drain.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
