// ABOUTME: Service is the queue state machine: assume, return, to-bot, close, reopen and direct transfer
// ABOUTME: Each transition runs under a per-conversation lock and commits with a version compare-and-swap

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/clinic-gateway/internal/clock"
	"github.com/2389/clinic-gateway/internal/store"
)

const (
	// TransferTimeout is how long a transfer request waits for the target agent.
	TransferTimeout = 30 * time.Second

	// SessionDuration is the fixed session window from the first patient message.
	SessionDuration = 24 * time.Hour

	// SessionWarningWindow is the remaining time below which a session is in warning.
	SessionWarningWindow = time.Hour

	// DefaultInactivityTimeout is how long an assigned conversation may sit
	// without agent activity before it returns to the queue.
	DefaultInactivityTimeout = 20 * time.Minute
)

// Deduper suppresses provider redeliveries of inbound messages.
type Deduper interface {
	CheckAndMark(key string) bool
	Forget(key string)
}

// Config tunes a Service. Zero values select defaults.
type Config struct {
	InactivityTimeout time.Duration
	PublishTimeout    time.Duration
	Clock             clock.Clock
	Metrics           Metrics
	Deduper           Deduper
}

// Service owns every conversation state transition.
type Service struct {
	store      store.Store
	clock      clock.Clock
	dispatch   *dispatcher
	locks      *keyedMutex
	metrics    Metrics
	dedupe     Deduper
	inactivity time.Duration
	logger     *slog.Logger

	timersMu     sync.Mutex
	timers       map[string]*clock.Timer // transfer request id -> timeout
	timersClosed bool
}

// New creates a Service that persists to st and publishes through pub.
func New(st store.Store, pub Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	logger = logger.With("component", "conversation")
	return &Service{
		store:      st,
		clock:      cfg.Clock,
		dispatch:   newDispatcher(pub, cfg.Metrics, cfg.PublishTimeout, logger),
		locks:      newKeyedMutex(),
		metrics:    cfg.Metrics,
		dedupe:     cfg.Deduper,
		inactivity: cfg.InactivityTimeout,
		logger:     logger,
		timers:     make(map[string]*clock.Timer),
	}
}

// InactivityTimeout returns the configured agent idle threshold.
func (s *Service) InactivityTimeout() time.Duration { return s.inactivity }

// Action is a queue action name accepted by Apply.
type Action string

const (
	ActionTake     Action = "take"
	ActionReturn   Action = "return"
	ActionToBot    Action = "to_bot"
	ActionTransfer Action = "transfer"
	ActionClose    Action = "close"
	ActionReopen   Action = "reopen"
)

// ActionRequest is the body of a queue action. Phone may stand in for
// ConversationID and selects the channel's open conversation.
type ActionRequest struct {
	Action         Action `json:"action"`
	ConversationID string `json:"conversationId"`
	Phone          string `json:"phone,omitempty"`
	AssignTo       string `json:"assignTo,omitempty"`
}

// Apply dispatches an action to its transition.
func (s *Service) Apply(ctx context.Context, actor Actor, req ActionRequest) (*store.Conversation, error) {
	id := req.ConversationID
	if id == "" && req.Phone != "" {
		c, err := s.store.GetOpenConversationByChannel(ctx, req.Phone)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, notFound(string(req.Action), "no open conversation for %s", req.Phone)
			}
			return nil, storeError(string(req.Action), err)
		}
		id = c.ID
	}
	if id == "" {
		return nil, invalid(string(req.Action), "conversationId is required")
	}

	switch req.Action {
	case ActionTake:
		return s.Assume(ctx, actor, id)
	case ActionReturn:
		return s.ReturnToQueue(ctx, actor, id)
	case ActionToBot:
		return s.ReturnToBot(ctx, actor, id)
	case ActionTransfer:
		return s.Transfer(ctx, actor, id, req.AssignTo)
	case ActionClose:
		return s.Close(ctx, actor, id)
	case ActionReopen:
		return s.Reopen(ctx, actor, id)
	default:
		return nil, invalid("action", "unknown action %q", req.Action)
	}
}

// Assume assigns an unassigned conversation to actor. Concurrent callers on
// the same conversation get exactly one winner; the rest receive a conflict.
// Supervisors and admins may take over a conversation assigned to someone else.
func (s *Service) Assume(ctx context.Context, actor Actor, id string) (*store.Conversation, error) {
	return s.transition(ctx, "assume", id, ReasonManual, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		return assumeNext("assume", actor, c, now)
	})
}

func assumeNext(op string, actor Actor, c *store.Conversation, now time.Time) (*store.Conversation, error) {
	if actor.ID == "" || actor.Role == RoleSystem {
		return nil, invalid(op, "conversations can only be assigned to agents")
	}
	switch c.Status {
	case store.StatusClosed:
		return nil, precondition(op, "conversation is closed")
	case store.StatusInService:
		if c.AssignedTo() == actor.ID {
			return nil, nil
		}
		if !actor.Elevated() {
			return nil, conflict(op, "conversation already taken by %s", c.AssignedTo())
		}
	}

	next := c.Clone()
	next.Status = store.StatusInService
	next.AssignedAgentID = store.StringPtr(actor.ID)
	next.LastAgentActivityAt = store.TimePtr(now)
	return next, nil
}

// ReturnToQueue puts an assigned conversation back in PRINCIPAL.
func (s *Service) ReturnToQueue(ctx context.Context, actor Actor, id string) (*store.Conversation, error) {
	return s.transition(ctx, "return", id, ReasonManual, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		return returnNext("return", actor, c)
	})
}

func returnNext(op string, actor Actor, c *store.Conversation) (*store.Conversation, error) {
	if c.Status != store.StatusInService {
		return nil, precondition(op, "conversation is %s, not %s", c.Status, store.StatusInService)
	}
	if !actor.canTouch(c.AssignedTo()) {
		return nil, unauthorized(op, "conversation is assigned to %s", c.AssignedTo())
	}
	next := c.Clone()
	next.Status = store.StatusPrincipal
	next.AssignedAgentID = nil
	return next, nil
}

// ReturnToBot hands a waiting or assigned conversation back to the bot.
func (s *Service) ReturnToBot(ctx context.Context, actor Actor, id string) (*store.Conversation, error) {
	const op = "to_bot"
	return s.transition(ctx, op, id, ReasonManual, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		if c.Status != store.StatusPrincipal && c.Status != store.StatusInService {
			return nil, precondition(op, "conversation is %s", c.Status)
		}
		if !actor.canTouch(c.AssignedTo()) {
			return nil, unauthorized(op, "conversation is assigned to %s", c.AssignedTo())
		}
		next := c.Clone()
		next.Status = store.StatusBotQueue
		next.AssignedAgentID = nil
		return next, nil
	})
}

// Close closes a conversation. The session window is kept for audit.
func (s *Service) Close(ctx context.Context, actor Actor, id string) (*store.Conversation, error) {
	const op = "close"
	return s.transition(ctx, op, id, ReasonManual, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		if c.Status == store.StatusClosed {
			return nil, precondition(op, "conversation is already closed")
		}
		if !actor.canTouch(c.AssignedTo()) {
			return nil, unauthorized(op, "conversation is assigned to %s", c.AssignedTo())
		}
		return closeNext(c, ReasonManual), nil
	})
}

func closeNext(c *store.Conversation, reason Reason) *store.Conversation {
	next := c.Clone()
	next.Status = store.StatusClosed
	next.AssignedAgentID = nil
	next.CloseReason = store.StringPtr(string(reason))
	return next
}

// Reopen moves a closed conversation back to PRINCIPAL. A fresh session
// window is assigned only when the previous one has already expired.
func (s *Service) Reopen(ctx context.Context, actor Actor, id string) (*store.Conversation, error) {
	const op = "reopen"
	c, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	// Reopening makes the conversation the channel's open one; serialize
	// with inbound creation on the same channel.
	unlockChannel := s.locks.Lock(channelKey(c.ChannelID))
	defer unlockChannel()

	return s.transition(ctx, op, id, ReasonConversationReopened, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		if c.Status != store.StatusClosed {
			return nil, precondition(op, "conversation is %s, not %s", c.Status, store.StatusClosed)
		}
		if other, err := s.store.GetOpenConversationByChannel(ctx, c.ChannelID); err == nil {
			return nil, precondition(op, "channel already has open conversation %s", other.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, storeError(op, err)
		}

		next := c.Clone()
		next.Status = store.StatusPrincipal
		next.AssignedAgentID = nil
		next.CloseReason = nil
		if !now.Before(c.SessionExpiryTime) {
			next.SessionStartTime = now
			next.SessionExpiryTime = now.Add(SessionDuration)
		}
		return next, nil
	})
}

// Transfer performs an immediate transfer. assignTo selects the target:
// empty or PRINCIPAL returns to the queue, BOT or BOT_QUEUE returns to the
// bot, anything else is an agent id to reassign to without consent.
func (s *Service) Transfer(ctx context.Context, actor Actor, id, assignTo string) (*store.Conversation, error) {
	switch target := strings.TrimSpace(assignTo); strings.ToUpper(target) {
	case "", string(store.StatusPrincipal), "AGUARDANDO", "QUEUE":
		return s.ReturnToQueue(ctx, actor, id)
	case "BOT", string(store.StatusBotQueue):
		return s.ReturnToBot(ctx, actor, id)
	default:
		return s.reassign(ctx, actor, id, target)
	}
}

func (s *Service) reassign(ctx context.Context, actor Actor, id, target string) (*store.Conversation, error) {
	const op = "transfer"
	return s.transition(ctx, op, id, ReasonManual, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		if c.Status != store.StatusInService {
			return nil, precondition(op, "conversation is %s, not %s", c.Status, store.StatusInService)
		}
		if !actor.canTouch(c.AssignedTo()) {
			return nil, unauthorized(op, "conversation is assigned to %s", c.AssignedTo())
		}
		if c.AssignedTo() == target {
			return nil, nil
		}
		next := c.Clone()
		next.AssignedAgentID = store.StringPtr(target)
		next.LastAgentActivityAt = store.TimePtr(now)
		return next, nil
	})
}

// transitionFunc computes the next state from the current one. Returning a
// nil conversation and nil error means nothing to do.
type transitionFunc func(c *store.Conversation, now time.Time) (*store.Conversation, error)

// recordFunc is a transitionFunc that may also produce a transcript entry.
// The entry is written in the same store transaction as the conversation.
type recordFunc func(c *store.Conversation, now time.Time) (*store.Conversation, *store.Message, error)

// transition runs fn under the conversation lock and commits its result.
func (s *Service) transition(ctx context.Context, op, id string, reason Reason, fn transitionFunc) (*store.Conversation, error) {
	return s.record(ctx, op, id, reason, func(c *store.Conversation, now time.Time) (*store.Conversation, *store.Message, error) {
		next, err := fn(c, now)
		return next, nil, err
	})
}

// record is transition for changes that append to the transcript.
func (s *Service) record(ctx context.Context, op, id string, reason Reason, fn recordFunc) (*store.Conversation, error) {
	unlock := s.locks.Lock(conversationKey(id))
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		s.metrics.RecordTransition(ctx, op, Code(err))
		return nil, err
	}

	next, msg, err := fn(cur, s.clock.Now())
	if err != nil {
		s.metrics.RecordTransition(ctx, op, Code(err))
		s.logger.Debug("transition rejected", "action", op, "conversation_id", id, "error", err)
		return nil, err
	}
	if next == nil {
		s.metrics.RecordTransition(ctx, op, "noop")
		return cur, nil
	}

	out, err := s.commit(ctx, op, cur, next, reason, msg)
	if err != nil {
		s.metrics.RecordTransition(ctx, op, Code(err))
		return nil, err
	}
	s.metrics.RecordTransition(ctx, op, "ok")
	s.logger.Info("conversation updated",
		"action", op,
		"conversation_id", id,
		"status", out.Status,
		"agent_id", out.AssignedTo(),
		"reason", reason)
	return out, nil
}

// commit writes next over prev, plus msg when non-nil, and queues the
// resulting events. A pending transfer request is cancelled in the same
// write when status or assignment changes. Must be called with the
// conversation lock held.
func (s *Service) commit(ctx context.Context, op string, prev, next *store.Conversation, reason Reason, msg *store.Message) (*store.Conversation, error) {
	if !s.dispatch.accepting() {
		return nil, publishUnavailable(op)
	}
	now := s.clock.Now()
	next.UpdatedAt = now
	if err := next.CheckInvariants(); err != nil {
		return nil, &Error{Code: CodeInternal, Op: op, Err: err}
	}

	var msgs []*store.Message
	if msg != nil {
		msgs = append(msgs, msg)
	}

	var cancelled *store.TransferRequest
	if prev.Status != next.Status || prev.AssignedTo() != next.AssignedTo() {
		pending, err := s.store.GetPendingTransfer(ctx, next.ID)
		switch {
		case err == nil:
			cancelled = pending
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, storeError(op, err)
		}
	}

	if cancelled != nil {
		cancelled.State = store.TransferCancelled
		cancelled.ResolvedAt = store.TimePtr(now)
		err := s.store.ResolveTransfer(ctx, cancelled, next, msgs...)
		if errors.Is(err, store.ErrTransferResolved) {
			cancelled = nil
			err = s.store.UpdateConversation(ctx, next, msgs...)
		}
		if err != nil {
			return nil, storeError(op, err)
		}
	} else if err := s.store.UpdateConversation(ctx, next, msgs...); err != nil {
		return nil, storeError(op, err)
	}

	ds := transitionDeliveries(prev, next, reason, now)
	if cancelled != nil {
		s.stopTransferTimer(cancelled.ID)
		s.metrics.RecordTransfer(ctx, string(store.TransferCancelled))
		ev := transferEvent(EventTransferCancelled, next, cancelled, now)
		ds = append(ds, toAgents(ev, cancelled.FromAgentID, cancelled.ToAgentID)...)
	}
	s.publish(next.ID, ds)
	return next, nil
}

// publish queues deliveries for the conversation. Call with the
// conversation lock held so queue order follows commit order.
func (s *Service) publish(conversationID string, ds []delivery) {
	if err := s.dispatch.enqueue(conversationID, ds...); err != nil {
		s.logger.Warn("events not queued", "conversation_id", conversationID, "count", len(ds), "error", err)
	}
}

func (s *Service) load(ctx context.Context, op, id string) (*store.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(op, "conversation %s", id)
		}
		return nil, storeError(op, err)
	}
	return c, nil
}

// Get returns a conversation.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.load(ctx, "get", id)
}

// List returns conversations matching filter.
func (s *Service) List(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	list, err := s.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, storeError("list", err)
	}
	return list, nil
}

// Messages returns a conversation's transcript, oldest first.
func (s *Service) Messages(ctx context.Context, id string, limit int) ([]*store.Message, error) {
	if _, err := s.load(ctx, "messages", id); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id, limit)
	if err != nil {
		return nil, storeError("messages", err)
	}
	return msgs, nil
}

// QueueSummary returns the number of conversations per status.
func (s *Service) QueueSummary(ctx context.Context) (map[store.Status]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, storeError("queue_summary", err)
	}
	return counts, nil
}

// Flush waits until every queued event has been handed to the publisher.
func (s *Service) Flush(ctx context.Context) error {
	return s.dispatch.flush(ctx)
}

// Shutdown stops transfer timers and drains queued events. Transitions
// attempted afterwards fail with ErrPublishUnavailable.
func (s *Service) Shutdown(ctx context.Context) error {
	s.timersMu.Lock()
	s.timersClosed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	return s.dispatch.close(ctx)
}
