// ABOUTME: Collaborator hooks: inbound patient messages, agent replies and bot handoff
// ABOUTME: All of them go through the same locked transition and commit path as queue actions

package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clinic-gateway/internal/store"
)

// InboundMessage is a patient message delivered by the channel provider.
type InboundMessage struct {
	ChannelID   string
	PatientName string
	MessageID   string // provider id, used to drop redeliveries
	Content     string
	Priority    store.Priority
}

// InboundResult describes what HandleInbound did.
type InboundResult struct {
	Conversation *store.Conversation
	Message      *store.Message
	Created      bool // a new conversation was started
	Duplicate    bool // the message was a redelivery and was ignored
}

var errClosedMeanwhile = errors.New("conversation closed before the message was recorded")

// HandleInbound records a patient message on the channel's open
// conversation, starting a new conversation in BOT_QUEUE when there is none.
// An open conversation whose session has run out is closed first, so the
// message lands on a successor with a fresh session window.
func (s *Service) HandleInbound(ctx context.Context, in InboundMessage) (res *InboundResult, err error) {
	const op = "inbound"
	if in.ChannelID == "" {
		return nil, invalid(op, "channelId is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, invalid(op, "content is required")
	}

	if in.MessageID != "" && s.dedupe != nil {
		key := in.ChannelID + ":" + in.MessageID
		if s.dedupe.CheckAndMark(key) {
			s.logger.Debug("dropping redelivered message", "channel_id", in.ChannelID, "message_id", in.MessageID)
			return &InboundResult{Duplicate: true}, nil
		}
		defer func() {
			if err != nil {
				s.dedupe.Forget(key)
			}
		}()
	}

	unlockChannel := s.locks.Lock(channelKey(in.ChannelID))
	defer unlockChannel()

	open, err := s.store.GetOpenConversationByChannel(ctx, in.ChannelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		open = nil
	case err != nil:
		return nil, storeError(op, err)
	}

	if open != nil && !s.clock.Now().Before(open.SessionExpiryTime) {
		if _, err := s.expireSession(ctx, open.ID); err != nil {
			return nil, err
		}
		open = nil
	}

	created := false
	if open == nil {
		open, err = s.startConversation(ctx, in)
		if err != nil {
			return nil, err
		}
		created = true
	}

	c, msg, err := s.appendInbound(ctx, open.ID, in)
	if errors.Is(err, errClosedMeanwhile) {
		// Closed by an agent between our read and the lock; start over.
		if open, err = s.startConversation(ctx, in); err != nil {
			return nil, err
		}
		created = true
		c, msg, err = s.appendInbound(ctx, open.ID, in)
	}
	if err != nil {
		return nil, err
	}
	return &InboundResult{Conversation: c, Message: msg, Created: created}, nil
}

// startConversation creates a conversation in BOT_QUEUE with a fresh
// session. Must be called with the channel lock held.
func (s *Service) startConversation(ctx context.Context, in InboundMessage) (*store.Conversation, error) {
	const op = "inbound"
	if !s.dispatch.accepting() {
		return nil, publishUnavailable(op)
	}

	now := s.clock.Now()
	priority := in.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}
	c := &store.Conversation{
		ID:                 uuid.New().String(),
		ChannelID:          in.ChannelID,
		PatientName:        in.PatientName,
		Status:             store.StatusBotQueue,
		Priority:           priority,
		SessionStartTime:   now,
		SessionExpiryTime:  now.Add(SessionDuration),
		LastUserActivityAt: store.TimePtr(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	unlock := s.locks.Lock(conversationKey(c.ID))
	defer unlock()

	if err := s.store.CreateConversation(ctx, c); err != nil {
		if errors.Is(err, store.ErrOpenConversationExists) {
			return nil, conflict(op, "channel %s already has an open conversation", in.ChannelID)
		}
		return nil, storeError(op, err)
	}
	s.publish(c.ID, transitionDeliveries(nil, c, ReasonNewConversation, now))

	s.metrics.RecordTransition(ctx, "create", "ok")
	s.logger.Info("conversation started",
		"conversation_id", c.ID,
		"channel_id", c.ChannelID,
		"expires_at", c.SessionExpiryTime)
	return c, nil
}

// appendInbound saves the message and advances the user activity pointers
// in one store write.
func (s *Service) appendInbound(ctx context.Context, id string, in InboundMessage) (*store.Conversation, *store.Message, error) {
	var msg *store.Message
	c, err := s.record(ctx, "inbound", id, ReasonNewMessage, func(c *store.Conversation, now time.Time) (*store.Conversation, *store.Message, error) {
		if c.Status == store.StatusClosed {
			return nil, nil, errClosedMeanwhile
		}
		msg = &store.Message{
			ID:             uuid.New().String(),
			ConversationID: c.ID,
			Direction:      store.DirectionInbound,
			Author:         in.ChannelID,
			Content:        in.Content,
			ExternalID:     in.MessageID,
			CreatedAt:      now,
		}

		next := c.Clone()
		next.LastUserActivityAt = store.TimePtr(now)
		next.LastMessageID = store.StringPtr(msg.ID)
		if next.PatientName == "" {
			next.PatientName = in.PatientName
		}
		if in.Priority != "" {
			next.Priority = in.Priority
		}
		return next, msg, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, msg, nil
}

// RecordAgentActivity saves an outbound message from the assigned agent and
// resets the inactivity clock.
func (s *Service) RecordAgentActivity(ctx context.Context, actor Actor, id, content string) (*store.Conversation, *store.Message, error) {
	const op = "agent_message"
	if strings.TrimSpace(content) == "" {
		return nil, nil, invalid(op, "content is required")
	}
	var msg *store.Message
	c, err := s.record(ctx, op, id, ReasonNewMessage, func(c *store.Conversation, now time.Time) (*store.Conversation, *store.Message, error) {
		if c.Status != store.StatusInService {
			return nil, nil, precondition(op, "conversation is %s, not %s", c.Status, store.StatusInService)
		}
		if c.AssignedTo() != actor.ID {
			return nil, nil, unauthorized(op, "conversation is assigned to %s", c.AssignedTo())
		}
		msg = &store.Message{
			ID:             uuid.New().String(),
			ConversationID: c.ID,
			Direction:      store.DirectionOutbound,
			Author:         actor.ID,
			Content:        content,
			CreatedAt:      now,
		}
		next := c.Clone()
		next.LastAgentActivityAt = store.TimePtr(now)
		next.LastMessageID = store.StringPtr(msg.ID)
		return next, msg, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, msg, nil
}

// Bot handoff decisions.
const (
	HandoffQueue  = "queue"
	HandoffAssign = "assign"
)

// BotHandoff applies the bot's decision for a conversation it was handling:
// HandoffQueue escalates it to PRINCIPAL, HandoffAssign assigns it to
// agentID under the same rules as Assume.
func (s *Service) BotHandoff(ctx context.Context, id, decision, agentID string) (*store.Conversation, error) {
	const op = "bot_handoff"
	switch decision {
	case HandoffQueue:
		return s.transition(ctx, op, id, ReasonBotHandoff, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
			switch c.Status {
			case store.StatusPrincipal:
				return nil, nil
			case store.StatusBotQueue:
			default:
				return nil, precondition(op, "conversation is %s, not %s", c.Status, store.StatusBotQueue)
			}
			next := c.Clone()
			next.Status = store.StatusPrincipal
			return next, nil
		})
	case HandoffAssign:
		if agentID == "" {
			return nil, invalid(op, "agentId is required for assign")
		}
		agent := Actor{ID: agentID, Role: RoleAgent}
		return s.transition(ctx, op, id, ReasonBotHandoff, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
			return assumeNext(op, agent, c, now)
		})
	default:
		return nil, invalid(op, "unknown decision %q", decision)
	}
}
