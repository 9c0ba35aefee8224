// ABOUTME: Event payloads and topic names for real-time fan-out
// ABOUTME: Every committed transition produces one canonical conversation_updated event

package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clinic-gateway/internal/store"
)

// EventType names a real-time event.
type EventType string

const (
	EventConversationUpdated EventType = "conversation_updated"
	EventConversationClosed  EventType = "conversation:closed"
	EventQueueUpdated        EventType = "queue_updated"
	EventTransferRequest     EventType = "transfer_request"
	EventTransferCompleted   EventType = "transfer_completed"
	EventTransferTimeout     EventType = "transfer_timeout"
	EventTransferRejected    EventType = "transfer_rejected"
	EventTransferCancelled   EventType = "transfer_cancelled"
)

// Reason tags why a conversation changed.
type Reason string

const (
	ReasonManual               Reason = "manual"
	ReasonSessionExpired       Reason = "session_expired"
	ReasonTimeoutInactivity    Reason = "timeout_inactivity"
	ReasonConversationReopened Reason = "conversation_reopened"
	ReasonNewConversation      Reason = "new_conversation"
	ReasonNewMessage           Reason = "new_message"
	ReasonBotHandoff           Reason = "bot_handoff"
	ReasonTransferAccepted     Reason = "transfer_accepted"
)

// Topic names.
const QueueTopic = "queue"

func ConversationTopic(id string) string { return "conversation:" + id }
func AgentTopic(id string) string        { return "agent:" + id }

// Event is the payload delivered to subscribers.
type Event struct {
	ID              string           `json:"id"`
	Type            EventType        `json:"type"`
	ConversationID  string           `json:"conversationId"`
	ChannelID       string           `json:"channelId"`
	Status          store.Status     `json:"status"`
	PreviousStatus  store.Status     `json:"previousStatus,omitempty"`
	AssignedAgentID *string          `json:"assignedAgentId"`
	PreviousAgentID string           `json:"previousAgentId,omitempty"`
	LastMessageID   *string          `json:"lastMessageId"`
	Priority        store.Priority   `json:"priority,omitempty"`
	Reason          Reason           `json:"reason,omitempty"`
	Version         int64            `json:"version"`
	Transfer        *TransferPayload `json:"transfer,omitempty"`
	OccurredAt      time.Time        `json:"occurredAt"`
}

// TransferPayload describes a transfer request in transfer_* events.
type TransferPayload struct {
	RequestID      string              `json:"requestId"`
	FromAgentID    string              `json:"fromAgentId"`
	ToAgentID      string              `json:"toAgentId"`
	State          store.TransferState `json:"state"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	TimeoutSeconds int                 `json:"timeoutSeconds,omitempty"`
	RequesterName  string              `json:"requesterName,omitempty"`
	PatientName    string              `json:"patientName,omitempty"`
	LastMessage    string              `json:"lastMessage,omitempty"`
}

// Publisher delivers an event to every subscriber of topic. Implementations
// must preserve call order per subscriber.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
}

// delivery is one (topic, event) pair queued for publication.
type delivery struct {
	topic string
	event *Event
}

func newEvent(typ EventType, c *store.Conversation, now time.Time) *Event {
	return &Event{
		ID:              uuid.NewString(),
		Type:            typ,
		ConversationID:  c.ID,
		ChannelID:       c.ChannelID,
		Status:          c.Status,
		AssignedAgentID: c.AssignedAgentID,
		LastMessageID:   c.LastMessageID,
		Priority:        c.Priority,
		Version:         c.Version,
		OccurredAt:      now,
	}
}

// transitionDeliveries builds the fan-out for a committed change from prev
// (nil when created) to next.
func transitionDeliveries(prev, next *store.Conversation, reason Reason, now time.Time) []delivery {
	updated := newEvent(EventConversationUpdated, next, now)
	updated.Reason = reason
	prevAgent := ""
	if prev != nil {
		updated.PreviousStatus = prev.Status
		prevAgent = prev.AssignedTo()
		updated.PreviousAgentID = prevAgent
	}

	out := []delivery{{topic: ConversationTopic(next.ID), event: updated}}
	for _, agent := range agentAudience(prevAgent, next.AssignedTo()) {
		out = append(out, delivery{topic: AgentTopic(agent), event: updated})
	}

	if prev == nil || prev.Status != next.Status {
		queue := *updated
		queue.ID = uuid.NewString()
		queue.Type = EventQueueUpdated
		out = append(out, delivery{topic: QueueTopic, event: &queue})
	}

	if next.Status == store.StatusClosed && (prev == nil || prev.Status != store.StatusClosed) {
		closed := *updated
		closed.ID = uuid.NewString()
		closed.Type = EventConversationClosed
		out = append(out, delivery{topic: ConversationTopic(next.ID), event: &closed})
		if prevAgent != "" {
			out = append(out, delivery{topic: AgentTopic(prevAgent), event: &closed})
		}
	}
	return out
}

func transferEvent(typ EventType, c *store.Conversation, tr *store.TransferRequest, now time.Time) *Event {
	e := newEvent(typ, c, now)
	e.Transfer = &TransferPayload{
		RequestID:   tr.ID,
		FromAgentID: tr.FromAgentID,
		ToAgentID:   tr.ToAgentID,
		State:       tr.State,
		ExpiresAt:   tr.ExpiresAt,
		PatientName: c.PatientName,
	}
	return e
}

func toAgents(e *Event, agents ...string) []delivery {
	var out []delivery
	for _, a := range agentAudience(agents...) {
		out = append(out, delivery{topic: AgentTopic(a), event: e})
	}
	return out
}

// agentAudience returns the distinct non-empty agent ids.
func agentAudience(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}
