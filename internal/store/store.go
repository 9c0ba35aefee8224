// ABOUTME: Store interface and data types for clinic-gateway persistence
// ABOUTME: Defines Conversation, TransferRequest, Message and the compare-and-swap contract

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a conditional update loses to a
// concurrent writer (the stored version no longer matches).
var ErrVersionConflict = errors.New("version conflict")

// ErrOpenConversationExists is returned when a channel already has a
// conversation that is not closed.
var ErrOpenConversationExists = errors.New("channel already has an open conversation")

// ErrTransferResolved is returned when resolving a transfer request that is
// no longer pending.
var ErrTransferResolved = errors.New("transfer request already resolved")

// ErrPendingTransferExists is returned when creating a second pending
// transfer request for the same conversation.
var ErrPendingTransferExists = errors.New("conversation already has a pending transfer request")

// Status is the queue a conversation currently sits in.
type Status string

const (
	StatusBotQueue  Status = "BOT_QUEUE"      // handled by the bot
	StatusPrincipal Status = "PRINCIPAL"      // waiting for a human
	StatusInService Status = "EM_ATENDIMENTO" // assigned to an agent
	StatusClosed    Status = "FECHADA"
)

// legacyWaitingStatus is an old label for PRINCIPAL still sent by some clients.
const legacyWaitingStatus = "AGUARDANDO"

// AllStatuses lists every status in queue display order.
var AllStatuses = []Status{StatusBotQueue, StatusPrincipal, StatusInService, StatusClosed}

// ParseStatus parses a status label. AGUARDANDO is accepted as PRINCIPAL.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(StatusBotQueue), "BOT":
		return StatusBotQueue, nil
	case string(StatusPrincipal), legacyWaitingStatus:
		return StatusPrincipal, nil
	case string(StatusInService):
		return StatusInService, nil
	case string(StatusClosed):
		return StatusClosed, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Open reports whether the conversation is still live.
func (s Status) Open() bool { return s != StatusClosed }

// Priority orders conversations for presentation only.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank returns the ordinal of the priority (LOW=0 .. URGENT=3). Unknown
// values rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// ParsePriority parses a priority label, defaulting empty input to MEDIUM.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Conversation is one patient session on a channel. Many conversations may
// share a ChannelID over time but at most one is open at any instant.
type Conversation struct {
	ID                  string
	ChannelID           string // e.g. the patient's phone number
	PatientName         string
	Status              Status
	AssignedAgentID     *string // set iff Status == StatusInService
	Priority            Priority
	SessionStartTime    time.Time
	SessionExpiryTime   time.Time
	LastUserActivityAt  *time.Time
	LastAgentActivityAt *time.Time
	LastMessageID       *string
	CloseReason         *string
	Version             int64 // bumped by every successful update
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AssignedTo returns the assigned agent or "" when unassigned.
func (c *Conversation) AssignedTo() string {
	if c.AssignedAgentID == nil {
		return ""
	}
	return *c.AssignedAgentID
}

// Clone returns a deep copy so callers can compute a new state without
// touching the one they read.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.AssignedAgentID = cloneString(c.AssignedAgentID)
	out.LastMessageID = cloneString(c.LastMessageID)
	out.CloseReason = cloneString(c.CloseReason)
	out.LastUserActivityAt = cloneTime(c.LastUserActivityAt)
	out.LastAgentActivityAt = cloneTime(c.LastAgentActivityAt)
	return &out
}

// CheckInvariants verifies the assignment/status coupling.
func (c *Conversation) CheckInvariants() error {
	assigned := c.AssignedAgentID != nil
	if assigned != (c.Status == StatusInService) {
		return fmt.Errorf("conversation %s: status %s with assigned agent %q", c.ID, c.Status, c.AssignedTo())
	}
	return nil
}

// TransferState is the lifecycle of a transfer request.
type TransferState string

const (
	TransferPending   TransferState = "PENDING"
	TransferAccepted  TransferState = "ACCEPTED"
	TransferRejected  TransferState = "REJECTED"
	TransferTimedOut  TransferState = "TIMED_OUT"
	TransferCancelled TransferState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s TransferState) Terminal() bool { return s != TransferPending }

// TransferRequest asks a specific agent to take over a conversation.
type TransferRequest struct {
	ID             string
	ConversationID string
	FromAgentID    string
	ToAgentID      string
	State          TransferState
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ResolvedAt     *time.Time
}

// MessageDirection identifies who produced a transcript entry.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"  // from the patient
	DirectionOutbound MessageDirection = "outbound" // from an agent or the bot
	DirectionSystem   MessageDirection = "system"   // engine notices
)

// Message is a transcript entry.
type Message struct {
	ID             string
	ConversationID string
	Direction      MessageDirection
	Author         string
	Content        string
	ExternalID     string // provider message id, for inbound messages
	CreatedAt      time.Time
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Statuses        []Status
	AssignedAgentID string
	ChannelID       string
	Limit           int
}

// Store is the durable state behind the engine. Every mutation of a
// conversation goes through UpdateConversation or ResolveTransfer, both of
// which are conditional on the version the caller read.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetOpenConversationByChannel(ctx context.Context, channelID string) (*Conversation, error)
	// UpdateConversation writes c if the stored version equals c.Version,
	// then increments c.Version. Returns ErrVersionConflict otherwise.
	// Transcript entries in msgs are appended in the same transaction and
	// are not written when the update fails.
	UpdateConversation(ctx context.Context, c *Conversation, msgs ...*Message) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*Conversation, error)
	ListIdleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Transfer requests
	CreateTransferRequest(ctx context.Context, tr *TransferRequest) error
	GetTransferRequest(ctx context.Context, id string) (*TransferRequest, error)
	GetPendingTransfer(ctx context.Context, conversationID string) (*TransferRequest, error)
	ListExpiredTransfers(ctx context.Context, now time.Time, limit int) ([]*TransferRequest, error)
	// ResolveTransfer moves tr from PENDING to tr.State. When conv is
	// non-nil it is written in the same transaction under the same rules as
	// UpdateConversation, along with msgs. Returns ErrTransferResolved if
	// tr is no longer pending; nothing is written in that case.
	ResolveTransfer(ctx context.Context, tr *TransferRequest, conv *Conversation, msgs ...*Message) error

	// Transcript
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
