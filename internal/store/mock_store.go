// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory maps with the same version and uniqueness rules as SQLiteStore

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation    // keyed by conversation ID
	openByChannel map[string]string           // channelID -> open conversation ID
	transfers     map[string]*TransferRequest // keyed by request ID
	pendingByConv map[string]string           // conversationID -> pending request ID
	messages      map[string][]*Message       // keyed by conversationID

	// FailUpdates, when non-nil, is returned by every conversation write.
	FailUpdates error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		openByChannel: make(map[string]string),
		transfers:     make(map[string]*TransferRequest),
		pendingByConv: make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

// SetFailUpdates makes subsequent conversation writes fail with err (nil to clear).
func (m *MockStore) SetFailUpdates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailUpdates = err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdates != nil {
		return m.FailUpdates
	}
	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	if c.Status.Open() {
		if _, exists := m.openByChannel[c.ChannelID]; exists {
			return ErrOpenConversationExists
		}
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}

	m.conversations[c.ID] = c.Clone()
	if c.Status.Open() {
		m.openByChannel[c.ChannelID] = c.ID
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// GetOpenConversationByChannel returns the open conversation on a channel.
func (m *MockStore) GetOpenConversationByChannel(ctx context.Context, channelID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.openByChannel[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversations[id].Clone(), nil
}

// UpdateConversation writes c if the stored version matches, then appends msgs.
func (m *MockStore) UpdateConversation(ctx context.Context, c *Conversation, msgs ...*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateLocked(c); err != nil {
		return err
	}
	m.appendLocked(msgs)
	return nil
}

func (m *MockStore) updateLocked(c *Conversation) error {
	if m.FailUpdates != nil {
		return m.FailUpdates
	}
	current, ok := m.conversations[c.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != c.Version {
		return ErrVersionConflict
	}
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	if c.Status.Open() {
		if owner, exists := m.openByChannel[c.ChannelID]; exists && owner != c.ID {
			return ErrOpenConversationExists
		}
	}

	c.Version++
	m.conversations[c.ID] = c.Clone()
	if c.Status.Open() {
		m.openByChannel[c.ChannelID] = c.ID
	} else if m.openByChannel[c.ChannelID] == c.ID {
		delete(m.openByChannel, c.ChannelID)
	}
	return nil
}

// ListConversations returns conversations matching filter ordered by
// priority then age.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[Status]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}

	var out []*Conversation
	for _, c := range m.conversations {
		if len(statuses) > 0 && !statuses[c.Status] {
			continue
		}
		if filter.AssignedAgentID != "" && c.AssignedTo() != filter.AssignedAgentID {
			continue
		}
		if filter.ChannelID != "" && c.ChannelID != filter.ChannelID {
			continue
		}
		out = append(out, c.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return truncate(out, filter.Limit), nil
}

// ListExpiredSessions returns open conversations past their session expiry.
func (m *MockStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.Status.Open() && !c.SessionExpiryTime.After(now) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionExpiryTime.Before(out[j].SessionExpiryTime)
	})
	return truncate(out, limit), nil
}

// ListIdleAssignments returns assigned conversations idle since cutoff.
func (m *MockStore) ListIdleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.Status != StatusInService || c.LastAgentActivityAt == nil {
			continue
		}
		if !c.LastAgentActivityAt.After(cutoff) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAgentActivityAt.Before(*out[j].LastAgentActivityAt)
	})
	return truncate(out, limit), nil
}

// CountByStatus returns the number of conversations per status.
func (m *MockStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, c := range m.conversations {
		counts[c.Status]++
	}
	return counts, nil
}

// CreateTransferRequest stores a pending transfer request.
func (m *MockStore) CreateTransferRequest(ctx context.Context, tr *TransferRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[tr.ConversationID]; !ok {
		return ErrNotFound
	}
	if tr.State == TransferPending {
		if _, exists := m.pendingByConv[tr.ConversationID]; exists {
			return ErrPendingTransferExists
		}
		m.pendingByConv[tr.ConversationID] = tr.ID
	}
	cp := *tr
	m.transfers[tr.ID] = &cp
	return nil
}

// GetTransferRequest retrieves a transfer request by ID.
func (m *MockStore) GetTransferRequest(ctx context.Context, id string) (*TransferRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tr, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

// GetPendingTransfer returns the pending request for a conversation.
func (m *MockStore) GetPendingTransfer(ctx context.Context, conversationID string) (*TransferRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pendingByConv[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.transfers[id]
	return &cp, nil
}

// ListExpiredTransfers returns pending requests past their deadline.
func (m *MockStore) ListExpiredTransfers(ctx context.Context, now time.Time, limit int) ([]*TransferRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TransferRequest
	for _, id := range m.pendingByConv {
		tr := m.transfers[id]
		if !tr.ExpiresAt.After(now) {
			cp := *tr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveTransfer moves tr out of PENDING and applies conv atomically.
func (m *MockStore) ResolveTransfer(ctx context.Context, tr *TransferRequest, conv *Conversation, msgs ...*Message) error {
	if !tr.State.Terminal() {
		return fmt.Errorf("resolve transfer %s: state %s is not terminal", tr.ID, tr.State)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[tr.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.State != TransferPending {
		return ErrTransferResolved
	}
	if conv != nil {
		if err := m.updateLocked(conv); err != nil {
			return err
		}
	}

	stored.State = tr.State
	stored.ResolvedAt = cloneTime(tr.ResolvedAt)
	delete(m.pendingByConv, stored.ConversationID)
	m.appendLocked(msgs)
	return nil
}

// SaveMessage appends a transcript entry.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked([]*Message{msg})
	return nil
}

func (m *MockStore) appendLocked(msgs []*Message) {
	for _, msg := range msgs {
		cp := *msg
		m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	}
}

// GetMessage retrieves a transcript entry by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				cp := *msg
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns up to limit transcript entries, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	limit = clampLimit(limit)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func truncate(list []*Conversation, limit int) []*Conversation {
	if limit = clampLimit(limit); len(list) > limit {
		return list[:limit]
	}
	return list
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
