// ABOUTME: Transfer coordinator: consent-based handoff between two agents with a 30s deadline
// ABOUTME: Accept, reject, cancel and timeout all race on the request's PENDING state

package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clinic-gateway/internal/store"
)

// RequestTransfer asks toAgentID to take over a conversation assigned to
// actor. The target is notified and has TransferTimeout to accept.
func (s *Service) RequestTransfer(ctx context.Context, actor Actor, conversationID, toAgentID string) (*store.TransferRequest, error) {
	const op = "transfer_request"
	if toAgentID == "" {
		return nil, invalid(op, "toAgentId is required")
	}
	if toAgentID == actor.ID {
		return nil, precondition(op, "cannot transfer a conversation to yourself")
	}

	unlock := s.locks.Lock(conversationKey(conversationID))
	defer unlock()

	c, err := s.load(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.StatusInService {
		return nil, precondition(op, "conversation is %s, not %s", c.Status, store.StatusInService)
	}
	if c.AssignedTo() != actor.ID {
		return nil, unauthorized(op, "conversation is assigned to %s", c.AssignedTo())
	}
	if pending, err := s.store.GetPendingTransfer(ctx, conversationID); err == nil {
		return nil, precondition(op, "transfer request %s is already pending", pending.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError(op, err)
	}
	if !s.dispatch.accepting() {
		return nil, publishUnavailable(op)
	}

	now := s.clock.Now()
	tr := &store.TransferRequest{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		FromAgentID:    actor.ID,
		ToAgentID:      toAgentID,
		State:          store.TransferPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(TransferTimeout),
	}
	if err := s.store.CreateTransferRequest(ctx, tr); err != nil {
		return nil, storeError(op, err)
	}
	s.armTransferTimer(tr)

	ev := transferEvent(EventTransferRequest, c, tr, now)
	ev.Transfer.TimeoutSeconds = int(TransferTimeout / time.Second)
	ev.Transfer.RequesterName = actor.DisplayName()
	ev.Transfer.LastMessage = s.lastMessageText(ctx, c)
	s.publish(conversationID, toAgents(ev, toAgentID, actor.ID))

	s.metrics.RecordTransfer(ctx, string(store.TransferPending))
	s.logger.Info("transfer requested",
		"request_id", tr.ID,
		"conversation_id", conversationID,
		"from", actor.ID,
		"to", toAgentID)
	return tr, nil
}

func (s *Service) lastMessageText(ctx context.Context, c *store.Conversation) string {
	if c.LastMessageID == nil {
		return ""
	}
	msg, err := s.store.GetMessage(ctx, *c.LastMessageID)
	if err != nil {
		s.logger.Debug("last message unavailable", "conversation_id", c.ID, "error", err)
		return ""
	}
	return msg.Content
}

// AcceptTransfer reassigns the conversation to the request's target agent.
// Fails with a precondition error once the deadline has passed and with a
// conflict if another resolution won the race.
func (s *Service) AcceptTransfer(ctx context.Context, actor Actor, requestID string) (*store.Conversation, error) {
	const op = "transfer_accept"
	tr, unlock, err := s.lockTransfer(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if actor.ID != tr.ToAgentID {
		return nil, unauthorized(op, "transfer request is addressed to %s", tr.ToAgentID)
	}
	if err := pendingOrError(op, tr); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !now.Before(tr.ExpiresAt) {
		if _, err := s.resolveTransfer(ctx, "transfer_timeout", tr, store.TransferTimedOut, EventTransferTimeout, now); err != nil {
			return nil, err
		}
		return nil, precondition(op, "transfer request expired")
	}

	c, err := s.load(ctx, op, tr.ConversationID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.StatusInService || c.AssignedTo() != tr.FromAgentID {
		// The conversation moved on without the request being cancelled.
		if _, err := s.resolveTransfer(ctx, op, tr, store.TransferCancelled, EventTransferCancelled, now); err != nil {
			return nil, err
		}
		return nil, precondition(op, "conversation is no longer assigned to %s", tr.FromAgentID)
	}
	if !s.dispatch.accepting() {
		return nil, publishUnavailable(op)
	}

	next := c.Clone()
	next.AssignedAgentID = store.StringPtr(tr.ToAgentID)
	next.LastAgentActivityAt = store.TimePtr(now)
	next.UpdatedAt = now

	resolved := *tr
	resolved.State = store.TransferAccepted
	resolved.ResolvedAt = store.TimePtr(now)
	if err := s.store.ResolveTransfer(ctx, &resolved, next); err != nil {
		s.metrics.RecordTransition(ctx, op, Code(storeError(op, err)))
		return nil, storeError(op, err)
	}
	s.stopTransferTimer(tr.ID)

	ds := transitionDeliveries(c, next, ReasonTransferAccepted, now)
	completed := transferEvent(EventTransferCompleted, next, &resolved, now)
	ds = append(ds, toAgents(completed, tr.FromAgentID, tr.ToAgentID)...)
	s.publish(next.ID, ds)

	s.metrics.RecordTransition(ctx, op, "ok")
	s.metrics.RecordTransfer(ctx, string(store.TransferAccepted))
	s.logger.Info("transfer accepted",
		"request_id", tr.ID,
		"conversation_id", next.ID,
		"from", tr.FromAgentID,
		"to", tr.ToAgentID)
	return next, nil
}

// RejectTransfer declines a request. Only the target agent may reject.
func (s *Service) RejectTransfer(ctx context.Context, actor Actor, requestID string) (*store.TransferRequest, error) {
	const op = "transfer_reject"
	tr, unlock, err := s.lockTransfer(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if actor.ID != tr.ToAgentID {
		return nil, unauthorized(op, "transfer request is addressed to %s", tr.ToAgentID)
	}
	if err := pendingOrError(op, tr); err != nil {
		return nil, err
	}
	return s.resolveTransfer(ctx, op, tr, store.TransferRejected, EventTransferRejected, s.clock.Now())
}

// CancelTransfer withdraws a request. The requester or an elevated actor
// may cancel.
func (s *Service) CancelTransfer(ctx context.Context, actor Actor, requestID string) (*store.TransferRequest, error) {
	const op = "transfer_cancel"
	tr, unlock, err := s.lockTransfer(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if actor.ID != tr.FromAgentID && !actor.Elevated() {
		return nil, unauthorized(op, "only %s may cancel this transfer request", tr.FromAgentID)
	}
	if err := pendingOrError(op, tr); err != nil {
		return nil, err
	}
	return s.resolveTransfer(ctx, op, tr, store.TransferCancelled, EventTransferCancelled, s.clock.Now())
}

// GetTransfer returns a transfer request.
func (s *Service) GetTransfer(ctx context.Context, requestID string) (*store.TransferRequest, error) {
	tr, err := s.store.GetTransferRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("transfer", "transfer request %s", requestID)
		}
		return nil, storeError("transfer", err)
	}
	return tr, nil
}

// PendingTransfer returns the pending request for a conversation.
func (s *Service) PendingTransfer(ctx context.Context, conversationID string) (*store.TransferRequest, error) {
	tr, err := s.store.GetPendingTransfer(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("transfer", "no pending transfer for conversation %s", conversationID)
		}
		return nil, storeError("transfer", err)
	}
	return tr, nil
}

// lockTransfer locks the request's conversation and re-reads the request
// under that lock.
func (s *Service) lockTransfer(ctx context.Context, op, requestID string) (*store.TransferRequest, func(), error) {
	tr, err := s.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(conversationKey(tr.ConversationID))
	tr, err = s.store.GetTransferRequest(ctx, requestID)
	if err != nil {
		unlock()
		return nil, nil, storeError(op, err)
	}
	return tr, unlock, nil
}

func pendingOrError(op string, tr *store.TransferRequest) error {
	switch tr.State {
	case store.TransferPending:
		return nil
	case store.TransferTimedOut:
		return precondition(op, "transfer request expired")
	default:
		return precondition(op, "transfer request already %s", tr.State)
	}
}

// resolveTransfer moves tr to a terminal state that leaves the conversation
// unchanged and notifies both agents. Must be called with the conversation
// lock held. Losing the race to another resolution is a conflict and sends
// nothing.
func (s *Service) resolveTransfer(ctx context.Context, op string, tr *store.TransferRequest, state store.TransferState, typ EventType, now time.Time) (*store.TransferRequest, error) {
	c, err := s.load(ctx, op, tr.ConversationID)
	if err != nil {
		return nil, err
	}
	if !s.dispatch.accepting() {
		return nil, publishUnavailable(op)
	}

	resolved := *tr
	resolved.State = state
	resolved.ResolvedAt = store.TimePtr(now)
	if err := s.store.ResolveTransfer(ctx, &resolved, nil); err != nil {
		return nil, storeError(op, err)
	}
	s.stopTransferTimer(tr.ID)

	s.publish(c.ID, toAgents(transferEvent(typ, c, &resolved, now), tr.FromAgentID, tr.ToAgentID))
	s.metrics.RecordTransfer(ctx, string(state))
	s.logger.Info("transfer resolved",
		"request_id", tr.ID,
		"conversation_id", tr.ConversationID,
		"state", state)
	return &resolved, nil
}

// expireTransfer times out a request whose deadline has passed. It is a
// no-op for requests already resolved. Reports whether it timed one out.
func (s *Service) expireTransfer(ctx context.Context, requestID string) (bool, error) {
	const op = "transfer_timeout"
	tr, err := s.store.GetTransferRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError(op, err)
	}
	if tr.State != store.TransferPending {
		s.stopTransferTimer(requestID)
		return false, nil
	}

	unlock := s.locks.Lock(conversationKey(tr.ConversationID))
	defer unlock()

	tr, err = s.store.GetTransferRequest(ctx, requestID)
	if err != nil {
		return false, storeError(op, err)
	}
	if tr.State != store.TransferPending {
		return false, nil
	}
	now := s.clock.Now()
	if now.Before(tr.ExpiresAt) {
		s.armTransferTimer(tr)
		return false, nil
	}

	if _, err := s.resolveTransfer(ctx, op, tr, store.TransferTimedOut, EventTransferTimeout, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// armTransferTimer schedules the request's timeout at its stored deadline.
func (s *Service) armTransferTimer(tr *store.TransferRequest) {
	d := tr.ExpiresAt.Sub(s.clock.Now())
	if d <= 0 {
		d = time.Millisecond
	}
	id := tr.ID
	t := s.clock.AfterFunc(d, func() { s.onTransferTimer(id) })

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.timersClosed {
		t.Stop()
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = t
}

func (s *Service) stopTransferTimer(id string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) onTransferTimer(id string) {
	s.timersMu.Lock()
	delete(s.timers, id)
	s.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.dispatch.timeout)
	defer cancel()
	if _, err := s.expireTransfer(ctx, id); err != nil {
		// The sweep picks it up again.
		s.logger.Warn("transfer timeout failed", "request_id", id, "error", err)
	}
}

// pendingTimers returns the number of armed transfer timers.
func (s *Service) pendingTimers() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}
