// ABOUTME: Session lifecycle: derived session status and the periodic expiry/inactivity sweep
// ABOUTME: All state comes from stored timestamps so a restart loses nothing

package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clinic-gateway/internal/store"
)

// SessionState is the derived state of a conversation's 24h window.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionWarning SessionState = "warning"
	SessionExpired SessionState = "expired"
)

// Session is the derived session view of a conversation.
type Session struct {
	ConversationID     string       `json:"conversationId"`
	Status             SessionState `json:"status"`
	ConversationStatus store.Status `json:"conversationStatus"`
	StartTime          time.Time    `json:"sessionStartTime"`
	ExpiryTime         time.Time    `json:"sessionExpiryTime"`
	RemainingSeconds   int64        `json:"remainingSeconds"`
}

// DeriveSession computes the session state of c at now.
func DeriveSession(c *store.Conversation, now time.Time) Session {
	remaining := c.SessionExpiryTime.Sub(now)
	state := SessionActive
	switch {
	case remaining <= 0:
		state = SessionExpired
		remaining = 0
	case remaining < SessionWarningWindow:
		state = SessionWarning
	}
	return Session{
		ConversationID:     c.ID,
		Status:             state,
		ConversationStatus: c.Status,
		StartTime:          c.SessionStartTime,
		ExpiryTime:         c.SessionExpiryTime,
		RemainingSeconds:   int64(remaining / time.Second),
	}
}

// Session returns the derived session status of a conversation.
func (s *Service) Session(ctx context.Context, id string) (Session, error) {
	c, err := s.load(ctx, "session", id)
	if err != nil {
		return Session{}, err
	}
	return DeriveSession(c, s.clock.Now()), nil
}

// sweepBatch bounds the work done per category in one sweep. Anything left
// over is picked up by the next cycle.
const sweepBatch = 200

// SweepResult counts what one sweep changed.
type SweepResult struct {
	SessionsExpired   int
	InactivityReturns int
	TransfersTimedOut int
	Failures          int
}

// Sweep closes conversations whose session has run out, returns idle
// assignments to the queue and times out overdue transfer requests.
// Conversations that already moved past the condition are skipped without
// error or event. Failures are logged and retried on the next sweep.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.clock.Now()

	expired, err := s.store.ListExpiredSessions(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("listing expired sessions", "error", err)
		res.Failures++
	}
	for _, c := range expired {
		done, err := s.expireSession(ctx, c.ID)
		switch {
		case err != nil:
			res.Failures++
			s.logger.Warn("session expiry failed, will retry", "conversation_id", c.ID, "error", err)
		case done:
			res.SessionsExpired++
		}
	}

	idle, err := s.store.ListIdleAssignments(ctx, now.Add(-s.inactivity), sweepBatch)
	if err != nil {
		s.logger.Error("listing idle assignments", "error", err)
		res.Failures++
	}
	for _, c := range idle {
		done, err := s.returnIdle(ctx, c.ID)
		switch {
		case err != nil:
			res.Failures++
			s.logger.Warn("inactivity return failed, will retry", "conversation_id", c.ID, "error", err)
		case done:
			res.InactivityReturns++
		}
	}

	transfers, err := s.store.ListExpiredTransfers(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Error("listing expired transfers", "error", err)
		res.Failures++
	}
	for _, tr := range transfers {
		done, err := s.expireTransfer(ctx, tr.ID)
		switch {
		case err != nil:
			res.Failures++
			s.logger.Warn("transfer timeout failed, will retry", "request_id", tr.ID, "error", err)
		case done:
			res.TransfersTimedOut++
		}
	}

	s.metrics.RecordSweep(ctx, "session_expired", res.SessionsExpired)
	s.metrics.RecordSweep(ctx, "timeout_inactivity", res.InactivityReturns)
	s.metrics.RecordSweep(ctx, "transfer_timeout", res.TransfersTimedOut)
	s.metrics.RecordSweep(ctx, "failure", res.Failures)
	if res != (SweepResult{}) {
		s.logger.Info("sweep finished",
			"sessions_expired", res.SessionsExpired,
			"inactivity_returns", res.InactivityReturns,
			"transfers_timed_out", res.TransfersTimedOut,
			"failures", res.Failures)
	}
	return res
}

// RunSweeper sweeps once immediately and then every interval until ctx is
// cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	s.Sweep(ctx)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// expireSession closes the conversation if its session has run out and it
// is still open. Reports whether it closed it.
func (s *Service) expireSession(ctx context.Context, id string) (bool, error) {
	closed := false
	_, err := s.transition(ctx, "session_expire", id, ReasonSessionExpired, func(c *store.Conversation, now time.Time) (*store.Conversation, error) {
		if c.Status == store.StatusClosed || now.Before(c.SessionExpiryTime) {
			return nil, nil
		}
		closed = true
		return closeNext(c, ReasonSessionExpired), nil
	})
	if err != nil {
		return false, err
	}
	return closed, nil
}

// returnIdle returns an assigned conversation to the queue when its agent
// has been inactive for the configured timeout, and notes it in the
// transcript in the same write. Reports whether it returned it.
func (s *Service) returnIdle(ctx context.Context, id string) (bool, error) {
	const op = "inactivity_return"
	returned := false
	_, err := s.record(ctx, op, id, ReasonTimeoutInactivity, func(c *store.Conversation, now time.Time) (*store.Conversation, *store.Message, error) {
		if c.Status != store.StatusInService || c.LastAgentActivityAt == nil {
			return nil, nil, nil
		}
		if now.Sub(*c.LastAgentActivityAt) < s.inactivity {
			return nil, nil, nil
		}
		next, err := returnNext(op, SystemActor, c)
		if err != nil {
			return nil, nil, err
		}
		notice := &store.Message{
			ID:             uuid.New().String(),
			ConversationID: c.ID,
			Direction:      store.DirectionSystem,
			Author:         SystemActor.ID,
			Content: fmt.Sprintf("Conversation returned to the queue after %s without activity from %s.",
				s.inactivity, c.AssignedTo()),
			CreatedAt: now,
		}
		returned = true
		return next, notice, nil
	})
	if err != nil {
		return false, err
	}
	return returned, nil
}
