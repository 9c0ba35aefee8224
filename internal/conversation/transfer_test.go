// ABOUTME: Tests for the consent-based transfer protocol
// ABOUTME: Accept, reject, cancel and the 30s timeout driven by the fake clock

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clinic-gateway/internal/store"
)

func (h *harness) requestTransfer(t *testing.T, c *store.Conversation) *store.TransferRequest {
	t.Helper()
	tr, err := h.svc.RequestTransfer(context.Background(), alice, c.ID, bob.ID)
	require.NoError(t, err)
	return tr
}

func TestRequestTransfer_NotifiesBothAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880001", store.StatusInService, alice.ID)
	_, _, err := h.svc.RecordAgentActivity(ctx, alice, c.ID, "Vou verificar sua consulta")
	require.NoError(t, err)
	h.flush(t)
	h.pub.reset()

	tr := h.requestTransfer(t, c)
	assert.Equal(t, store.TransferPending, tr.State)
	assert.Equal(t, t0.Add(TransferTimeout), tr.ExpiresAt)
	assert.Equal(t, 1, h.svc.pendingTimers())

	h.flush(t)
	for _, agent := range []string{alice.ID, bob.ID} {
		events := h.pub.events(AgentTopic(agent))
		require.Len(t, events, 1, agent)
		ev := events[0]
		assert.Equal(t, EventTransferRequest, ev.Type)
		require.NotNil(t, ev.Transfer)
		assert.Equal(t, tr.ID, ev.Transfer.RequestID)
		assert.Equal(t, 30, ev.Transfer.TimeoutSeconds)
		assert.Equal(t, "Alice", ev.Transfer.RequesterName)
		assert.Equal(t, "Maria", ev.Transfer.PatientName)
		assert.Equal(t, "Vou verificar sua consulta", ev.Transfer.LastMessage)
	}
}

func TestRequestTransfer_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assigned := h.seed(t, "+5511988880002", store.StatusInService, alice.ID)
	waiting := h.seed(t, "+5511988880003", store.StatusPrincipal, "")

	_, err := h.svc.RequestTransfer(ctx, alice, assigned.ID, "")
	requireCode(t, err, ErrInvalid)

	_, err = h.svc.RequestTransfer(ctx, alice, assigned.ID, alice.ID)
	requireCode(t, err, ErrPreconditionFailed)

	_, err = h.svc.RequestTransfer(ctx, bob, assigned.ID, carol.ID)
	requireCode(t, err, ErrUnauthorized)

	_, err = h.svc.RequestTransfer(ctx, alice, waiting.ID, bob.ID)
	requireCode(t, err, ErrPreconditionFailed)
}

func TestRequestTransfer_OnePendingPerConversation(t *testing.T) {
	h := newHarness(t)
	c := h.seed(t, "+5511988880004", store.StatusInService, alice.ID)
	h.requestTransfer(t, c)

	_, err := h.svc.RequestTransfer(context.Background(), alice, c.ID, carol.ID)
	requireCode(t, err, ErrPreconditionFailed)
}

func TestAcceptTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880010", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)
	h.flush(t)
	h.pub.reset()

	h.clock.Advance(5 * time.Second)

	_, err := h.svc.AcceptTransfer(ctx, carol, tr.ID)
	requireCode(t, err, ErrUnauthorized)

	got, err := h.svc.AcceptTransfer(ctx, bob, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInService, got.Status)
	assert.Equal(t, bob.ID, got.AssignedTo())
	assert.Equal(t, 0, h.svc.pendingTimers())
	assert.Equal(t, 0, h.clock.PendingCount())

	resolved, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferAccepted, resolved.State)
	require.NotNil(t, resolved.ResolvedAt)

	h.flush(t)
	assert.Equal(t, []EventType{EventConversationUpdated, EventTransferCompleted}, h.pub.types(AgentTopic(alice.ID)))
	assert.Equal(t, []EventType{EventConversationUpdated, EventTransferCompleted}, h.pub.types(AgentTopic(bob.ID)))

	// The deadline passing afterwards changes nothing.
	h.clock.Advance(time.Minute)
	h.flush(t)
	assert.NotContains(t, h.pub.types(AgentTopic(bob.ID)), EventTransferTimeout)

	_, err = h.svc.AcceptTransfer(ctx, bob, tr.ID)
	requireCode(t, err, ErrPreconditionFailed)
}

func TestTransfer_TimesOutAfter30Seconds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880020", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	h.clock.Advance(29 * time.Second)
	pending, err := h.svc.PendingTransfer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, pending.ID)

	h.clock.Advance(time.Second)
	got, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferTimedOut, got.State)

	_, err = h.svc.PendingTransfer(ctx, c.ID)
	requireCode(t, err, ErrNotFound)

	h.flush(t)
	assert.Contains(t, h.pub.types(AgentTopic(alice.ID)), EventTransferTimeout)
	assert.Contains(t, h.pub.types(AgentTopic(bob.ID)), EventTransferTimeout)

	conv, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, conv.AssignedTo(), "conversation stays with the requester")

	_, err = h.svc.AcceptTransfer(ctx, bob, tr.ID)
	requireCode(t, err, ErrPreconditionFailed)
}

func TestAcceptTransfer_AfterDeadlineBeforeTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880021", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	// Move time without firing the timer.
	h.clock.Set(t0.Add(TransferTimeout + time.Second))

	_, err := h.svc.AcceptTransfer(ctx, bob, tr.ID)
	requireCode(t, err, ErrPreconditionFailed)

	got, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferTimedOut, got.State)

	conv, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, conv.AssignedTo())
}

func TestRejectTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880030", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	_, err := h.svc.RejectTransfer(ctx, alice, tr.ID)
	requireCode(t, err, ErrUnauthorized)

	got, err := h.svc.RejectTransfer(ctx, bob, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferRejected, got.State)
	assert.Equal(t, 0, h.svc.pendingTimers())

	conv, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, conv.AssignedTo())

	h.flush(t)
	assert.Contains(t, h.pub.types(AgentTopic(alice.ID)), EventTransferRejected)

	// A new request is allowed once the previous one is resolved.
	_, err = h.svc.RequestTransfer(ctx, alice, c.ID, carol.ID)
	require.NoError(t, err)
}

func TestCancelTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880040", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	_, err := h.svc.CancelTransfer(ctx, bob, tr.ID)
	requireCode(t, err, ErrUnauthorized)

	got, err := h.svc.CancelTransfer(ctx, alice, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, got.State)

	_, err = h.svc.CancelTransfer(ctx, alice, tr.ID)
	requireCode(t, err, ErrPreconditionFailed)

	h.flush(t)
	assert.Contains(t, h.pub.types(AgentTopic(bob.ID)), EventTransferCancelled)
}

func TestTransfer_ConversationChangeCancelsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511988880050", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	_, err := h.svc.ReturnToQueue(ctx, alice, c.ID)
	require.NoError(t, err)

	got, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, got.State)
	assert.Equal(t, 0, h.svc.pendingTimers())

	_, err = h.svc.AcceptTransfer(ctx, bob, tr.ID)
	requireCode(t, err, ErrPreconditionFailed)

	h.flush(t)
	assert.Contains(t, h.pub.types(AgentTopic(bob.ID)), EventTransferCancelled)
}

func TestTransfer_AcceptAndCancelRace(t *testing.T) {
	for range 20 {
		h := newHarness(t)
		ctx := context.Background()
		c := h.seed(t, "+5511988880060", store.StatusInService, alice.ID)
		tr := h.requestTransfer(t, c)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.svc.AcceptTransfer(ctx, bob, tr.ID)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.svc.CancelTransfer(ctx, alice, tr.ID)
		}()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, ErrPreconditionFailed), "loser got %v", err)
		}
		assert.Equal(t, 1, wins)

		got, err := h.svc.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		assert.True(t, got.State.Terminal())
	}
}

func TestTransfer_AcceptAndTimeoutRace(t *testing.T) {
	for range 50 {
		h := newHarness(t)
		ctx := context.Background()
		c := h.seed(t, "+5511988880061", store.StatusInService, alice.ID)
		tr := h.requestTransfer(t, c)
		h.clock.Advance(TransferTimeout - time.Millisecond)

		var wg sync.WaitGroup
		var acceptErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.clock.Advance(time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_, acceptErr = h.svc.AcceptTransfer(ctx, bob, tr.ID)
		}()
		wg.Wait()
		h.flush(t)

		got, err := h.svc.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		conv, err := h.svc.Get(ctx, c.ID)
		require.NoError(t, err)

		var outcomes []EventType
		for _, typ := range h.pub.types(AgentTopic(alice.ID)) {
			if typ == EventTransferCompleted || typ == EventTransferTimeout {
				outcomes = append(outcomes, typ)
			}
		}
		require.Len(t, outcomes, 1, "exactly one outcome reaches the requester: %v", outcomes)

		switch got.State {
		case store.TransferAccepted:
			require.NoError(t, acceptErr)
			assert.Equal(t, EventTransferCompleted, outcomes[0])
			assert.Equal(t, bob.ID, conv.AssignedTo())
		case store.TransferTimedOut:
			requireCode(t, acceptErr, ErrPreconditionFailed)
			assert.Equal(t, EventTransferTimeout, outcomes[0])
			assert.Equal(t, alice.ID, conv.AssignedTo())
		default:
			t.Fatalf("unexpected transfer state %s", got.State)
		}
		require.NoError(t, conv.CheckInvariants())
	}
}
