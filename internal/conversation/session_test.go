// ABOUTME: Tests for session derivation and the lifecycle sweep
// ABOUTME: Covers 24h expiry, the inactivity return, transfer timeouts and sweep idempotency

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clinic-gateway/internal/store"
)

func TestDeriveSession(t *testing.T) {
	c := &store.Conversation{
		ID:                "c1",
		Status:            store.StatusPrincipal,
		SessionStartTime:  t0,
		SessionExpiryTime: t0.Add(SessionDuration),
	}

	tests := []struct {
		name      string
		at        time.Time
		state     SessionState
		remaining int64
	}{
		{"fresh", t0, SessionActive, int64(SessionDuration / time.Second)},
		{"one hour left", t0.Add(23 * time.Hour), SessionActive, 3600},
		{"warning", t0.Add(23*time.Hour + 30*time.Minute), SessionWarning, 1800},
		{"at expiry", t0.Add(SessionDuration), SessionExpired, 0},
		{"long past", t0.Add(48 * time.Hour), SessionExpired, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveSession(c, tt.at)
			assert.Equal(t, tt.state, got.Status)
			assert.Equal(t, tt.remaining, got.RemainingSeconds)
			assert.Equal(t, store.StatusPrincipal, got.ConversationStatus)
		})
	}
}

func TestService_Session(t *testing.T) {
	h := newHarness(t)
	c := h.seed(t, "+5511977770001", store.StatusBotQueue, "")
	h.clock.Advance(23*time.Hour + 59*time.Minute)

	got, err := h.svc.Session(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionWarning, got.Status)
	assert.Equal(t, int64(60), got.RemainingSeconds)

	_, err = h.svc.Session(context.Background(), "missing")
	requireCode(t, err, ErrNotFound)
}

func TestSweep_InactivityReturn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770010", store.StatusInService, alice.ID)

	h.clock.Set(t0.Add(19 * time.Minute))
	assert.Zero(t, h.svc.Sweep(ctx).InactivityReturns)

	h.clock.Set(t0.Add(21 * time.Minute))
	res := h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.InactivityReturns)
	assert.Zero(t, res.Failures)

	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPrincipal, got.Status)
	assert.Nil(t, got.AssignedAgentID)

	msgs, err := h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionSystem, msgs[0].Direction)
	assert.Contains(t, msgs[0].Content, alice.ID)

	h.flush(t)
	events := h.pub.events(AgentTopic(alice.ID))
	require.Len(t, events, 1)
	assert.Equal(t, ReasonTimeoutInactivity, events[0].Reason)
}

func TestSweep_InactivityNoticeWrittenWithReturn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770011", store.StatusInService, alice.ID)

	h.clock.Set(t0.Add(21 * time.Minute))
	h.store.SetFailUpdates(errors.New("database is locked"))
	res := h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.Failures)
	msgs, err := h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no notice without the return")

	h.store.SetFailUpdates(nil)
	assert.Equal(t, 1, h.svc.Sweep(ctx).InactivityReturns)
	assert.Zero(t, h.svc.Sweep(ctx).InactivityReturns)

	msgs, err = h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionSystem, msgs[0].Direction)
	assert.Equal(t, t0.Add(21*time.Minute), msgs[0].CreatedAt)
}

func TestSweep_InactivityReturnCancelsPendingTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770012", store.StatusInService, alice.ID)
	tr, err := h.svc.RequestTransfer(ctx, alice, c.ID, bob.ID)
	require.NoError(t, err)

	// Set moves time without firing the 30s timer, leaving the request
	// pending when the idle assignment is found.
	h.clock.Set(t0.Add(21 * time.Minute))
	res := h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.InactivityReturns)
	assert.Zero(t, res.TransfersTimedOut)

	stored, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, stored.State)

	msgs, err := h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	var notices int
	for _, m := range msgs {
		if m.Direction == store.DirectionSystem {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestSweep_AgentActivityResetsInactivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770011", store.StatusInService, alice.ID)

	h.clock.Set(t0.Add(15 * time.Minute))
	_, _, err := h.svc.RecordAgentActivity(ctx, alice, c.ID, "Um momento, por favor")
	require.NoError(t, err)

	h.clock.Set(t0.Add(21 * time.Minute))
	assert.Zero(t, h.svc.Sweep(ctx).InactivityReturns)

	h.clock.Set(t0.Add(36 * time.Minute))
	assert.Equal(t, 1, h.svc.Sweep(ctx).InactivityReturns)
}

func TestSweep_CustomInactivityTimeout(t *testing.T) {
	h := newHarness(t)
	h.svc = New(h.store, h.pub, Config{Clock: h.clock, InactivityTimeout: 5 * time.Minute}, discardLogger())
	h.seed(t, "+5511977770012", store.StatusInService, alice.ID)

	h.clock.Set(t0.Add(6 * time.Minute))
	assert.Equal(t, 1, h.svc.Sweep(context.Background()).InactivityReturns)
}

func TestSweep_SessionExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.HandleInbound(ctx, InboundMessage{ChannelID: "+5511977770020", PatientName: "João", Content: "Bom dia"})
	require.NoError(t, err)
	first := res.Conversation

	h.clock.Set(t0.Add(SessionDuration - time.Second))
	assert.Zero(t, h.svc.Sweep(ctx).SessionsExpired)

	h.clock.Set(t0.Add(SessionDuration))
	assert.Equal(t, 1, h.svc.Sweep(ctx).SessionsExpired)

	got, err := h.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
	require.NotNil(t, got.CloseReason)
	assert.Equal(t, string(ReasonSessionExpired), *got.CloseReason)

	h.flush(t)
	types := h.pub.types(ConversationTopic(first.ID))
	assert.Equal(t, EventConversationClosed, types[len(types)-1])

	// The next message starts a new conversation with its own window.
	res, err = h.svc.HandleInbound(ctx, InboundMessage{ChannelID: "+5511977770020", Content: "Ainda estou aqui"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, first.ID, res.Conversation.ID)
	assert.Equal(t, h.clock.Now().Add(SessionDuration), res.Conversation.SessionExpiryTime)
}

func TestSweep_ExpiryClosesAssignedConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770021", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	h.clock.Set(t0.Add(SessionDuration + time.Hour))
	res := h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.SessionsExpired)
	assert.Zero(t, res.InactivityReturns, "closed before the inactivity pass saw it")

	got, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, got.State)

	h.flush(t)
	assert.Contains(t, h.pub.types(AgentTopic(alice.ID)), EventConversationClosed)
}

func TestSweep_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "+5511977770030", store.StatusInService, alice.ID)
	h.seed(t, "+5511977770031", store.StatusPrincipal, "")

	h.clock.Set(t0.Add(SessionDuration + time.Minute))
	first := h.svc.Sweep(ctx)
	assert.Equal(t, 2, first.SessionsExpired)
	h.flush(t)
	h.pub.reset()

	assert.Equal(t, SweepResult{}, h.svc.Sweep(ctx))
	h.flush(t)
	assert.Empty(t, h.pub.sent)
}

func TestSweep_TimesOutOverdueTransfers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770040", store.StatusInService, alice.ID)
	tr := h.requestTransfer(t, c)

	// Simulates a restart: the deadline passed while no timer was running.
	h.clock.Set(t0.Add(TransferTimeout + 5*time.Second))
	res := h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.TransfersTimedOut)

	got, err := h.svc.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferTimedOut, got.State)
}

func TestSweep_FailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511977770050", store.StatusPrincipal, "")

	h.clock.Set(t0.Add(SessionDuration))
	h.store.SetFailUpdates(errors.New("database is locked"))
	res := h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.Failures)
	assert.Zero(t, res.SessionsExpired)

	h.store.SetFailUpdates(nil)
	res = h.svc.Sweep(ctx)
	assert.Equal(t, 1, res.SessionsExpired)

	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
}

func TestRunSweeper(t *testing.T) {
	h := newHarness(t)
	c := h.seed(t, "+5511977770060", store.StatusPrincipal, "")
	h.clock.Set(t0.Add(SessionDuration))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.RunSweeper(ctx, 30*time.Second)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, err := h.store.GetConversation(context.Background(), c.ID)
		return err == nil && got.Status == store.StatusClosed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
