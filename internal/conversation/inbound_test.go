// ABOUTME: Tests for inbound patient messages, agent replies and bot handoff
// ABOUTME: Covers conversation creation, redelivery suppression and activity tracking

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clinic-gateway/internal/store"
)

// memDeduper is a Deduper backed by a map.
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true
	}
	d.seen[key] = true
	return false
}

func (d *memDeduper) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

func TestHandleInbound_StartsConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.HandleInbound(ctx, InboundMessage{
		ChannelID:   "+5511966660001",
		PatientName: "Ana",
		MessageID:   "wamid.1",
		Content:     "Quero marcar uma consulta",
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	c := res.Conversation
	assert.Equal(t, store.StatusBotQueue, c.Status)
	assert.Equal(t, store.PriorityMedium, c.Priority)
	assert.Equal(t, "Ana", c.PatientName)
	assert.Equal(t, t0, c.SessionStartTime)
	assert.Equal(t, t0.Add(SessionDuration), c.SessionExpiryTime)
	require.NotNil(t, c.LastMessageID)
	assert.Equal(t, res.Message.ID, *c.LastMessageID)
	assert.Equal(t, store.DirectionInbound, res.Message.Direction)
	assert.Equal(t, "wamid.1", res.Message.ExternalID)

	h.flush(t)
	queue := h.pub.events(QueueTopic)
	require.Len(t, queue, 1)
	assert.Equal(t, ReasonNewConversation, queue[0].Reason)
	assert.Equal(t,
		[]EventType{EventConversationUpdated, EventConversationUpdated},
		h.pub.types(ConversationTopic(c.ID)))
}

func TestHandleInbound_AppendsToOpenConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.HandleInbound(ctx, InboundMessage{ChannelID: "+5511966660002", Content: "Olá"})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.svc.HandleInbound(ctx, InboundMessage{ChannelID: "+5511966660002", Content: "Alguém aí?", Priority: store.PriorityHigh})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, store.PriorityHigh, second.Conversation.Priority)
	assert.Equal(t, t0.Add(time.Minute), *second.Conversation.LastUserActivityAt)
	assert.Equal(t, t0.Add(SessionDuration), second.Conversation.SessionExpiryTime, "window is not extended")

	msgs, err := h.svc.Messages(ctx, first.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Olá", msgs[0].Content)
	assert.Equal(t, "Alguém aí?", msgs[1].Content)
}

func TestHandleInbound_ExpiredConversationIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.seed(t, "+5511966660003", store.StatusInService, alice.ID)

	h.clock.Set(t0.Add(SessionDuration + time.Hour))
	res, err := h.svc.HandleInbound(ctx, InboundMessage{ChannelID: old.ChannelID, Content: "Oi"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, old.ID, res.Conversation.ID)

	got, err := h.svc.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
	assert.Equal(t, string(ReasonSessionExpired), *got.CloseReason)
}

func TestHandleInbound_DropsRedelivery(t *testing.T) {
	h := newHarness(t)
	h.svc = New(h.store, h.pub, Config{Clock: h.clock, Deduper: &memDeduper{seen: map[string]bool{}}}, discardLogger())
	ctx := context.Background()
	in := InboundMessage{ChannelID: "+5511966660004", MessageID: "wamid.9", Content: "Oi"}

	first, err := h.svc.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := h.svc.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	msgs, err := h.svc.Messages(ctx, first.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandleInbound_FailureAllowsRedelivery(t *testing.T) {
	h := newHarness(t)
	h.svc = New(h.store, h.pub, Config{Clock: h.clock, Deduper: &memDeduper{seen: map[string]bool{}}}, discardLogger())
	ctx := context.Background()
	c := h.seed(t, "+5511966660005", store.StatusBotQueue, "")
	in := InboundMessage{ChannelID: "+5511966660005", MessageID: "wamid.10", Content: "Oi"}

	h.store.SetFailUpdates(assert.AnError)
	_, err := h.svc.HandleInbound(ctx, in)
	requireCode(t, err, ErrStoreUnavailable)

	msgs, err := h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a failed write leaves no transcript entry")

	h.store.SetFailUpdates(nil)
	res, err := h.svc.HandleInbound(ctx, in)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	msgs, err = h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the redelivered message is recorded once")
	assert.Equal(t, "wamid.10", msgs[0].ExternalID)
	assert.Equal(t, msgs[0].ID, *res.Conversation.LastMessageID)
}

func TestHandleInbound_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.HandleInbound(ctx, InboundMessage{Content: "oi"})
	requireCode(t, err, ErrInvalid)

	_, err = h.svc.HandleInbound(ctx, InboundMessage{ChannelID: "+1", Content: "   "})
	requireCode(t, err, ErrInvalid)
}

func TestHandleInbound_ConcurrentFirstMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.HandleInbound(ctx, InboundMessage{ChannelID: "+5511966660006", Content: "oi"})
			if assert.NoError(t, err) {
				ids[i] = res.Conversation.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all messages land on one conversation")
	}
}

func TestRecordAgentActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511966660010", store.StatusInService, alice.ID)
	waiting := h.seed(t, "+5511966660011", store.StatusPrincipal, "")

	h.clock.Advance(3 * time.Minute)
	got, msg, err := h.svc.RecordAgentActivity(ctx, alice, c.ID, "Bom dia, Maria")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Minute), *got.LastAgentActivityAt)
	assert.Equal(t, msg.ID, *got.LastMessageID)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, alice.ID, msg.Author)

	_, _, err = h.svc.RecordAgentActivity(ctx, bob, c.ID, "oi")
	requireCode(t, err, ErrUnauthorized)

	_, _, err = h.svc.RecordAgentActivity(ctx, alice, waiting.ID, "oi")
	requireCode(t, err, ErrPreconditionFailed)

	_, _, err = h.svc.RecordAgentActivity(ctx, alice, c.ID, "")
	requireCode(t, err, ErrInvalid)
}

func TestRecordAgentActivity_FailedWriteLeavesNoTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.seed(t, "+5511966660012", store.StatusInService, alice.ID)

	h.clock.Advance(time.Minute)
	h.store.SetFailUpdates(assert.AnError)
	_, _, err := h.svc.RecordAgentActivity(ctx, alice, c.ID, "Já volto")
	requireCode(t, err, ErrStoreUnavailable)

	msgs, err := h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, *got.LastAgentActivityAt, "inactivity clock untouched")

	h.store.SetFailUpdates(nil)
	_, msg, err := h.svc.RecordAgentActivity(ctx, alice, c.ID, "Já volto")
	require.NoError(t, err)
	msgs, err = h.svc.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestBotHandoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	queued := h.seed(t, "+5511966660020", store.StatusBotQueue, "")
	direct := h.seed(t, "+5511966660021", store.StatusBotQueue, "")

	got, err := h.svc.BotHandoff(ctx, queued.ID, HandoffQueue, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPrincipal, got.Status)

	again, err := h.svc.BotHandoff(ctx, queued.ID, HandoffQueue, "")
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "repeat is a no-op")

	got, err = h.svc.BotHandoff(ctx, direct.ID, HandoffAssign, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInService, got.Status)
	assert.Equal(t, bob.ID, got.AssignedTo())

	_, err = h.svc.BotHandoff(ctx, direct.ID, HandoffQueue, "")
	requireCode(t, err, ErrPreconditionFailed)

	_, err = h.svc.BotHandoff(ctx, direct.ID, HandoffAssign, "")
	requireCode(t, err, ErrInvalid)

	_, err = h.svc.BotHandoff(ctx, direct.ID, "escalate", "")
	requireCode(t, err, ErrInvalid)

	h.flush(t)
	queue := h.pub.events(QueueTopic)
	require.NotEmpty(t, queue)
	assert.Equal(t, ReasonBotHandoff, queue[0].Reason)
}
