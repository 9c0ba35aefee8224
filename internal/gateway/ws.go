// ABOUTME: WebSocket endpoint streaming conversation, agent and queue events to the frontend
// ABOUTME: One broadcaster subscription per connection; eviction or shutdown closes the socket

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/clinic-gateway/internal/auth"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxInboundSize = 512
)

// Identity comes from the token or headers, never cookies.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket handles GET /ws. Query parameters:
//   - conversation: conversation ids to follow (repeatable)
//   - queue=1: also receive queue_updated events
//
// The agent topic of the caller is always subscribed.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())
	topics := subscriptionTopics(actor, r)

	// Subscribed before the handshake completes, so a client that sees the
	// upgrade cannot miss an event published right after it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, subID := g.broadcaster.Subscribe(ctx, topics...)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "agent_id", actor.ID, "error", err)
		return
	}
	defer conn.Close()
	g.logger.Debug("websocket subscribed", "agent_id", actor.ID, "sub_id", subID, "topics", topics)

	// The read loop only handles control frames and notices the peer leaving.
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxInboundSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Evicted for falling behind, or the gateway is shutting down.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"))
				g.logger.Debug("websocket subscription ended", "agent_id", actor.ID, "sub_id", subID)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(toFrame(ev)); err != nil {
				g.logger.Debug("websocket write failed", "agent_id", actor.ID, "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
