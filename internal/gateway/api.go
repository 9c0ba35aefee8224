// ABOUTME: HTTP API handlers for queue actions, transfer requests, sessions and read views
// ABOUTME: Every mutation goes through conversation.Service; engine errors map to JSON error bodies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/clinic-gateway/internal/auth"
	"github.com/2389/clinic-gateway/internal/conversation"
	"github.com/2389/clinic-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID                  string     `json:"id"`
	ChannelID           string     `json:"channelId"`
	PatientName         string     `json:"patientName,omitempty"`
	Status              string     `json:"status"`
	AssignedAgentID     *string    `json:"assignedAgentId"`
	Priority            string     `json:"priority"`
	SessionStartTime    time.Time  `json:"sessionStartTime"`
	SessionExpiryTime   time.Time  `json:"sessionExpiryTime"`
	LastUserActivityAt  *time.Time `json:"lastUserActivityAt"`
	LastAgentActivityAt *time.Time `json:"lastAgentActivityAt"`
	LastMessageID       *string    `json:"lastMessageId"`
	CloseReason         *string    `json:"closeReason,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// TransferResponse is the JSON shape of a transfer request.
type TransferResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	FromAgentID    string     `json:"fromAgentId"`
	ToAgentID      string     `json:"toAgentId"`
	State          string     `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// MessageResponse is the JSON shape of a transcript entry.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Direction      string    `json:"direction"`
	Author         string    `json:"author"`
	Content        string    `json:"content"`
	ExternalID     string    `json:"externalId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationMessageResponse pairs a conversation with the message that changed it.
type ConversationMessageResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Message      *MessageResponse     `json:"message,omitempty"`
}

// TransferRequestBody is the JSON body of POST /conversations/{id}/transfer-request.
type TransferRequestBody struct {
	ToAgentID string `json:"toAgentId"`
}

// AgentMessageBody is the JSON body of POST /conversations/{id}/messages.
type AgentMessageBody struct {
	Content string `json:"content"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:                  c.ID,
		ChannelID:           c.ChannelID,
		PatientName:         c.PatientName,
		Status:              string(c.Status),
		AssignedAgentID:     c.AssignedAgentID,
		Priority:            string(c.Priority),
		SessionStartTime:    c.SessionStartTime,
		SessionExpiryTime:   c.SessionExpiryTime,
		LastUserActivityAt:  c.LastUserActivityAt,
		LastAgentActivityAt: c.LastAgentActivityAt,
		LastMessageID:       c.LastMessageID,
		CloseReason:         c.CloseReason,
		Version:             c.Version,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func toTransferResponse(tr *store.TransferRequest) TransferResponse {
	return TransferResponse{
		ID:             tr.ID,
		ConversationID: tr.ConversationID,
		FromAgentID:    tr.FromAgentID,
		ToAgentID:      tr.ToAgentID,
		State:          string(tr.State),
		CreatedAt:      tr.CreatedAt,
		ExpiresAt:      tr.ExpiresAt,
		ResolvedAt:     tr.ResolvedAt,
	}
}

func toMessageResponse(m *store.Message) *MessageResponse {
	if m == nil {
		return nil
	}
	return &MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      string(m.Direction),
		Author:         m.Author,
		Content:        m.Content,
		ExternalID:     m.ExternalID,
		CreatedAt:      m.CreatedAt,
	}
}

// routes builds the HTTP mux. Health and metrics are open; everything else
// requires an actor.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler)
	}

	authn := auth.Middleware(g.verifier, g.logger)
	elevated := auth.RequireElevated()
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authn(h))
	}
	hook := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authn(elevated(h)))
	}

	api("POST /conversations/actions", g.handleAction)
	api("GET /conversations", g.handleListConversations)
	api("GET /conversations/{id}", g.handleGetConversation)
	api("GET /conversations/{id}/session", g.handleSession)
	api("GET /conversations/{id}/messages", g.handleListMessages)
	api("POST /conversations/{id}/messages", g.handleAgentMessage)
	api("GET /conversations/{id}/transfer-request", g.handlePendingTransfer)
	api("POST /conversations/{id}/transfer-request", g.handleRequestTransfer)
	api("GET /transfer-requests/{id}", g.handleGetTransfer)
	api("POST /transfer-requests/{id}/accept", g.handleAcceptTransfer)
	api("POST /transfer-requests/{id}/reject", g.handleRejectTransfer)
	api("POST /transfer-requests/{id}/cancel", g.handleCancelTransfer)
	api("GET /queues/summary", g.handleQueueSummary)
	api("GET /ws", g.handleWebSocket)

	hook("POST /inbound/messages", g.handleInbound)
	hook("POST /conversations/{id}/bot-handoff", g.handleBotHandoff)

	return mux
}

// writeJSON writes body as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// sendEngineError maps an engine error to its HTTP status and code.
// Retryable failures carry a Retry-After hint.
func (g *Gateway) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := conversation.StatusCode(err)
	code := conversation.Code(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	if conversation.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if code == conversation.CodeInternal {
		msg = "internal error"
	}
	sendJSONError(w, status, code, msg)
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

// handleAction handles POST /conversations/actions.
func (g *Gateway) handleAction(w http.ResponseWriter, r *http.Request) {
	var req conversation.ActionRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	actor := auth.MustFromContext(r.Context())
	c, err := g.conversation.Apply(r.Context(), actor, req)
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(c))
}

// handleListConversations handles GET /conversations?status=&agent=&channel=&limit=.
// status may repeat or be comma separated.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConversationFilter{
		AssignedAgentID: q.Get("agent"),
		ChannelID:       q.Get("channel"),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := store.ParseStatus(part)
			if err != nil {
				sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	filter.Limit = limit

	list, err := g.conversation.List(r.Context(), filter)
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	out := make([]ConversationResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetConversation handles GET /conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := g.conversation.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(c))
}

// handleSession handles GET /conversations/{id}/session.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.conversation.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// handleListMessages handles GET /conversations/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	msgs, err := g.conversation.Messages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	out := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAgentMessage handles POST /conversations/{id}/messages: a reply by
// the assigned agent, which also resets the inactivity clock.
func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var body AgentMessageBody
	if err := decodeBody(r, &body); err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	actor := auth.MustFromContext(r.Context())
	c, msg, err := g.conversation.RecordAgentActivity(r.Context(), actor, r.PathValue("id"), body.Content)
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConversationMessageResponse{
		Conversation: toConversationResponse(c),
		Message:      toMessageResponse(msg),
	})
}

// handlePendingTransfer handles GET /conversations/{id}/transfer-request.
func (g *Gateway) handlePendingTransfer(w http.ResponseWriter, r *http.Request) {
	tr, err := g.conversation.PendingTransfer(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(tr))
}

// handleRequestTransfer handles POST /conversations/{id}/transfer-request.
func (g *Gateway) handleRequestTransfer(w http.ResponseWriter, r *http.Request) {
	var body TransferRequestBody
	if err := decodeBody(r, &body); err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	actor := auth.MustFromContext(r.Context())
	tr, err := g.conversation.RequestTransfer(r.Context(), actor, r.PathValue("id"), body.ToAgentID)
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferResponse(tr))
}

// handleGetTransfer handles GET /transfer-requests/{id}.
func (g *Gateway) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	tr, err := g.conversation.GetTransfer(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(tr))
}

// handleAcceptTransfer handles POST /transfer-requests/{id}/accept and
// returns the reassigned conversation.
func (g *Gateway) handleAcceptTransfer(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())
	c, err := g.conversation.AcceptTransfer(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(c))
}

// handleRejectTransfer handles POST /transfer-requests/{id}/reject.
func (g *Gateway) handleRejectTransfer(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())
	tr, err := g.conversation.RejectTransfer(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(tr))
}

// handleCancelTransfer handles POST /transfer-requests/{id}/cancel.
func (g *Gateway) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())
	tr, err := g.conversation.CancelTransfer(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(tr))
}

// handleQueueSummary handles GET /queues/summary. Every status is present,
// zero when empty.
func (g *Gateway) handleQueueSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := g.conversation.QueueSummary(r.Context())
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	out := make(map[string]int, len(store.AllStatuses))
	for _, s := range store.AllStatuses {
		out[string(s)] = counts[s]
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	counts, err := g.store.CountByStatus(r.Context())
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	open := 0
	for status, n := range counts {
		if status.Open() {
			open += n
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d open conversations)", open)
}
