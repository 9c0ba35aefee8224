// ABOUTME: Collaborator hooks: inbound patient messages from the channel provider and bot handoff decisions
// ABOUTME: Redeliveries of the same provider message id are acknowledged without being recorded twice

package gateway

import (
	"net/http"

	"github.com/2389/clinic-gateway/internal/conversation"
	"github.com/2389/clinic-gateway/internal/store"
)

// InboundMessageBody is the JSON body of POST /inbound/messages, sent by the
// channel provider bridge (e.g. the WhatsApp webhook relay).
//   - ChannelID: the patient's channel identifier, usually a phone number
//   - MessageID: the provider's message id, used to drop redeliveries
type InboundMessageBody struct {
	ChannelID   string `json:"channelId"`
	PatientName string `json:"patientName,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Content     string `json:"content"`
	Priority    string `json:"priority,omitempty"`
}

// InboundMessageResponse reports what the engine did with an inbound message.
type InboundMessageResponse struct {
	Conversation *ConversationResponse `json:"conversation,omitempty"`
	Message      *MessageResponse      `json:"message,omitempty"`
	Created      bool                  `json:"created"`
	Duplicate    bool                  `json:"duplicate"`
}

// BotHandoffBody is the JSON body of POST /conversations/{id}/bot-handoff.
type BotHandoffBody struct {
	Decision string `json:"decision"` // "queue" or "assign"
	AgentID  string `json:"agentId,omitempty"`
}

// handleInbound handles POST /inbound/messages. A new conversation answers
// 201, an existing one or a duplicate 200.
func (g *Gateway) handleInbound(w http.ResponseWriter, r *http.Request) {
	var body InboundMessageBody
	if err := decodeBody(r, &body); err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	priority, err := store.ParsePriority(body.Priority)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}

	res, err := g.conversation.HandleInbound(r.Context(), conversation.InboundMessage{
		ChannelID:   body.ChannelID,
		PatientName: body.PatientName,
		MessageID:   body.MessageID,
		Content:     body.Content,
		Priority:    priority,
	})
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}

	if res.Duplicate {
		g.logger.Debug("duplicate inbound message ignored",
			"channel_id", body.ChannelID,
			"message_id", body.MessageID,
		)
		writeJSON(w, http.StatusOK, InboundMessageResponse{Duplicate: true})
		return
	}

	conv := toConversationResponse(res.Conversation)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, InboundMessageResponse{
		Conversation: &conv,
		Message:      toMessageResponse(res.Message),
		Created:      res.Created,
	})
}

// handleBotHandoff handles POST /conversations/{id}/bot-handoff.
func (g *Gateway) handleBotHandoff(w http.ResponseWriter, r *http.Request) {
	var body BotHandoffBody
	if err := decodeBody(r, &body); err != nil {
		sendJSONError(w, http.StatusBadRequest, conversation.CodeInvalid, err.Error())
		return
	}
	c, err := g.conversation.BotHandoff(r.Context(), r.PathValue("id"), body.Decision, body.AgentID)
	if err != nil {
		g.sendEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(c))
}
