// ABOUTME: WebSocket frame encoding and topic selection for real-time subscribers
// ABOUTME: Maps a connecting actor and its query parameters onto broadcaster topics

package gateway

import (
	"net/http"
	"strings"

	"github.com/2389/clinic-gateway/internal/conversation"
)

// Frame is one WebSocket message sent to a subscriber.
type Frame struct {
	Event string              `json:"event"`
	Data  *conversation.Event `json:"data"`
}

func toFrame(ev *conversation.Event) Frame {
	return Frame{Event: string(ev.Type), Data: ev}
}

// subscriptionTopics returns the topics a WebSocket connection listens on:
// the actor's own agent topic, one topic per conversation query value
// (repeated or comma separated) and the queue topic when queue=1 or
// queue=true. Duplicates are dropped.
func subscriptionTopics(actor conversation.Actor, r *http.Request) []string {
	q := r.URL.Query()
	seen := make(map[string]bool)
	var topics []string
	add := func(topic string) {
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}

	add(conversation.AgentTopic(actor.ID))
	for _, raw := range q["conversation"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				add(conversation.ConversationTopic(id))
			}
		}
	}
	switch strings.ToLower(q.Get("queue")) {
	case "1", "true", "yes":
		add(conversation.QueueTopic)
	}
	return topics
}
