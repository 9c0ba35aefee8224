// Package gateway wires the clinic conversation engine to the network.
//
// # Overview
//
// Gateway owns the store, the conversation.Service, the event broadcaster,
// the inbound dedupe cache and the servers. Nothing in this package changes
// conversation state itself; every handler calls a Service operation and
// renders its result or error.
//
// # HTTP API
//
// Queue and transfer actions (api.go):
//
//   - POST /conversations/actions - take, return, to_bot, transfer, close, reopen
//   - POST /conversations/{id}/transfer-request - ask another agent to take over
//   - POST /transfer-requests/{id}/accept|reject|cancel
//   - GET /conversations/{id}/session - active, warning or expired
//   - POST /conversations/{id}/messages - agent reply, resets inactivity
//   - GET /conversations, /conversations/{id}, /conversations/{id}/messages
//   - GET /queues/summary - counts per status
//
// Collaborator hooks (bridge.go), supervisor or admin only:
//
//   - POST /inbound/messages - patient message from the channel provider
//   - POST /conversations/{id}/bot-handoff - bot escalates or assigns
//
// Errors are JSON bodies {"error": "...", "code": "..."} with the status
// from conversation.StatusCode. Retryable codes add Retry-After.
//
// # Real-time Events
//
// GET /ws upgrades to a WebSocket subscribed to agent:<caller>, plus
// conversation:<id> for each conversation query value and queue when
// queue=1. Each frame is
//
//	{"event": "conversation_updated", "data": {...}}
//
// A connection that falls behind is closed with code 1013 and should
// reconnect and refetch.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel()
//
// Run starts the lifecycle sweeper alongside the servers and shuts
// everything down when ctx ends. When server.grpc_addr is set, the standard
// gRPC health service reports SERVING while Run is active.
package gateway
