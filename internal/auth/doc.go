// Package auth identifies the agent behind each API and WebSocket request.
//
// Two modes are supported:
//
//   - JWT: HS256 bearer tokens signed with auth.jwt_secret. The sub claim is
//     the agent id; name and role (agent, supervisor, admin) are optional.
//     Browsers opening a WebSocket may pass the token as ?token=.
//
//   - Dev mode: with no secret configured, X-Agent-ID, X-Agent-Name and
//     X-Agent-Role headers are trusted as-is.
//
// The middleware stores a conversation.Actor in the request context;
// handlers read it with FromContext. RequireElevated gates the bot and
// inbound hooks to supervisor and admin identities.
package auth
