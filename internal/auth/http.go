// ABOUTME: HTTP middleware that establishes the acting agent for API and WebSocket requests
// ABOUTME: Bearer JWT when a verifier is configured, X-Agent-* headers in dev mode

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/clinic-gateway/internal/conversation"
)

// Dev mode headers.
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderAgentName = "X-Agent-Name"
	HeaderAgentRole = "X-Agent-Role"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken finds the token in the Authorization header or, for
// WebSocket upgrades that cannot set headers from a browser, the token
// query parameter.
func requestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// headerActor reads the dev mode identity headers.
func headerActor(r *http.Request) (conversation.Actor, string) {
	id := strings.TrimSpace(r.Header.Get(HeaderAgentID))
	if id == "" {
		id = r.URL.Query().Get("agentId")
	}
	if id == "" {
		return conversation.Actor{}, "missing " + HeaderAgentID + " header"
	}
	role, err := conversation.ParseRole(r.Header.Get(HeaderAgentRole))
	if err != nil {
		return conversation.Actor{}, err.Error()
	}
	return conversation.Actor{ID: id, Name: r.Header.Get(HeaderAgentName), Role: role}, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + strings.ReplaceAll(msg, `"`, `'`) + `","code":"unauthenticated"}`))
}

// Middleware attaches the acting agent to the request context. With a nil
// verifier it runs in dev mode and trusts the X-Agent-* headers. Requests
// without a usable identity get 401.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var actor conversation.Actor
			if verifier == nil {
				var errMsg string
				if actor, errMsg = headerActor(r); errMsg != "" {
					writeAuthError(w, http.StatusUnauthorized, errMsg)
					return
				}
			} else {
				token, errMsg := requestToken(r)
				if errMsg != "" {
					writeAuthError(w, http.StatusUnauthorized, errMsg)
					return
				}
				var err error
				if actor, err = verifier.Verify(token); err != nil {
					logger.Debug("rejected token", "path", r.URL.Path, "error", err)
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireElevated allows only supervisors and admins. Must be used after
// Middleware.
func RequireElevated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := FromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !actor.Elevated() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"supervisor or admin role required","code":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
