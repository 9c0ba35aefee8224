// ABOUTME: Actor identity and role checks used by every transition
// ABOUTME: Supervisors, admins and the system actor may override ownership

package conversation

import (
	"fmt"
	"strings"
)

// Role is the authority level of an actor.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system" // timers, sweeps, bot
)

// ParseRole parses a role name. Empty input is a regular agent.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleAgent, nil
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Actor is whoever performs an action.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// Elevated reports whether the actor may act on conversations owned by others.
func (a Actor) Elevated() bool {
	return a.Role == RoleSupervisor || a.Role == RoleAdmin || a.Role == RoleSystem
}

// DisplayName returns Name, falling back to ID.
func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// SystemActor identifies engine-initiated transitions.
var SystemActor = Actor{ID: "system", Name: "System", Role: RoleSystem}

// BotActor identifies transitions requested by the bot.
var BotActor = Actor{ID: "bot", Name: "Bot", Role: RoleSystem}

// canTouch reports whether actor may act on a conversation currently
// assigned to assignee ("" when unassigned).
func (a Actor) canTouch(assignee string) bool {
	return assignee == "" || assignee == a.ID || a.Elevated()
}
