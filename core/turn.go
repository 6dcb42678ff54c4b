package core

import (
	"fmt"
	"time"
)

// Role identifies who produced a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole converts a raw role string, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ChatTurn is a single dialogue turn. Turns are immutable once created;
// Seq is assigned by the working memory buffer and increases by one per turn.
type ChatTurn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
}

// Line renders the turn the way it is shown to the generation backend.
func (t ChatTurn) Line() string {
	return string(t.Role) + ": " + t.Text
}
