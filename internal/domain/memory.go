package domain

import "context"

// SessionScope identifies one conversation in one memory store.
type SessionScope struct {
	MemoryID  string `json:"memory_id"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id"`
	Region    string `json:"region"`
}

// SessionMemory provides conversational continuity for a single (actor, session).
// Instances are never shared across sessions.
type SessionMemory interface {
	Scope() SessionScope
	// History returns prior turns, oldest first.
	History(ctx context.Context) ([]Message, error)
	// Append persists one turn.
	Append(ctx context.Context, msg Message) error
}
