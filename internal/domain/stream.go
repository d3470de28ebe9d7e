package domain

// AgentEventType labels an AgentEvent.
type AgentEventType string

const (
	AgentEventDelta     AgentEventType = "delta"
	AgentEventToolStart AgentEventType = "tool_start"
	AgentEventToolEnd   AgentEventType = "tool_end"
)

// AgentEvent is an incremental notification emitted while an agent turn runs.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Content   string         `json:"content,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Iteration int            `json:"iteration"`
}

// EventSink receives AgentEvents. A non-nil error aborts the turn.
type EventSink func(AgentEvent) error
