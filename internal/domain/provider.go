package domain

import "context"

// ModelClient is the interface for the language-model backend.
type ModelClient interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the model identifier the client was built for.
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming model response.
type StreamDelta struct {
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Done       bool       `json:"done,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	Err        error      `json:"-"`
}

// StreamingModelClient extends ModelClient with streaming support.
type StreamingModelClient interface {
	ModelClient
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// GuardrailTrace controls whether guardrail decisions are traced.
type GuardrailTrace string

const (
	GuardrailTraceEnabled  GuardrailTrace = "enabled"
	GuardrailTraceDisabled GuardrailTrace = "disabled"
)

// Valid reports whether t is a recognized trace mode.
func (t GuardrailTrace) Valid() bool {
	return t == GuardrailTraceEnabled || t == GuardrailTraceDisabled
}

// Guardrail identifies a content-safety policy. The zero value means no guardrail.
type Guardrail struct {
	ID      string
	Version string
}

// Enabled reports whether both identifier and version are set.
func (g Guardrail) Enabled() bool { return g.ID != "" && g.Version != "" }

// ModelSpec is everything needed to construct a model client.
type ModelSpec struct {
	ModelID   string
	Trace     GuardrailTrace
	Guardrail Guardrail
}
