package domain

// Invocation is one inbound request to the agent runtime, as extracted by
// the application shell.
type Invocation struct {
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// InvocationResult is the final outcome of one agent turn.
type InvocationResult struct {
	Content    string   `json:"content"`
	StopReason string   `json:"stop_reason"`
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	Usage      Usage    `json:"usage"`
}
