package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the model's tool-use protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a model's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID  string `json:"tool_call_id"`
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// Tool is the interface every tool must implement. Identity is by Name.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolSource labels where a resolved tool came from.
type ToolSource string

const (
	ToolSourceLocal  ToolSource = "local"
	ToolSourceRemote ToolSource = "remote"
)

// RemoteToolTransport is a handle to a remote tool-discovery service.
// Open starts a scoped session; the caller must Close it.
type RemoteToolTransport interface {
	Name() string
	Open(ctx context.Context) (RemoteToolSession, error)
}

// RemoteToolSession is an open connection to a remote tool service.
type RemoteToolSession interface {
	// ListTools returns every discoverable tool in server order.
	ListTools(ctx context.Context) ([]RemoteToolInfo, error)
	// CallTool invokes a tool by its remote name.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
	Close() error
}

// RemoteToolInfo is the descriptor returned by remote discovery.
type RemoteToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
