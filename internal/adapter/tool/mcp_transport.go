package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
)

const clientName = "stitchlab-agent"

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPTransport reaches an MCP server. Every Open starts a new client
// connection; the session owns it until Close.
type MCPTransport struct {
	name   string
	dial   func(ctx context.Context) (mcpClient, error)
	logger *slog.Logger
}

// NewMCPTransport builds a transport from remote tool configuration.
func NewMCPTransport(cfg config.RemoteToolsConfig, logger *slog.Logger) (*MCPTransport, error) {
	switch cfg.Transport {
	case "http":
		return NewStreamableHTTPTransport(cfg.URL, cfg.Headers, cfg.AuthToken, logger)
	case "stdio":
		return NewStdioTransport(cfg.Command, cfg.Args, cfg.Env, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported mcp transport %q", domain.ErrInvalidInput, cfg.Transport)
	}
}

// NewStreamableHTTPTransport returns a transport speaking MCP streamable HTTP to url.
// A non-empty authToken is sent as a bearer token.
func NewStreamableHTTPTransport(url string, headers map[string]string, authToken string, logger *slog.Logger) (*MCPTransport, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: mcp url is empty", domain.ErrInvalidInput)
	}
	hdrs := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		hdrs[k] = v
	}
	if authToken != "" {
		hdrs["Authorization"] = "Bearer " + authToken
	}

	return &MCPTransport{
		name:   url,
		logger: logger,
		dial: func(ctx context.Context) (mcpClient, error) {
			t, err := transport.NewStreamableHTTP(url, transport.WithHTTPHeaders(hdrs))
			if err != nil {
				return nil, fmt.Errorf("create http transport: %w", err)
			}
			c := mcpclient.NewClient(t)
			if err := c.Start(ctx); err != nil {
				return nil, fmt.Errorf("start http client: %w", err)
			}
			return c, nil
		},
	}, nil
}

// NewStdioTransport returns a transport that launches command and speaks MCP
// over its stdin/stdout.
func NewStdioTransport(command string, args []string, env map[string]string, logger *slog.Logger) (*MCPTransport, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: mcp command is empty", domain.ErrInvalidInput)
	}
	return &MCPTransport{
		name:   "stdio:" + command,
		logger: logger,
		dial: func(context.Context) (mcpClient, error) {
			c, err := mcpclient.NewStdioMCPClient(command, envSlice(env), args...)
			if err != nil {
				return nil, fmt.Errorf("create stdio client: %w", err)
			}
			return c, nil
		},
	}, nil
}

// Name implements domain.RemoteToolTransport.
func (t *MCPTransport) Name() string { return t.name }

// Open connects and performs the MCP initialize handshake.
func (t *MCPTransport) Open(ctx context.Context) (domain.RemoteToolSession, error) {
	c, err := t.dial(ctx)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", classifyTransportError(err))
	}

	t.logger.Debug("mcp session opened", "transport", t.name)
	return &mcpSession{transport: t.name, client: c, logger: t.logger}, nil
}

// mcpSession is one initialized MCP client connection.
type mcpSession struct {
	transport string
	client    mcpClient
	logger    *slog.Logger
}

func (s *mcpSession) ListTools(ctx context.Context) ([]domain.RemoteToolInfo, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, domain.WrapOp("list tools", classifyTransportError(err))
	}

	infos := make([]domain.RemoteToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		infos = append(infos, domain.RemoteToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t),
		})
	}
	s.logger.Debug("mcp tools listed", "transport", s.transport, "count", len(infos))
	return infos, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	var params map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &params); err != nil {
			return &domain.ToolResult{
				Content: fmt.Sprintf("invalid arguments: %v", err),
				IsError: true,
			}, nil
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = params

	result, err := s.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, domain.WrapOp("call tool "+name, classifyTransportError(err))
	}
	return &domain.ToolResult{
		Content: extractMCPContent(result),
		IsError: result.IsError,
	}, nil
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}

// inputSchema renders the tool's JSON schema, defaulting to an empty object schema.
func inputSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema
	}
	if t.InputSchema.Type == "" && t.InputSchema.Properties == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

var (
	_ domain.RemoteToolTransport = (*MCPTransport)(nil)
	_ domain.RemoteToolSession   = (*mcpSession)(nil)
)
