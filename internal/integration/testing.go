package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"stitchlab-agent/internal/domain"
)

// Config holds integration test configuration from environment
type Config struct {
	ModelID     string
	Region      string
	MemoryID    string
	TestTimeout time.Duration
	LiveAWS     bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	region := os.Getenv("BEDROCK_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return &Config{
		ModelID:     os.Getenv("BEDROCK_MODEL_ID"),
		Region:      region,
		MemoryID:    os.Getenv("BEDROCK_AGENTCORE_MEMORY_ID"),
		TestTimeout: 60 * time.Second,
		LiveAWS:     os.Getenv("STITCHLAB_E2E_AWS") == "1",
	}
}

// SkipUnlessLive skips tests that call AWS unless STITCHLAB_E2E_AWS=1 and a
// model id is set.
func SkipUnlessLive(t *testing.T, cfg *Config) {
	t.Helper()
	if !cfg.LiveAWS || cfg.ModelID == "" {
		t.Skip("Skipping live AWS test: set STITCHLAB_E2E_AWS=1 and BEDROCK_MODEL_ID")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewTestLogger discards output unless -v is set.
func NewTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewMCPTestServer serves an "add" tool over streamable HTTP. The MCP
// endpoint is the returned server's URL + "/mcp".
func NewMCPTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("integration", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool("add",
		mcp.WithDescription("Add two numbers together."),
		mcp.WithNumber("a", mcp.Required()),
		mcp.WithNumber("b", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := req.RequireInt("a")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := req.RequireInt("b")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprint(a + b)), nil
	})
	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts
}

// ScriptedModel calls one tool on a fresh user turn, then answers with the
// tool's output. It records every request it receives.
type ScriptedModel struct {
	Tool string
	Args string

	mu       sync.Mutex
	requests []domain.ChatRequest
}

func (m *ScriptedModel) Name() string { return "scripted" }

func (m *ScriptedModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	usage := domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == domain.RoleTool {
		return &domain.ChatResponse{
			Model:      "scripted",
			Message:    domain.Message{Role: domain.RoleAssistant, Content: "The answer is " + req.Messages[n-1].Content},
			StopReason: domain.StopEndTurn,
			Usage:      usage,
		}, nil
	}
	return &domain.ChatResponse{
		Model: "scripted",
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: fmt.Sprintf("call-%d", m.Calls()), Name: m.Tool, Arguments: []byte(m.Args)}},
		},
		StopReason: domain.StopToolUse,
		Usage:      usage,
	}, nil
}

// Requests returns a copy of the recorded requests.
func (m *ScriptedModel) Requests() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatRequest(nil), m.requests...)
}

// Calls returns how many requests were received.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// ScriptedBuilder hands out the same ScriptedModel for any spec.
type ScriptedBuilder struct {
	Model *ScriptedModel
}

func (b ScriptedBuilder) BuildModel(_ context.Context, spec domain.ModelSpec) (domain.ModelClient, error) {
	if strings.TrimSpace(spec.ModelID) == "" {
		return nil, domain.ErrInvalidInput
	}
	return b.Model, nil
}
