package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
)

// newTestMCPServer serves an "add" and an "echo" tool over streamable HTTP.
func newTestMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool("add",
		mcp.WithDescription("Add two numbers together."),
		mcp.WithNumber("a", mcp.Required()),
		mcp.WithNumber("b", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
	s.AddTool(mcp.NewTool("echo", mcp.WithString("text")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("text", "")), nil
		})

	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts
}

func TestStreamableHTTPTransportRoundTrip(t *testing.T) {
	ts := newTestMCPServer(t)
	tr, err := NewStreamableHTTPTransport(ts.URL+"/mcp", nil, "", newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/mcp", tr.Name())

	ctx := context.Background()
	sess, err := tr.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	infos, err := sess.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	names := []string{infos[0].Name, infos[1].Name}
	assert.ElementsMatch(t, []string{"add", "echo"}, names)
	for _, info := range infos {
		if info.Name == "add" {
			assert.Equal(t, "Add two numbers together.", info.Description)
			assert.Contains(t, string(info.InputSchema), `"required"`)
		}
	}

	res, err := sess.CallTool(ctx, "add", json.RawMessage(`{"a":2,"b":40}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "42", res.Content)
}

func TestStreamableHTTPTransportSendsAuthHeader(t *testing.T) {
	ts := newTestMCPServer(t)
	var sawAuth atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization") + "|" + r.Header.Get("X-Tenant"))
		ts.Config.Handler.ServeHTTP(w, r)
	}))
	defer proxy.Close()

	tr, err := NewStreamableHTTPTransport(proxy.URL+"/mcp", map[string]string{"X-Tenant": "acme"}, "s3cret", newTestLogger())
	require.NoError(t, err)

	sess, err := tr.Open(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "Bearer s3cret|acme", sawAuth.Load())
}

func TestStreamableHTTPTransportOpenFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	tr, err := NewStreamableHTTPTransport(ts.URL, nil, "", newTestLogger())
	require.NoError(t, err)
	_, err = tr.Open(context.Background())
	assert.Error(t, err)
}

func TestNewMCPTransport(t *testing.T) {
	_, err := NewMCPTransport(config.RemoteToolsConfig{Transport: "http"}, newTestLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "http requires a url")

	_, err = NewMCPTransport(config.RemoteToolsConfig{Transport: "stdio"}, newTestLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "stdio requires a command")

	_, err = NewMCPTransport(config.RemoteToolsConfig{Transport: "sse"}, newTestLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	tr, err := NewMCPTransport(config.RemoteToolsConfig{Transport: "stdio", Command: "mcp-tools"}, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "stdio:mcp-tools", tr.Name())
}

// --- session tests with a fake client ---

type fakeMCPClient struct {
	tools   []mcp.Tool
	listErr error
	callErr error
	lastReq mcp.CallToolRequest
	closed  bool
}

func (f *fakeMCPClient) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeMCPClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCPClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.lastReq = req
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent("line1"), mcp.NewTextContent("line2")},
		IsError: true,
	}, nil
}

func (f *fakeMCPClient) Close() error { f.closed = true; return nil }

func fakeTransport(c *fakeMCPClient) *MCPTransport {
	return &MCPTransport{
		name:   "fake",
		logger: newTestLogger(),
		dial:   func(context.Context) (mcpClient, error) { return c, nil },
	}
}

func TestMCPSessionListToolsPreservesOrder(t *testing.T) {
	c := &fakeMCPClient{tools: []mcp.Tool{{Name: "r2"}, {Name: "r1"}, {Name: "r3"}}}
	sess, err := fakeTransport(c).Open(context.Background())
	require.NoError(t, err)

	infos, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "r2", infos[0].Name)
	assert.Equal(t, "r1", infos[1].Name)
	assert.Equal(t, "r3", infos[2].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(infos[0].InputSchema))

	require.NoError(t, sess.Close())
	assert.True(t, c.closed)
}

func TestMCPSessionErrors(t *testing.T) {
	c := &fakeMCPClient{listErr: errors.New("boom"), callErr: errors.New("gone")}
	sess, err := fakeTransport(c).Open(context.Background())
	require.NoError(t, err)

	_, err = sess.ListTools(context.Background())
	assert.ErrorContains(t, err, "list tools")

	_, err = sess.CallTool(context.Background(), "add", json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "call tool add")

	res, err := sess.CallTool(context.Background(), "add", json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.True(t, res.IsError, "non-object arguments are rejected locally")
}

func TestMCPSessionCallToolContent(t *testing.T) {
	c := &fakeMCPClient{}
	sess, err := fakeTransport(c).Open(context.Background())
	require.NoError(t, err)

	res, err := sess.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "line1\nline2", res.Content)
	assert.Equal(t, "echo", c.lastReq.Params.Name)
	assert.Equal(t, map[string]any{"text": "hi"}, c.lastReq.Params.Arguments)
}

func TestEnvSlice(t *testing.T) {
	assert.Nil(t, envSlice(nil))
	assert.Equal(t, []string{"A=1"}, envSlice(map[string]string{"A": "1"}))
}

func TestMCPSessionTagsTransientErrors(t *testing.T) {
	c := &fakeMCPClient{
		listErr: errors.New("Post \"http://tools:8000/mcp\": dial tcp: connection refused"),
		callErr: errors.New("invalid params for tool add"),
	}
	sess, err := fakeTransport(c).Open(context.Background())
	require.NoError(t, err)

	_, err = sess.ListTools(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.True(t, domain.IsRetryableError(err))

	_, err = sess.CallTool(context.Background(), "add", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.False(t, domain.IsRetryableError(err), "server-side rejections are permanent")
}

func TestMCPTransportOpenTimeout(t *testing.T) {
	tr := &MCPTransport{
		name:   "slow",
		logger: newTestLogger(),
		dial: func(ctx context.Context) (mcpClient, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tr.Open(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
