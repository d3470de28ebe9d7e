package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"stitchlab-agent/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockModel is a non-streaming model client that replays scripted responses.
type mockModel struct {
	name string

	mu        sync.Mutex
	responses []domain.ChatResponse
	idx       int
	err       error
	requests  []domain.ChatRequest
}

func (m *mockModel) Name() string {
	if m.name == "" {
		return "mock-model"
	}
	return m.name
}

func (m *mockModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.idx >= len(m.responses) {
		return &domain.ChatResponse{
			Message:    domain.Message{Role: domain.RoleAssistant, Content: "done"},
			StopReason: domain.StopEndTurn,
		}, nil
	}
	resp := m.responses[m.idx]
	m.idx++
	return &resp, nil
}

func (m *mockModel) Requests() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatRequest(nil), m.requests...)
}

// mockStreamingModel replays one slice of deltas per ChatStream call.
type mockStreamingModel struct {
	mockModel

	streamMu  sync.Mutex
	streams   [][]domain.StreamDelta
	streamIdx int
	streamErr error
}

func (m *mockStreamingModel) ChatStream(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	var deltas []domain.StreamDelta
	if m.streamIdx < len(m.streams) {
		deltas = m.streams[m.streamIdx]
		m.streamIdx++
	} else {
		deltas = []domain.StreamDelta{{Content: "fallback", StopReason: domain.StopEndTurn, Done: true}}
	}
	ch := make(chan domain.StreamDelta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// mockTool is a local tool with a pluggable handler.
type mockTool struct {
	name    string
	handler func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
	calls   atomic.Int32
}

func newMockTool(name string) *mockTool {
	return &mockTool{name: name}
}

func (t *mockTool) Name() string        { return t.name }
func (t *mockTool) Description() string { return "mock tool " + t.name }

func (t *mockTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.name,
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}
}

func (t *mockTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	t.calls.Add(1)
	if t.handler != nil {
		return t.handler(ctx, params)
	}
	return &domain.ToolResult{Content: t.name + " ok"}, nil
}

// mockModelBuilder counts constructions and can be made to fail.
type mockModelBuilder struct {
	mu    sync.Mutex
	specs []domain.ModelSpec
	err   error
	build func(spec domain.ModelSpec) (domain.ModelClient, error)
}

func (b *mockModelBuilder) BuildModel(_ context.Context, spec domain.ModelSpec) (domain.ModelClient, error) {
	b.mu.Lock()
	b.specs = append(b.specs, spec)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if b.build != nil {
		return b.build(spec)
	}
	return &mockModel{name: spec.ModelID}, nil
}

func (b *mockModelBuilder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.specs)
}

// mockMemory is an in-memory SessionMemory.
type mockMemory struct {
	scope domain.SessionScope

	mu        sync.Mutex
	messages  []domain.Message
	loadErr   error
	appendErr error
}

func (m *mockMemory) Scope() domain.SessionScope { return m.scope }

func (m *mockMemory) History(_ context.Context) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]domain.Message(nil), m.messages...), nil
}

func (m *mockMemory) Append(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockMemory) Messages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.messages...)
}

// mockSessionBuilder hands out a new mockMemory per call.
type mockSessionBuilder struct {
	mu     sync.Mutex
	scopes []domain.SessionScope
	err    error
}

func (b *mockSessionBuilder) BuildSession(_ context.Context, scope domain.SessionScope) (domain.SessionMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopes = append(b.scopes, scope)
	if b.err != nil {
		return nil, b.err
	}
	return &mockMemory{scope: scope}, nil
}

func (b *mockSessionBuilder) Scopes() []domain.SessionScope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SessionScope(nil), b.scopes...)
}

// mockTransport is a RemoteToolTransport backed by a fixed tool list.
type mockTransport struct {
	infos   []domain.RemoteToolInfo
	openErr error
	listErr error
	callErr error
	// block, when set, makes ListTools wait for ctx cancellation.
	block bool
	// checkCtx, when set, fails Open and CallTool on a done ctx.
	checkCtx bool

	opens  atomic.Int32
	closes atomic.Int32
	lists  atomic.Int32
	calls  atomic.Int32
}

func remoteInfos(names ...string) []domain.RemoteToolInfo {
	infos := make([]domain.RemoteToolInfo, len(names))
	for i, n := range names {
		infos[i] = domain.RemoteToolInfo{
			Name:        n,
			Description: "remote " + n,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}
	}
	return infos
}

func (t *mockTransport) Name() string { return "mock-transport" }

func (t *mockTransport) Open(ctx context.Context) (domain.RemoteToolSession, error) {
	t.opens.Add(1)
	if t.checkCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if t.openErr != nil {
		return nil, t.openErr
	}
	return &mockSession{t: t}, nil
}

type mockSession struct {
	t *mockTransport
}

func (s *mockSession) ListTools(ctx context.Context) ([]domain.RemoteToolInfo, error) {
	s.t.lists.Add(1)
	if s.t.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.t.listErr != nil {
		return nil, s.t.listErr
	}
	return append([]domain.RemoteToolInfo(nil), s.t.infos...), nil
}

func (s *mockSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	s.t.calls.Add(1)
	if s.t.checkCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.t.callErr != nil {
		return nil, s.t.callErr
	}
	return &domain.ToolResult{Content: name + ":" + string(args)}, nil
}

func (s *mockSession) Close() error {
	s.t.closes.Add(1)
	return nil
}

var errBoom = errors.New("boom")

func toolNames(ts *Toolset) []string {
	if ts == nil {
		return nil
	}
	return ts.Names()
}
