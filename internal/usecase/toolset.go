package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/tracer"
)

// Toolset is the resolved, ordered tool list shared by every agent a factory
// builds. It is read-only after construction.
type Toolset struct {
	tools   []domain.Tool
	sources []domain.ToolSource
	byName  map[string]int
}

// newToolset composes remote tools followed by local tools, each in its
// original order. Names must already be unique.
func newToolset(remote, local []domain.Tool) *Toolset {
	ts := &Toolset{
		tools:   make([]domain.Tool, 0, len(remote)+len(local)),
		sources: make([]domain.ToolSource, 0, len(remote)+len(local)),
		byName:  make(map[string]int, len(remote)+len(local)),
	}
	add := func(t domain.Tool, src domain.ToolSource) {
		ts.byName[t.Name()] = len(ts.tools)
		ts.tools = append(ts.tools, t)
		ts.sources = append(ts.sources, src)
	}
	for _, t := range remote {
		add(t, domain.ToolSourceRemote)
	}
	for _, t := range local {
		add(t, domain.ToolSourceLocal)
	}
	return ts
}

// Len returns the number of tools.
func (ts *Toolset) Len() int { return len(ts.tools) }

// Tools returns a copy of the ordered tool list.
func (ts *Toolset) Tools() []domain.Tool {
	return append([]domain.Tool(nil), ts.tools...)
}

// Names returns tool names in resolution order.
func (ts *Toolset) Names() []string {
	names := make([]string, len(ts.tools))
	for i, t := range ts.tools {
		names[i] = t.Name()
	}
	return names
}

// Get looks a tool up by name.
func (ts *Toolset) Get(name string) (domain.Tool, bool) {
	i, ok := ts.byName[name]
	if !ok {
		return nil, false
	}
	return ts.tools[i], true
}

// Source reports where the named tool came from.
func (ts *Toolset) Source(name string) (domain.ToolSource, bool) {
	i, ok := ts.byName[name]
	if !ok {
		return "", false
	}
	return ts.sources[i], true
}

// Count returns how many tools came from src.
func (ts *Toolset) Count(src domain.ToolSource) int {
	n := 0
	for _, s := range ts.sources {
		if s == src {
			n++
		}
	}
	return n
}

// Schemas returns all tool schemas for model tool-use.
func (ts *Toolset) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, len(ts.tools))
	for i, t := range ts.tools {
		schemas[i] = t.Schema()
	}
	return schemas
}

// remoteTool invokes a discovered tool through a short-lived session on the
// transport it was discovered on.
type remoteTool struct {
	transport   domain.RemoteToolTransport
	info        domain.RemoteToolInfo
	callTimeout time.Duration
	logger      *slog.Logger
}

func newRemoteTool(transport domain.RemoteToolTransport, info domain.RemoteToolInfo, callTimeout time.Duration, logger *slog.Logger) *remoteTool {
	if len(info.InputSchema) == 0 {
		info.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	if callTimeout <= 0 {
		callTimeout = DefaultRemoteCallTimeout
	}
	return &remoteTool{transport: transport, info: info, callTimeout: callTimeout, logger: logger}
}

func (r *remoteTool) Name() string { return r.info.Name }

func (r *remoteTool) Description() string {
	if r.info.Description != "" {
		return r.info.Description
	}
	return fmt.Sprintf("Remote tool %q from %s", r.info.Name, r.transport.Name())
}

func (r *remoteTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        r.info.Name,
		Description: r.Description(),
		Parameters:  r.info.InputSchema,
	}
}

// Execute opens a session, calls the tool and closes the session. Transport
// failures become error results, marked retryable when transient.
func (r *remoteTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.remote",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", r.info.Name),
			tracer.StringAttr("tool.transport", r.transport.Name()),
		),
		trace.WithAttributes(tracer.ScopeAttrs(ctx)...),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	sess, err := r.transport.Open(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return r.failure(ctx, err), nil
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.logger.Debug("remote tool session close failed", "tool", r.info.Name, "error", cerr)
		}
	}()

	result, err := sess.CallTool(ctx, r.info.Name, params)
	if err != nil {
		tracer.RecordError(span, err)
		return r.failure(ctx, err), nil
	}
	if !result.IsError {
		tracer.SetOK(span)
	}
	return result, nil
}

func (r *remoteTool) failure(ctx context.Context, err error) *domain.ToolResult {
	r.logger.WarnContext(ctx, "remote tool call failed", "tool", r.info.Name, "error", err)
	return &domain.ToolResult{
		Content:     fmt.Sprintf("remote tool error: %v", err),
		IsError:     true,
		IsRetryable: domain.IsRetryableError(err),
	}
}
