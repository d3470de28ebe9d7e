package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/tracer"
)

// call describes one invocation of a typed local tool.
type call[P any] struct {
	tool   string
	schema *jsonschema.Schema
	logger *slog.Logger
	fn     func(ctx context.Context, p P) (any, error)
}

// invoke runs the local tool pipeline: normalize args, validate against the
// schema, decode into P, run fn, render the value for the model.
//
// Every failure becomes an error ToolResult. fn may return:
//   - string: sent verbatim
//   - *domain.ToolResult: sent as-is
//   - anything else: JSON-encoded
func (c call[P]) invoke(ctx context.Context, args json.RawMessage) *domain.ToolResult {
	args = normalizeArgs(args)

	ctx, span := tracer.StartSpan(ctx, "tool.call",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", c.tool),
			tracer.IntAttr("tool.args_bytes", len(args)),
			tracer.StringAttr("tool.source", "local"),
		),
		trace.WithAttributes(tracer.ScopeAttrs(ctx)...),
	)
	defer span.End()

	var raw any
	if err := json.Unmarshal(args, &raw); err != nil {
		return c.reject(span, "invalid JSON: %v", err)
	}
	if res := c.schema.Validate(raw); !res.IsValid() {
		return c.reject(span, "schema validation failed: %s", res.Error())
	}
	var p P
	if err := json.Unmarshal(args, &p); err != nil {
		return c.reject(span, "invalid params: %v", err)
	}

	value, err := c.fn(ctx, p)
	if err != nil {
		return c.fail(ctx, span, err)
	}
	return render(span, value)
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	return trimmed
}

// reject reports bad arguments. The model sent them, so nothing is logged.
func (c call[P]) reject(span trace.Span, format string, args ...any) *domain.ToolResult {
	res := errorResult(format, args...)
	tracer.RecordError(span, fmt.Errorf("%w: %s", domain.ErrInvalidInput, res.Content))
	return res
}

func (c call[P]) fail(ctx context.Context, span trace.Span, err error) *domain.ToolResult {
	err = classifyTransportError(err)
	retryable := domain.IsRetryableError(err)
	tracer.RecordError(span, err)
	span.SetAttributes(tracer.BoolAttr("tool.retryable", retryable))
	c.logger.WarnContext(ctx, "local tool failed", "tool", c.tool, "retryable", retryable, "error", err)

	content := err.Error()
	if retryable {
		content += " (transient error, may succeed on retry)"
	}
	return &domain.ToolResult{IsError: true, IsRetryable: retryable, Content: content}
}

func render(span trace.Span, value any) *domain.ToolResult {
	switch v := value.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}
	default:
		data, err := json.Marshal(value)
		if err != nil {
			tracer.RecordError(span, err)
			return errorResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Content: string(data)}
	}
}

func errorResult(format string, args ...any) *domain.ToolResult {
	return &domain.ToolResult{IsError: true, Content: fmt.Sprintf(format, args...)}
}
