package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"

	"stitchlab-agent/internal/domain"
)

// FuncTool adapts a typed Go function into a domain.Tool. Arguments are
// validated against the tool's JSON schema before they are decoded into P.
type FuncTool[P any] struct {
	name        string
	description string
	params      json.RawMessage
	schema      *jsonschema.Schema
	fn          func(ctx context.Context, p P) (any, error)
	logger      *slog.Logger
}

// NewFuncTool compiles params and returns the tool. An invalid schema is an error.
func NewFuncTool[P any](name, description string, params json.RawMessage, fn func(context.Context, P) (any, error), logger *slog.Logger) (*FuncTool[P], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tool name is empty", domain.ErrInvalidInput)
	}
	schema, err := jsonschema.NewCompiler().Compile(params)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return &FuncTool[P]{
		name:        name,
		description: description,
		params:      params,
		schema:      schema,
		fn:          fn,
		logger:      logger,
	}, nil
}

func (t *FuncTool[P]) Name() string        { return t.name }
func (t *FuncTool[P]) Description() string { return t.description }

func (t *FuncTool[P]) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.description, Parameters: t.params}
}

func (t *FuncTool[P]) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	c := call[P]{tool: t.name, schema: t.schema, logger: t.logger, fn: t.fn}
	return c.invoke(ctx, params), nil
}
