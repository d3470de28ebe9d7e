package tool

import (
	"log/slog"

	"stitchlab-agent/internal/domain"
)

type toolBuilder func(*slog.Logger) (domain.Tool, error)

func builder[P any](build func(*slog.Logger) (*FuncTool[P], error)) toolBuilder {
	return func(logger *slog.Logger) (domain.Tool, error) { return build(logger) }
}

// Catalog lists the local tools the runtime can offer. Tools are only built
// when selected.
type Catalog struct {
	logger   *slog.Logger
	order    []string
	builders map[string]toolBuilder
}

// Builtins returns the catalog of built-in calculator tools.
func Builtins(logger *slog.Logger) *Catalog {
	c := &Catalog{logger: logger, builders: make(map[string]toolBuilder)}
	c.add("add", builder(NewAddTool))
	c.add("subtract", builder(NewSubtractTool))
	c.add("multiply", builder(NewMultiplyTool))
	return c
}

func (c *Catalog) add(name string, b toolBuilder) {
	c.order = append(c.order, name)
	c.builders[name] = b
}

// Names returns the catalog's tool names in a stable order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Select builds the named tools in the order given. Unknown names fail with
// domain.ErrToolNotFound, repeated ones with domain.ErrDuplicateTool.
func (c *Catalog) Select(names []string) ([]domain.Tool, error) {
	const op = "Catalog.Select"

	tools := make([]domain.Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		build, ok := c.builders[name]
		if !ok {
			return nil, domain.NewDomainError(op, domain.ErrToolNotFound, name)
		}
		if seen[name] {
			return nil, domain.NewDomainError(op, domain.ErrDuplicateTool, name)
		}
		seen[name] = true

		t, err := build(c.logger)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}
