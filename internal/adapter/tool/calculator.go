package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// operandsSchema is shared by the binary integer calculator tools.
var operandsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "a": {"type": "integer", "description": "First operand"},
    "b": {"type": "integer", "description": "Second operand"}
  },
  "required": ["a", "b"],
  "additionalProperties": false
}`)

// Operands are the arguments of the calculator tools.
type Operands struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// NewAddTool returns the "add" tool.
func NewAddTool(logger *slog.Logger) (*FuncTool[Operands], error) {
	return newBinaryTool("add", "Add two numbers together.", logger, func(a, b int64) int64 { return a + b })
}

// NewSubtractTool returns the "subtract" tool.
func NewSubtractTool(logger *slog.Logger) (*FuncTool[Operands], error) {
	return newBinaryTool("subtract", "Calculate the difference between two numbers.", logger, func(a, b int64) int64 { return a - b })
}

// NewMultiplyTool returns the "multiply" tool.
func NewMultiplyTool(logger *slog.Logger) (*FuncTool[Operands], error) {
	return newBinaryTool("multiply", "Calculate the product of two numbers.", logger, func(a, b int64) int64 { return a * b })
}

func newBinaryTool(name, description string, logger *slog.Logger, op func(a, b int64) int64) (*FuncTool[Operands], error) {
	return NewFuncTool(name, description, operandsSchema,
		func(_ context.Context, p Operands) (any, error) {
			return fmt.Sprint(op(p.A, p.B)), nil
		},
		logger,
	)
}
