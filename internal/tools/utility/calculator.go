// Package utility provides small self-contained built-ins: calculator,
// time, and random. They exist so the model never has to shell out for
// arithmetic, clocks, or randomness.
package utility

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/haasonsaas/parley/internal/tools"
)

// calcEnv exposes the math helpers available inside expressions, on top of
// the evaluator's own builtins (abs, ceil, floor, round, min, max, ...).
var calcEnv = map[string]interface{}{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"log":   math.Log,
	"log2":  math.Log2,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"atan2": math.Atan2,
	"mod":   math.Mod,
}

// CalculatorTool evaluates arithmetic and logical expressions.
type CalculatorTool struct{}

// NewCalculatorTool creates the calculator tool.
func NewCalculatorTool() *CalculatorTool {
	return &CalculatorTool{}
}

// Name returns the tool name.
func (t *CalculatorTool) Name() string {
	return "calculator"
}

// Description returns the tool description.
func (t *CalculatorTool) Description() string {
	return "Evaluate a math expression. Supports arithmetic, comparisons, and functions like sqrt, pow, log, sin."
}

// Schema returns the JSON schema for the tool parameters.
func (t *CalculatorTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"expression": map[string]interface{}{
				"type":        "string",
				"description": "Expression to evaluate, e.g. \"sqrt(2) * pow(3, 4)\".",
			},
		},
		"required": []string{"expression"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute compiles and runs the expression.
func (t *CalculatorTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Expression) == "" {
		return tools.Errorf("expression is required"), nil
	}

	program, err := expr.Compile(input.Expression, expr.Env(calcEnv))
	if err != nil {
		return tools.Errorf("compile expression: %v", err), nil
	}
	value, err := expr.Run(program, calcEnv)
	if err != nil {
		return tools.Errorf("evaluate expression: %v", err), nil
	}

	return tools.JSON(map[string]interface{}{
		"expression": input.Expression,
		"result":     value,
	}), nil
}
