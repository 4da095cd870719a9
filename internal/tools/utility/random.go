package utility

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/tools"
)

// float53 is the denominator for uniform floats: 2^53 is the largest power
// of two a float64 can count to exactly.
var float53 = new(big.Int).Lsh(big.NewInt(1), 53)

// RandomTool produces cryptographically sourced randomness.
type RandomTool struct{}

// NewRandomTool creates the random tool.
func NewRandomTool() *RandomTool {
	return &RandomTool{}
}

// Name returns the tool name.
func (t *RandomTool) Name() string {
	return "random"
}

// Description returns the tool description.
func (t *RandomTool) Description() string {
	return "Generate randomness: an integer in [min, max], a float in [0, 1), or a UUID."
}

// Schema returns the JSON schema for the tool parameters.
func (t *RandomTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"int", "float", "uuid"},
				"description": "What to generate.",
			},
			"min": map[string]interface{}{
				"type":        "integer",
				"description": "Lower bound for int, inclusive (default: 0).",
			},
			"max": map[string]interface{}{
				"type":        "integer",
				"description": "Upper bound for int, inclusive (default: 100).",
			},
		},
		"required": []string{"kind"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute generates the requested value.
func (t *RandomTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Kind string `json:"kind"`
		Min  *int64 `json:"min"`
		Max  *int64 `json:"max"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}

	switch input.Kind {
	case "int":
		lo, hi := int64(0), int64(100)
		if input.Min != nil {
			lo = *input.Min
		}
		if input.Max != nil {
			hi = *input.Max
		}
		if hi < lo {
			return tools.Errorf("max (%d) must be >= min (%d)", hi, lo), nil
		}
		// Big-int arithmetic keeps extreme bounds like [MinInt64,
		// MaxInt64] from overflowing.
		span := new(big.Int).Sub(big.NewInt(hi), big.NewInt(lo))
		span.Add(span, big.NewInt(1))
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return tools.Errorf("generate int: %v", err), nil
		}
		value := new(big.Int).Add(big.NewInt(lo), n)
		return tools.JSON(map[string]interface{}{
			"kind":  "int",
			"value": value.Int64(),
			"min":   lo,
			"max":   hi,
		}), nil

	case "float":
		n, err := rand.Int(rand.Reader, float53)
		if err != nil {
			return tools.Errorf("generate float: %v", err), nil
		}
		value := float64(n.Int64()) / float64(1<<53)
		return tools.JSON(map[string]interface{}{
			"kind":  "float",
			"value": value,
		}), nil

	case "uuid":
		return tools.JSON(map[string]interface{}{
			"kind":  "uuid",
			"value": uuid.NewString(),
		}), nil

	default:
		return tools.Errorf("unknown kind %q: want int, float, or uuid", input.Kind), nil
	}
}
