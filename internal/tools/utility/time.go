package utility

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/parley/internal/tools"
)

// TimeTool reports the current time, optionally in a named zone.
type TimeTool struct {
	// now is swappable for tests.
	now func() time.Time
}

// NewTimeTool creates the time tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

// Name returns the tool name.
func (t *TimeTool) Name() string {
	return "time"
}

// Description returns the tool description.
func (t *TimeTool) Description() string {
	return "Get the current time as RFC3339, optionally converted to an IANA timezone like America/New_York."
}

// Schema returns the JSON schema for the tool parameters.
func (t *TimeTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name (default: UTC).",
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute returns the current time.
func (t *TimeTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return tools.Errorf("unknown timezone %q: %v", input.Timezone, err), nil
		}
		loc = parsed
	}

	now := t.now().In(loc)
	return tools.JSON(map[string]interface{}{
		"rfc3339":  now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}), nil
}
