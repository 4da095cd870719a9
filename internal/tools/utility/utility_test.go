package utility

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCalculator(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{"arithmetic", "2 + 3 * 4", "14"},
		{"division", "10 / 4", "2.5"},
		{"power helper", "pow(2, 10)", "1024"},
		{"sqrt helper", "sqrt(144)", "12"},
		{"comparison", "3 > 2", "true"},
		{"builtin abs", "abs(-7)", "7"},
		{"constant", "pi > 3.14 && pi < 3.15", "true"},
	}

	tool := NewCalculatorTool()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(map[string]interface{}{"expression": tt.expression})
			res, err := tool.Execute(context.Background(), args)
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if !res.Success {
				t.Fatalf("result not successful: %s", res.Error)
			}

			var payload struct {
				Result json.RawMessage `json:"result"`
			}
			if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if got := string(payload.Result); got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCalculatorRejectsBadExpression(t *testing.T) {
	tool := NewCalculatorTool()
	args, _ := json.Marshal(map[string]interface{}{"expression": "2 +* nonsense("})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Success {
		t.Fatal("result successful, want compile failure")
	}
}

func TestTimeToolUTC(t *testing.T) {
	fixed := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)
	tool := NewTimeTool()
	tool.now = func() time.Time { return fixed }

	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	var payload struct {
		RFC3339  string `json:"rfc3339"`
		Unix     int64  `json:"unix"`
		Timezone string `json:"timezone"`
		Weekday  string `json:"weekday"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.RFC3339 != "2025-03-14T09:26:53Z" {
		t.Errorf("rfc3339 = %q", payload.RFC3339)
	}
	if payload.Unix != fixed.Unix() {
		t.Errorf("unix = %d, want %d", payload.Unix, fixed.Unix())
	}
	if payload.Timezone != "UTC" {
		t.Errorf("timezone = %q, want UTC", payload.Timezone)
	}
	if payload.Weekday != "Friday" {
		t.Errorf("weekday = %q, want Friday", payload.Weekday)
	}
}

func TestTimeToolZoneConversion(t *testing.T) {
	fixed := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tool := NewTimeTool()
	tool.now = func() time.Time { return fixed }

	args, _ := json.Marshal(map[string]interface{}{"timezone": "America/New_York"})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !res.Success {
		t.Fatalf("result not successful: %s", res.Error)
	}
	// Midnight UTC on New Year's is the previous evening in New York.
	if !strings.Contains(res.Content, "2024-12-31T19:00:00-05:00") {
		t.Fatalf("content = %s, want EST conversion", res.Content)
	}
}

func TestTimeToolUnknownZone(t *testing.T) {
	tool := NewTimeTool()
	args, _ := json.Marshal(map[string]interface{}{"timezone": "Mars/Olympus_Mons"})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Success {
		t.Fatal("result successful, want unknown timezone failure")
	}
}

func TestRandomInt(t *testing.T) {
	tool := NewRandomTool()
	args, _ := json.Marshal(map[string]interface{}{"kind": "int", "min": 5, "max": 7})

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		res, err := tool.Execute(context.Background(), args)
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		var payload struct {
			Value int64 `json:"value"`
		}
		if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if payload.Value < 5 || payload.Value > 7 {
			t.Fatalf("value = %d, want within [5, 7]", payload.Value)
		}
		seen[payload.Value] = true
	}
	if len(seen) < 2 {
		t.Errorf("50 draws produced %d distinct values, want some spread", len(seen))
	}
}

func TestRandomIntRejectsInvertedRange(t *testing.T) {
	tool := NewRandomTool()
	args, _ := json.Marshal(map[string]interface{}{"kind": "int", "min": 10, "max": 1})
	res, _ := tool.Execute(context.Background(), args)
	if res.Success {
		t.Fatal("result successful, want inverted range failure")
	}
}

func TestRandomFloat(t *testing.T) {
	tool := NewRandomTool()
	args, _ := json.Marshal(map[string]interface{}{"kind": "float"})
	for i := 0; i < 20; i++ {
		res, err := tool.Execute(context.Background(), args)
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		var payload struct {
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if payload.Value < 0 || payload.Value >= 1 {
			t.Fatalf("value = %f, want within [0, 1)", payload.Value)
		}
	}
}

func TestRandomUUID(t *testing.T) {
	tool := NewRandomTool()
	args, _ := json.Marshal(map[string]interface{}{"kind": "uuid"})

	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(payload.Value) != 36 || strings.Count(payload.Value, "-") != 4 {
		t.Fatalf("value = %q, want canonical UUID form", payload.Value)
	}
}

func TestRandomUnknownKind(t *testing.T) {
	tool := NewRandomTool()
	args, _ := json.Marshal(map[string]interface{}{"kind": "dice"})
	res, _ := tool.Execute(context.Background(), args)
	if res.Success {
		t.Fatal("result successful, want unknown kind failure")
	}
}
