package todo

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/parley/internal/tools"
)

func convCtx(id string) context.Context {
	return tools.WithExecContext(context.Background(), tools.ExecContext{ConversationID: id})
}

func writeList(t *testing.T, w *WriteTool, ctx context.Context, todos []map[string]interface{}) *tools.Result {
	t.Helper()
	raw, _ := json.Marshal(map[string]interface{}{"todos": todos})
	res, err := w.Execute(ctx, raw)
	if err != nil {
		t.Fatalf("todo_write failed: %v", err)
	}
	return res
}

func readList(t *testing.T, r *ReadTool, ctx context.Context) []Item {
	t.Helper()
	res, err := r.Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("todo_read failed: %v", err)
	}
	var payload struct {
		Todos []Item `json:"todos"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return payload.Todos
}

func TestTodoWriteReadRoundTrip(t *testing.T) {
	store := NewStore()
	w, r := NewWriteTool(store), NewReadTool(store)
	ctx := convCtx("conv-1")

	writeList(t, w, ctx, []map[string]interface{}{
		{"text": "survey the code"},
		{"text": "write tests", "done": true},
	})

	items := readList(t, r, ctx)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].ID != "1" || items[1].ID != "2" {
		t.Errorf("ids = %q, %q, want positional assignment", items[0].ID, items[1].ID)
	}
	if items[0].Done || !items[1].Done {
		t.Errorf("done flags = %v, %v", items[0].Done, items[1].Done)
	}
}

func TestTodoWriteReplacesWholeList(t *testing.T) {
	store := NewStore()
	w, r := NewWriteTool(store), NewReadTool(store)
	ctx := convCtx("conv-1")

	writeList(t, w, ctx, []map[string]interface{}{
		{"text": "a"}, {"text": "b"}, {"text": "c"},
	})
	writeList(t, w, ctx, []map[string]interface{}{
		{"id": "keep", "text": "only survivor", "done": true},
	})

	items := readList(t, r, ctx)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1 after full replace", len(items))
	}
	if items[0].ID != "keep" {
		t.Errorf("id = %q, want supplied id kept", items[0].ID)
	}
}

func TestTodoListsAreScopedPerConversation(t *testing.T) {
	store := NewStore()
	w, r := NewWriteTool(store), NewReadTool(store)

	writeList(t, w, convCtx("conv-a"), []map[string]interface{}{{"text": "for a"}})
	writeList(t, w, convCtx("conv-b"), []map[string]interface{}{{"text": "for b"}, {"text": "also b"}})

	if items := readList(t, r, convCtx("conv-a")); len(items) != 1 || items[0].Text != "for a" {
		t.Fatalf("conv-a items = %+v", items)
	}
	if items := readList(t, r, convCtx("conv-b")); len(items) != 2 {
		t.Fatalf("conv-b items = %+v", items)
	}
}

func TestTodoWriteRequiresText(t *testing.T) {
	store := NewStore()
	w := NewWriteTool(store)

	raw, _ := json.Marshal(map[string]interface{}{
		"todos": []map[string]interface{}{{"done": true}},
	})
	res, err := w.Execute(convCtx("conv-1"), raw)
	if err != nil {
		t.Fatalf("todo_write failed: %v", err)
	}
	if res.Success {
		t.Fatal("write succeeded, want text required failure")
	}
	if !strings.Contains(res.Error, "text is required") {
		t.Fatalf("error = %q, want text is required", res.Error)
	}
}

func TestTodoReadEmptyList(t *testing.T) {
	r := NewReadTool(NewStore())
	res, err := r.Execute(convCtx("conv-1"), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("todo_read failed: %v", err)
	}
	if !strings.Contains(res.Content, `"count":0`) {
		t.Fatalf("content = %s, want zero count", res.Content)
	}
}

func TestStoreClear(t *testing.T) {
	store := NewStore()
	store.Replace("c", []Item{{Text: "x"}})
	store.Clear("c")
	if items := store.Get("c"); len(items) != 0 {
		t.Fatalf("items after clear = %+v, want empty", items)
	}
}
