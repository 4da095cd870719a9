package provider

import (
	"testing"
)

func TestCallAssemblerInterleavedFragments(t *testing.T) {
	asm := newCallAssembler()

	// Two calls stream concurrently; continuation deltas carry no id or
	// name, only the index distinguishes them.
	asm.add(0, "call_abc", "get_weather", "")
	asm.add(1, "call_def", "get_time", "")
	asm.add(0, "", "", `{"city":`)
	asm.add(1, "", "", `{"zone":`)
	asm.add(0, "", "", `"London"}`)
	asm.add(1, "", "", `"UTC"}`)

	calls := asm.finalize()
	if len(calls) != 2 {
		t.Fatalf("finalize() returned %d calls, want 2", len(calls))
	}

	if calls[0].ID != "call_abc" || calls[0].Name != "get_weather" {
		t.Errorf("calls[0] = %s/%s, want call_abc/get_weather", calls[0].ID, calls[0].Name)
	}
	if got := string(calls[0].Arguments); got != `{"city":"London"}` {
		t.Errorf("calls[0].Arguments = %s, want {\"city\":\"London\"}", got)
	}
	if calls[1].ID != "call_def" || calls[1].Name != "get_time" {
		t.Errorf("calls[1] = %s/%s, want call_def/get_time", calls[1].ID, calls[1].Name)
	}
	if got := string(calls[1].Arguments); got != `{"zone":"UTC"}` {
		t.Errorf("calls[1].Arguments = %s, want {\"zone\":\"UTC\"}", got)
	}
}

func TestCallAssemblerLatchesFirstIDAndName(t *testing.T) {
	asm := newCallAssembler()

	asm.add(0, "call_first", "tool_first", "")
	// A buggy or echoing back end repeats identity fields on later deltas;
	// the first values must win.
	asm.add(0, "call_second", "tool_second", `{}`)

	calls := asm.finalize()
	if len(calls) != 1 {
		t.Fatalf("finalize() returned %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_first" {
		t.Errorf("ID = %s, want call_first", calls[0].ID)
	}
	if calls[0].Name != "tool_first" {
		t.Errorf("Name = %s, want tool_first", calls[0].Name)
	}
}

func TestCallAssemblerEmptyArgumentsBecomeObject(t *testing.T) {
	asm := newCallAssembler()
	asm.add(0, "call_1", "get_time", "")

	calls := asm.finalize()
	if len(calls) != 1 {
		t.Fatalf("finalize() returned %d calls, want 1", len(calls))
	}
	if got := string(calls[0].Arguments); got != "{}" {
		t.Errorf("Arguments = %q, want {}", got)
	}
}

func TestCallAssemblerDropsNamelessCalls(t *testing.T) {
	asm := newCallAssembler()
	asm.add(0, "call_1", "real_tool", `{"a":1}`)
	asm.add(1, "", "", `{"orphan":true}`)

	calls := asm.finalize()
	if len(calls) != 1 {
		t.Fatalf("finalize() returned %d calls, want 1", len(calls))
	}
	if calls[0].Name != "real_tool" {
		t.Errorf("Name = %s, want real_tool", calls[0].Name)
	}
}

func TestCallAssemblerOrdersByIndex(t *testing.T) {
	asm := newCallAssembler()

	// Arrival order does not match index order.
	asm.add(2, "call_c", "third", `{}`)
	asm.add(0, "call_a", "first", `{}`)
	asm.add(1, "call_b", "second", `{}`)

	calls := asm.finalize()
	if len(calls) != 3 {
		t.Fatalf("finalize() returned %d calls, want 3", len(calls))
	}
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if calls[i].Name != name {
			t.Errorf("calls[%d].Name = %s, want %s", i, calls[i].Name, name)
		}
	}
}

func TestCallAssemblerResetsAfterFinalize(t *testing.T) {
	asm := newCallAssembler()
	asm.add(0, "call_1", "tool", `{}`)

	if !asm.pending() {
		t.Fatal("pending() = false before finalize, want true")
	}
	if got := len(asm.finalize()); got != 1 {
		t.Fatalf("first finalize() returned %d calls, want 1", got)
	}
	if asm.pending() {
		t.Error("pending() = true after finalize, want false")
	}
	if got := asm.finalize(); got != nil {
		t.Errorf("second finalize() = %v, want nil", got)
	}

	// The assembler is reusable for the next request.
	asm.add(0, "call_2", "tool2", `{"x":2}`)
	calls := asm.finalize()
	if len(calls) != 1 || calls[0].ID != "call_2" {
		t.Errorf("reuse after finalize failed: %+v", calls)
	}
}
