package provider

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/haasonsaas/parley/pkg/models"
)

// callAssembler accumulates streamed tool-call deltas into complete calls.
//
// OpenAI-compatible APIs stream tool calls incrementally: the first delta for
// a call carries its id and function name, and subsequent deltas carry
// argument fragments. Several calls can be in flight at once, distinguished
// only by the delta's index field, so accumulation is keyed by index, never
// by id, which is absent on continuation deltas.
type callAssembler struct {
	calls map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newCallAssembler() *callAssembler {
	return &callAssembler{calls: make(map[int]*partialCall)}
}

// add merges one delta into the call accumulating at index. The id and name
// latch on their first non-empty appearance; argument fragments concatenate
// in arrival order.
func (a *callAssembler) add(index int, id, name, argFragment string) {
	call, ok := a.calls[index]
	if !ok {
		call = &partialCall{}
		a.calls[index] = call
	}
	if id != "" && call.id == "" {
		call.id = id
	}
	if name != "" && call.name == "" {
		call.name = name
	}
	if argFragment != "" {
		call.args.WriteString(argFragment)
	}
}

// pending reports whether any calls have accumulated.
func (a *callAssembler) pending() bool {
	return len(a.calls) > 0
}

// finalize returns the assembled calls in index order and resets the
// assembler. Calls that never received a name are dropped; empty argument
// accumulations become the empty JSON object.
func (a *callAssembler) finalize() []models.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call := a.calls[idx]
		if call.name == "" {
			continue
		}
		args := call.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, models.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: json.RawMessage(args),
		})
	}

	a.calls = make(map[int]*partialCall)
	return out
}
