package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/provider"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// recordingSink captures every emitted event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []models.TurnEvent
}

func (s *recordingSink) Emit(_ context.Context, e models.TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []models.TurnEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TurnEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) types() []models.TurnEventType {
	events := s.snapshot()
	out := make([]models.TurnEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) byType(t models.TurnEventType) []models.TurnEvent {
	var out []models.TurnEvent
	for _, e := range s.snapshot() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) count(t models.TurnEventType) int {
	return len(s.byType(t))
}

func (s *recordingSink) chunkText() string {
	var b strings.Builder
	for _, e := range s.byType(models.EventChunk) {
		b.WriteString(e.Chunk.Text)
	}
	return b.String()
}

// scriptedRound declares what the fake adapter does for one request.
type scriptedRound struct {
	chunks    []string
	toolCalls []models.ToolCall
	err       error

	// blockUntilCancel parks the request until the context dies, then
	// optionally pushes one more text delta the way a provider flushing
	// its buffer would.
	blockUntilCancel bool
	afterCancelText  string
}

// scriptedAdapter plays back pre-scripted rounds and records the params
// of every request it receives.
type scriptedAdapter struct {
	mu     sync.Mutex
	rounds []scriptedRound
	params []*provider.CompletionParams
	calls  int
}

func (a *scriptedAdapter) StreamCompletion(ctx context.Context, params *provider.CompletionParams, handlers provider.StreamHandlers) (*provider.CompletionResult, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.params = append(a.params, params)
	a.mu.Unlock()

	if idx >= len(a.rounds) {
		return nil, fmt.Errorf("unscripted request %d", idx+1)
	}
	r := a.rounds[idx]
	if r.err != nil {
		return nil, r.err
	}

	var text strings.Builder
	for _, c := range r.chunks {
		if handlers.OnText != nil {
			handlers.OnText(c)
		}
		text.WriteString(c)
	}
	if r.blockUntilCancel {
		<-ctx.Done()
		if r.afterCancelText != "" && handlers.OnText != nil {
			handlers.OnText(r.afterCancelText)
		}
		return nil, ctx.Err()
	}

	finish := "stop"
	if len(r.toolCalls) > 0 {
		finish = "tool_calls"
	}
	return &provider.CompletionResult{
		Text:         text.String(),
		ToolCalls:    r.toolCalls,
		Usage:        models.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		FinishReason: finish,
		Provider:     "scripted",
		Model:        params.Model,
		ResponseTime: time.Millisecond,
	}, nil
}

func (a *scriptedAdapter) GenerateCompletion(ctx context.Context, params *provider.CompletionParams) (*provider.CompletionResult, error) {
	return a.StreamCompletion(ctx, params, provider.StreamHandlers{})
}

func (a *scriptedAdapter) Kind() string { return "scripted" }

func (a *scriptedAdapter) Models(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (a *scriptedAdapter) requests() []*provider.CompletionParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*provider.CompletionParams, len(a.params))
	copy(out, a.params)
	return out
}

func (a *scriptedAdapter) requestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestOrchestrator(t *testing.T, adapter provider.Adapter, reg *tools.Registry, cfg Config) (*Orchestrator, *recordingSink, conversations.Store) {
	t.Helper()
	store := conversations.NewMemoryStore()
	sink := &recordingSink{}
	resolver := &StaticResolver{
		Agents: map[string]models.AgentSettings{
			"assistant": {
				ID:           "assistant",
				Name:         "Assistant",
				Kind:         models.AgentLocal,
				Provider:     "scripted",
				Model:        "test-model",
				SystemPrompt: "You are helpful.",
			},
		},
		Adapters: map[string]provider.Adapter{"scripted": adapter},
		Default:  "assistant",
	}
	o := New(store, reg, resolver, sink, observability.Nop(), cfg)
	return o, sink, store
}

func historyOf(t *testing.T, store conversations.Store, conversationID string) []*models.Message {
	t.Helper()
	history, err := store.History(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return history
}

func wantTypes(t *testing.T, sink *recordingSink, want ...models.TurnEventType) {
	t.Helper()
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestSendTurnPlainChat(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{chunks: []string{"Hi ", "there", "!"}},
	}}
	o, sink, store := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	outcome, err := o.SendTurn(context.Background(), "conv-1", "Hello")
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if outcome.Status != models.TurnFinal || outcome.Rounds != 1 {
		t.Fatalf("outcome = %s/%d rounds, want final/1", outcome.Status, outcome.Rounds)
	}
	if outcome.Message == nil || outcome.Message.Content != "Hi there!" {
		t.Fatalf("outcome message = %+v, want 'Hi there!'", outcome.Message)
	}

	wantTypes(t, sink,
		models.EventTurnStart,
		models.EventChunk, models.EventChunk, models.EventChunk,
		models.EventTurnFinal,
	)
	if got := sink.chunkText(); got != "Hi there!" {
		t.Errorf("streamed text = %q, want %q", got, "Hi there!")
	}

	// Sequences are per-turn and strictly increasing from 1.
	for i, e := range sink.snapshot() {
		if e.Sequence != uint64(i+1) {
			t.Errorf("event[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
		if e.ConversationID != "conv-1" || e.TurnID != outcome.TurnID {
			t.Errorf("event[%d] ids = %s/%s", i, e.ConversationID, e.TurnID)
		}
	}

	final := sink.byType(models.EventTurnFinal)[0]
	if final.Final.Message.Content != "Hi there!" || final.Final.Rounds != 1 {
		t.Errorf("final payload = %+v", final.Final)
	}
	if final.Final.Usage.TotalTokens != 10 {
		t.Errorf("final usage = %+v, want 10 total", final.Final.Usage)
	}

	history := historyOf(t, store, "conv-1")
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "Hello" {
		t.Errorf("history[0] = %s %q", history[0].Role, history[0].Content)
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "Hi there!" {
		t.Errorf("history[1] = %s %q", history[1].Role, history[1].Content)
	}
	if history[1].Metadata == nil || history[1].Metadata.Provider != "scripted" {
		t.Errorf("assistant metadata = %+v", history[1].Metadata)
	}

	// One request, no tools offered, system prompt carried.
	reqs := adapter.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if len(reqs[0].Tools) != 0 {
		t.Errorf("tools offered = %d, want none", len(reqs[0].Tools))
	}
	if reqs[0].System != "You are helpful." || reqs[0].Model != "test-model" {
		t.Errorf("request system/model = %q/%q", reqs[0].System, reqs[0].Model)
	}
}

func TestSendTurnSingleToolRound(t *testing.T) {
	reg := newTestRegistry(t, &stubTool{name: "time", text: "2026-08-25T12:00:00Z"})
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{toolCalls: []models.ToolCall{{ID: "t1", Name: "time", Arguments: json.RawMessage(`{}`)}}},
		{chunks: []string{"It is noon UTC."}},
	}}
	o, sink, store := newTestOrchestrator(t, adapter, reg, DefaultConfig())

	outcome, err := o.SendTurn(context.Background(), "conv-2", "What time is it?")
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if outcome.Status != models.TurnFinal || outcome.Rounds != 2 {
		t.Fatalf("outcome = %s/%d rounds, want final/2", outcome.Status, outcome.Rounds)
	}

	wantTypes(t, sink,
		models.EventTurnStart,
		models.EventToolStart, models.EventToolEnd,
		models.EventRoundBoundary,
		models.EventChunk,
		models.EventTurnFinal,
	)

	start := sink.byType(models.EventToolStart)[0]
	if start.Tool.CallID != "t1" || start.Tool.Name != "time" {
		t.Errorf("tool.start = %+v", start.Tool)
	}
	if start.Round != 0 {
		t.Errorf("tool.start round = %d, want 0", start.Round)
	}
	end := sink.byType(models.EventToolEnd)[0]
	if !end.Tool.Success || !strings.Contains(end.Tool.Result, "2026-08-25") {
		t.Errorf("tool.end = %+v", end.Tool)
	}
	if chunk := sink.byType(models.EventChunk)[0]; chunk.Round != 1 {
		t.Errorf("second-round chunk round = %d, want 1", chunk.Round)
	}

	// Transcript: user, assistant with tool_calls, one tool message per
	// call id, then the final assistant text.
	history := historyOf(t, store, "conv-2")
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
	if history[1].Role != models.RoleAssistant || len(history[1].ToolCalls) != 1 {
		t.Fatalf("history[1] = %s with %d calls", history[1].Role, len(history[1].ToolCalls))
	}
	if history[2].Role != models.RoleTool || len(history[2].ToolResults) != 1 {
		t.Fatalf("history[2] = %s with %d results", history[2].Role, len(history[2].ToolResults))
	}
	if history[2].ToolResults[0].ToolCallID != "t1" {
		t.Errorf("tool result call id = %q, want t1", history[2].ToolResults[0].ToolCallID)
	}
	if history[3].Role != models.RoleAssistant || history[3].Content != "It is noon UTC." {
		t.Errorf("history[3] = %s %q", history[3].Role, history[3].Content)
	}

	// The follow-up request carries the tool exchange.
	reqs := adapter.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "time" {
		t.Errorf("offered tools = %+v", reqs[0].Tools)
	}
	msgs := reqs[1].Messages
	if len(msgs) != 3 || msgs[1].Role != models.RoleAssistant || msgs[2].Role != models.RoleTool {
		t.Fatalf("follow-up roles = %d messages", len(msgs))
	}
}

func TestSendTurnParallelToolOrdering(t *testing.T) {
	reg := newTestRegistry(t,
		&stubTool{name: "search_go", delay: 60 * time.Millisecond, text: "go results"},
		&stubTool{name: "search_news", text: "news results"},
	)
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{toolCalls: []models.ToolCall{
			{ID: "t1", Name: "search_go", Arguments: json.RawMessage(`{"q":"golang"}`)},
			{ID: "t2", Name: "search_news", Arguments: json.RawMessage(`{"q":"news"}`)},
		}},
		{chunks: []string{"Summary of both."}},
	}}
	o, sink, store := newTestOrchestrator(t, adapter, reg, DefaultConfig())

	outcome, err := o.SendTurn(context.Background(), "conv-3", "Search twice")
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if outcome.Status != models.TurnFinal {
		t.Fatalf("outcome = %s, want final", outcome.Status)
	}

	events := sink.snapshot()
	s1 := eventIndex(events, models.EventToolStart, "t1")
	s2 := eventIndex(events, models.EventToolStart, "t2")
	e1 := eventIndex(events, models.EventToolEnd, "t1")
	e2 := eventIndex(events, models.EventToolEnd, "t2")
	if s1 == -1 || s2 == -1 || e1 == -1 || e2 == -1 {
		t.Fatalf("missing tool events: %v", sink.types())
	}
	if !(s1 < s2 && s2 < e1 && s2 < e2) {
		t.Errorf("event order s1=%d s2=%d e1=%d e2=%d; want both starts before any end", s1, s2, e1, e2)
	}

	// Tool messages persist in call order even though t2 finished first.
	history := historyOf(t, store, "conv-3")
	if len(history) != 5 {
		t.Fatalf("history = %d messages, want 5", len(history))
	}
	if history[2].ToolResults[0].ToolCallID != "t1" || history[3].ToolResults[0].ToolCallID != "t2" {
		t.Errorf("tool message order = %s, %s; want t1, t2",
			history[2].ToolResults[0].ToolCallID, history[3].ToolResults[0].ToolCallID)
	}
	if history[2].ToolResults[0].Content != "go results" {
		t.Errorf("t1 content = %q", history[2].ToolResults[0].Content)
	}

	// Follow-up request repeats the same ordering.
	msgs := adapter.requests()[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("follow-up messages = %d, want 4", len(msgs))
	}
	if msgs[2].ToolResults[0].ToolCallID != "t1" || msgs[3].ToolResults[0].ToolCallID != "t2" {
		t.Errorf("follow-up tool order = %s, %s",
			msgs[2].ToolResults[0].ToolCallID, msgs[3].ToolResults[0].ToolCallID)
	}
}

func TestSendTurnToolFailureFeedsModel(t *testing.T) {
	reg := newTestRegistry(t, &stubTool{name: "time", text: "noon"})
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{toolCalls: []models.ToolCall{{ID: "t1", Name: "time", Arguments: json.RawMessage(`not json`)}}},
		{chunks: []string{"Let me try without arguments."}},
	}}
	o, sink, store := newTestOrchestrator(t, adapter, reg, DefaultConfig())

	outcome, err := o.SendTurn(context.Background(), "conv-4", "Time please")
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	// Malformed arguments are a tool-level failure: the model gets the
	// error as a result and answers; the turn itself succeeds.
	if outcome.Status != models.TurnFinal {
		t.Fatalf("outcome = %s, want final", outcome.Status)
	}
	if sink.count(models.EventTurnError) != 0 {
		t.Fatal("tool failure must not surface as turn.error")
	}
	end := sink.byType(models.EventToolEnd)[0]
	if end.Tool.Success {
		t.Fatal("tool.end should report failure")
	}

	history := historyOf(t, store, "conv-4")
	toolMsg := history[2]
	if toolMsg.Role != models.RoleTool || toolMsg.ToolResults[0].Success {
		t.Fatalf("history[2] = %s success=%v", toolMsg.Role, toolMsg.ToolResults[0].Success)
	}
	if !strings.Contains(toolMsg.Content, `"success":false`) {
		t.Errorf("tool message content = %q, want failure envelope", toolMsg.Content)
	}
	if history[3].Content != "Let me try without arguments." {
		t.Errorf("recovery answer = %q", history[3].Content)
	}
}

func TestSendTurnProviderAuthError(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{err: &provider.Error{Reason: provider.ReasonAuth, Provider: "scripted", Status: 401, Message: "invalid api key"}},
	}}
	o, sink, store := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	outcome, err := o.SendTurn(context.Background(), "conv-5", "Hello")
	if err != nil {
		t.Fatalf("SendTurn should report failures via outcome, got %v", err)
	}
	if outcome.Status != models.TurnFailed || outcome.ErrorKind != KindAuthentication {
		t.Fatalf("outcome = %s/%s, want failed/authentication", outcome.Status, outcome.ErrorKind)
	}

	wantTypes(t, sink, models.EventTurnStart, models.EventTurnError)
	errEvent := sink.byType(models.EventTurnError)[0]
	if errEvent.Error.Kind != KindAuthentication || !strings.Contains(errEvent.Error.Detail, "invalid api key") {
		t.Errorf("error payload = %+v", errEvent.Error)
	}

	// Only the user message persisted; no assistant text is invented.
	if history := historyOf(t, store, "conv-5"); len(history) != 1 {
		t.Fatalf("history = %d messages, want 1", len(history))
	}
}

func TestSendTurnCancelMidStream(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{chunks: []string{"par", "tial"}, blockUntilCancel: true, afterCancelText: "zombie"},
	}}
	o, sink, store := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	type result struct {
		outcome *models.TurnOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := o.SendTurn(context.Background(), "conv-6", "Stream forever")
		done <- result{outcome, err}
	}()

	waitFor(t, 2*time.Second, func() bool { return sink.count(models.EventChunk) == 2 })

	if !o.Cancel("conv-6") {
		t.Fatal("Cancel should find the active turn")
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendTurn did not return after cancel")
	}
	if res.err != nil {
		t.Fatalf("SendTurn: %v", res.err)
	}
	if res.outcome.Status != models.TurnCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.outcome.Status)
	}

	// Nothing streams past the cancel: the flushed "zombie" delta is
	// discarded and the event stream ends on turn.cancelled.
	wantTypes(t, sink,
		models.EventTurnStart,
		models.EventChunk, models.EventChunk,
		models.EventTurnCancelled,
	)
	if got := sink.chunkText(); got != "partial" {
		t.Errorf("streamed text = %q, want %q", got, "partial")
	}

	// The unfinished assistant text is never persisted.
	if history := historyOf(t, store, "conv-6"); len(history) != 1 {
		t.Fatalf("history = %d messages, want 1", len(history))
	}

	if o.Cancel("conv-6") {
		t.Error("Cancel after completion should report no active turn")
	}
}

func TestSendTurnBusyConversation(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{blockUntilCancel: true},
	}}
	o, sink, _ := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.SendTurn(context.Background(), "conv-7", "First")
	}()
	waitFor(t, 2*time.Second, func() bool { return o.Busy("conv-7") })

	outcome, err := o.SendTurn(context.Background(), "conv-7", "Second")
	if !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("err = %v, want ErrConversationBusy", err)
	}
	if outcome != nil {
		t.Fatalf("outcome = %+v, want nil", outcome)
	}
	if o.Busy("conv-other") {
		t.Error("unrelated conversation reported busy")
	}

	o.Cancel("conv-7")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn did not finish after cancel")
	}

	// Exactly one turn's worth of lifecycle events: the rejected call
	// emitted nothing.
	if got := sink.count(models.EventTurnStart); got != 1 {
		t.Fatalf("turn.start count = %d, want 1", got)
	}
	if got := sink.count(models.EventTurnCancelled); got != 1 {
		t.Fatalf("turn.cancelled count = %d, want 1", got)
	}
}

func TestSendTurnEmptyTextRejected(t *testing.T) {
	adapter := &scriptedAdapter{}
	o, sink, _ := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	for _, text := range []string{"", "   ", "\n\t"} {
		outcome, err := o.SendTurn(context.Background(), "conv-8", text)
		if !errors.Is(err, ErrEmptyUserText) {
			t.Errorf("SendTurn(%q) err = %v, want ErrEmptyUserText", text, err)
		}
		if outcome != nil {
			t.Errorf("SendTurn(%q) outcome = %+v, want nil", text, outcome)
		}
	}
	if adapter.requestCount() != 0 {
		t.Errorf("adapter requests = %d, want 0", adapter.requestCount())
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestSendTurnRoundLimit(t *testing.T) {
	reg := newTestRegistry(t, &stubTool{name: "time", text: "noon"})
	adapter := &scriptedAdapter{rounds: []scriptedRound{
		{chunks: []string{"thinking"}, toolCalls: []models.ToolCall{{ID: "t1", Name: "time", Arguments: json.RawMessage(`{}`)}}},
		{chunks: []string{"still thinking"}, toolCalls: []models.ToolCall{{ID: "t2", Name: "time", Arguments: json.RawMessage(`{}`)}}},
	}}
	cfg := DefaultConfig()
	cfg.MaxRounds = 2
	o, sink, _ := newTestOrchestrator(t, adapter, reg, cfg)

	outcome, err := o.SendTurn(context.Background(), "conv-9", "Loop forever")
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if outcome.Status != models.TurnFailed || outcome.ErrorKind != KindRoundLimit {
		t.Fatalf("outcome = %s/%s, want failed/%s", outcome.Status, outcome.ErrorKind, KindRoundLimit)
	}
	if outcome.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", outcome.Rounds)
	}

	wantTypes(t, sink,
		models.EventTurnStart,
		models.EventChunk, models.EventToolStart, models.EventToolEnd,
		models.EventRoundBoundary,
		models.EventChunk, models.EventToolStart, models.EventToolEnd,
		models.EventTurnError,
	)

	// The last streamed text rides the error so a client can show it.
	errEvent := sink.byType(models.EventTurnError)[0]
	if errEvent.Error.Kind != KindRoundLimit || errEvent.Error.LastText != "still thinking" {
		t.Errorf("error payload = %+v", errEvent.Error)
	}
}

func TestSendTurnUnknownAgent(t *testing.T) {
	adapter := &scriptedAdapter{}
	o, sink, _ := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	outcome, err := o.SendTurn(context.Background(), "conv-10", "Hello", WithAgent("ghost"))
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if outcome.Status != models.TurnFailed || outcome.ErrorKind != KindConfiguration {
		t.Fatalf("outcome = %s/%s, want failed/configuration", outcome.Status, outcome.ErrorKind)
	}
	wantTypes(t, sink, models.EventTurnStart, models.EventTurnError)
	if detail := sink.byType(models.EventTurnError)[0].Error.Detail; !strings.Contains(detail, "ghost") {
		t.Errorf("error detail = %q, want agent name", detail)
	}
}

func TestSendTurnPerTurnSink(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []scriptedRound{{chunks: []string{"ok"}}}}
	o, base, _ := newTestOrchestrator(t, adapter, newTestRegistry(t), DefaultConfig())

	extra := &recordingSink{}
	if _, err := o.SendTurn(context.Background(), "conv-11", "Hello", WithSink(extra)); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if len(base.snapshot()) != len(extra.snapshot()) {
		t.Fatalf("base saw %d events, per-turn sink saw %d", len(base.snapshot()), len(extra.snapshot()))
	}
	if extra.count(models.EventTurnFinal) != 1 {
		t.Errorf("per-turn sink missed turn.final")
	}
}

func TestCancelWithoutActiveTurn(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &scriptedAdapter{}, newTestRegistry(t), DefaultConfig())
	if o.Cancel("nobody-home") {
		t.Error("Cancel on idle conversation should report false")
	}
}

func TestStaticResolver(t *testing.T) {
	adapter := &scriptedAdapter{}
	base := &StaticResolver{
		Agents: map[string]models.AgentSettings{
			"writer": {ID: "writer", Kind: models.AgentLocal, Provider: "scripted"},
			"remote": {ID: "remote", Kind: models.AgentRemote, Provider: "scripted"},
		},
		Adapters: map[string]provider.Adapter{"scripted": adapter},
		Default:  "writer",
	}

	if agent, got, err := base.Resolve(""); err != nil || agent.ID != "writer" || got != provider.Adapter(adapter) {
		t.Fatalf("default resolve = %q, adapter match=%v, err=%v", agent.ID, got == provider.Adapter(adapter), err)
	}
	if _, _, err := base.Resolve("missing"); err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("unknown agent err = %v", err)
	}
	if _, _, err := base.Resolve("remote"); err == nil || !strings.Contains(err.Error(), "remote") {
		t.Fatalf("remote agent err = %v", err)
	}

	noAdapter := &StaticResolver{
		Agents:  map[string]models.AgentSettings{"writer": {ID: "writer", Provider: "mystery"}},
		Default: "writer",
	}
	if _, _, err := noAdapter.Resolve("writer"); err == nil || !strings.Contains(err.Error(), "no adapter") {
		t.Fatalf("missing adapter err = %v", err)
	}

	single := &StaticResolver{
		Agents:   map[string]models.AgentSettings{"only": {ID: "only", Provider: "scripted"}},
		Adapters: map[string]provider.Adapter{"scripted": adapter},
	}
	if agent, _, err := single.Resolve(""); err != nil || agent.ID != "only" {
		t.Fatalf("single-agent fallback = %q, %v", agent.ID, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
