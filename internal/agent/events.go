package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// eventVersion is stamped on every emitted event.
const eventVersion = 1

// emitter stamps and dispatches the events of a single turn. It owns the
// per-turn sequence counter and the current round number. The sequence
// is atomic because tool.end events come from executor goroutines; round
// is plain because it only changes between rounds, when no emitting
// goroutine is live.
type emitter struct {
	sink           Sink
	conversationID string
	turnID         string
	round          int
	seq            atomic.Uint64
}

func newEmitter(sink Sink, conversationID, turnID string) *emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &emitter{sink: sink, conversationID: conversationID, turnID: turnID}
}

// setRound advances the round stamped on subsequent events. Callers must
// not invoke it while tool goroutines from the previous round are live.
func (e *emitter) setRound(round int) { e.round = round }

func (e *emitter) event(t models.TurnEventType) models.TurnEvent {
	return models.TurnEvent{
		Version:        eventVersion,
		Type:           t,
		Time:           time.Now(),
		Sequence:       e.seq.Add(1),
		ConversationID: e.conversationID,
		TurnID:         e.turnID,
		Round:          e.round,
	}
}

func (e *emitter) emit(ctx context.Context, ev models.TurnEvent) {
	observability.EventsEmittedTotal.WithLabelValues(string(ev.Type)).Inc()
	e.sink.Emit(ctx, ev)
}

func (e *emitter) turnStart(ctx context.Context) {
	e.emit(ctx, e.event(models.EventTurnStart))
}

func (e *emitter) chunk(ctx context.Context, text string) {
	ev := e.event(models.EventChunk)
	ev.Chunk = &models.ChunkPayload{Text: text}
	e.emit(ctx, ev)
}

func (e *emitter) toolStart(ctx context.Context, call models.ToolCall) {
	ev := e.event(models.EventToolStart)
	ev.Tool = &models.ToolPayload{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}
	e.emit(ctx, ev)
}

func (e *emitter) toolEnd(ctx context.Context, res models.ToolResult) {
	ev := e.event(models.EventToolEnd)
	ev.Tool = &models.ToolPayload{
		CallID:  res.ToolCallID,
		Name:    res.Name,
		Success: res.Success,
		Result:  res.Content,
		Elapsed: res.Elapsed,
	}
	e.emit(ctx, ev)
}

func (e *emitter) roundBoundary(ctx context.Context) {
	e.emit(ctx, e.event(models.EventRoundBoundary))
}

func (e *emitter) final(ctx context.Context, msg *models.Message, rounds int, usage models.Usage) {
	ev := e.event(models.EventTurnFinal)
	ev.Final = &models.FinalPayload{Message: msg, Rounds: rounds, Usage: usage}
	e.emit(ctx, ev)
}

func (e *emitter) turnError(ctx context.Context, te *TurnError) {
	ev := e.event(models.EventTurnError)
	ev.Error = &models.ErrorPayload{Kind: te.Kind, Detail: te.Detail, LastText: te.LastText, Err: te.Cause}
	e.emit(ctx, ev)
}

func (e *emitter) cancelled(ctx context.Context) {
	e.emit(ctx, e.event(models.EventTurnCancelled))
}
