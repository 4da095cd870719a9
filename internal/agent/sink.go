package agent

import (
	"context"
	"sync/atomic"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// Sink receives the turn events of a conversation. Implementations must
// be safe for concurrent use: tool.end events are emitted from executor
// goroutines while the turn loop keeps running.
type Sink interface {
	Emit(ctx context.Context, event models.TurnEvent)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.TurnEvent) {}

// CallbackSink adapts a function to the Sink interface. The function is
// called inline on the emitting goroutine and must not block.
type CallbackSink func(models.TurnEvent)

func (f CallbackSink) Emit(_ context.Context, event models.TurnEvent) { f(event) }

// MultiSink fans each event out to every child sink, in order.
type MultiSink []Sink

// NewMultiSink builds a MultiSink, dropping nil children.
func NewMultiSink(sinks ...Sink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m MultiSink) Emit(ctx context.Context, event models.TurnEvent) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// ChanSink forwards events into a channel without ever blocking the
// turn: when the buffer is full the event is dropped and counted. Use
// BackpressureSink when lifecycle events must survive a slow consumer.
type ChanSink struct {
	C chan models.TurnEvent
}

func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 64
	}
	return &ChanSink{C: make(chan models.TurnEvent, size)}
}

func (s *ChanSink) Emit(_ context.Context, event models.TurnEvent) {
	select {
	case s.C <- event:
	default:
		observability.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
	}
}

// isDroppable reports whether an event may be discarded under
// backpressure. Only streaming text is: every other event changes what
// the client knows about turn state.
func isDroppable(t models.TurnEventType) bool {
	return t == models.EventChunk
}

// BackpressureSink decouples a slow consumer from the turn loop. Chunk
// events ride a low-priority lane and are dropped (and counted) when it
// fills; lifecycle and tool events ride a high-priority lane that is
// never dropped while the sink is open. A merge loop serializes both
// lanes into the output channel, preferring the high-priority lane.
type BackpressureSink struct {
	out     chan models.TurnEvent
	highPri chan models.TurnEvent
	lowPri  chan models.TurnEvent
	dropped atomic.Uint64
	closed  atomic.Bool
	done    chan struct{}
}

// NewBackpressureSink creates a running sink. size is the buffer depth
// of each internal lane and of the output channel.
func NewBackpressureSink(size int) *BackpressureSink {
	if size <= 0 {
		size = 64
	}
	s := &BackpressureSink{
		out:     make(chan models.TurnEvent, size),
		highPri: make(chan models.TurnEvent, size),
		lowPri:  make(chan models.TurnEvent, size),
		done:    make(chan struct{}),
	}
	go s.mergeLoop()
	return s
}

// Events returns the channel consumers read from. Close closes it after
// pending high-priority events are flushed.
func (s *BackpressureSink) Events() <-chan models.TurnEvent { return s.out }

func (s *BackpressureSink) Emit(_ context.Context, event models.TurnEvent) {
	if s.closed.Load() {
		return
	}
	if isDroppable(event.Type) {
		select {
		case s.lowPri <- event:
		default:
			s.dropped.Add(1)
			observability.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
		return
	}
	select {
	case s.highPri <- event:
	case <-s.done:
	}
}

// DroppedCount reports how many chunk events have been discarded so far.
func (s *BackpressureSink) DroppedCount() uint64 { return s.dropped.Load() }

// Close stops the merge loop and closes the output channel. Idempotent.
func (s *BackpressureSink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
}

func (s *BackpressureSink) mergeLoop() {
	defer close(s.out)
	for {
		// Empty the high-priority lane first so a flood of chunks
		// cannot starve lifecycle events.
		select {
		case e := <-s.highPri:
			if !s.forward(e) {
				return
			}
			continue
		default:
		}
		select {
		case e := <-s.highPri:
			if !s.forward(e) {
				return
			}
		case e := <-s.lowPri:
			if !s.forward(e) {
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *BackpressureSink) forward(e models.TurnEvent) bool {
	select {
	case s.out <- e:
		return true
	case <-s.done:
		s.flush()
		return false
	}
}

// flush makes a best-effort pass over pending high-priority events after
// Close so terminal events already emitted are not lost.
func (s *BackpressureSink) flush() {
	for {
		select {
		case e := <-s.highPri:
			select {
			case s.out <- e:
			default:
				return
			}
		default:
			return
		}
	}
}
