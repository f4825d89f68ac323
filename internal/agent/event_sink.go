package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/coachd/pkg/models"
)

// StreamEventType identifies a progress event sent to clients.
type StreamEventType string

const (
	StreamStatus     StreamEventType = "status"
	StreamToolStart  StreamEventType = "tool_start"
	StreamToolResult StreamEventType = "tool_result"
	StreamKnowledge  StreamEventType = "knowledge"
	StreamDone       StreamEventType = "done"
	StreamError      StreamEventType = "error"
)

// StreamEvent is one progress update of a running turn.
type StreamEvent struct {
	Type      StreamEventType      `json:"type"`
	SessionID string               `json:"session_id"`
	Iteration int                  `json:"iteration,omitempty"`
	Tool      string               `json:"tool,omitempty"`
	CallID    string               `json:"call_id,omitempty"`
	Success   *bool                `json:"success,omitempty"`
	Text      string               `json:"text,omitempty"`
	Warning   string               `json:"warning,omitempty"`
	Artifact  *models.Artifact     `json:"artifact,omitempty"`
	Source    string               `json:"source,omitempty"`
	Params    map[string]any       `json:"params,omitempty"`
	Status    models.SessionStatus `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
	Messages  []string             `json:"messages,omitempty"`
	Time      time.Time            `json:"time"`
}

// EventSink receives stream events while a turn runs.
//
// Emit must never block the loop and must be safe to call from multiple
// goroutines. A sink whose listener has gone away drops events silently.
type EventSink interface {
	Emit(ctx context.Context, e StreamEvent)
}

// ChanSink delivers events to a channel in emit order.
//
// Emit never blocks: events wait in an unbounded queue until the listener
// reads them, so nothing is lost while a listener is attached. Close ends
// the stream once queued events are delivered. Detach is for a listener
// that went away: queued and later events are dropped and counted.
type ChanSink struct {
	mu       sync.Mutex
	queue    []StreamEvent
	closed   bool
	detached bool
	onDrop   func()
	dropped  atomic.Uint64

	wake chan struct{}
	gone chan struct{}
	out  chan StreamEvent
}

// NewChanSink creates a sink whose channel has the given buffer size. The
// caller reads from Events and must call Close or Detach.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	s := &ChanSink{
		wake: make(chan struct{}, 1),
		gone: make(chan struct{}),
		out:  make(chan StreamEvent, buffer),
	}
	go s.pump()
	return s
}

// OnDrop registers a callback invoked for each dropped event.
func (s *ChanSink) OnDrop(fn func()) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// Events returns the receive side of the sink. It is closed after Close
// once every queued event was received, or right after Detach.
func (s *ChanSink) Events() <-chan StreamEvent {
	return s.out
}

// Emit queues the event without blocking.
func (s *ChanSink) Emit(ctx context.Context, e StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropLocked(1)
		return
	}
	s.queue = append(s.queue, e)
	s.signal()
}

// Close ends the stream. Queued events are still delivered.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
}

// Detach drops queued events and every later emit.
func (s *ChanSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.detached {
		return
	}
	s.detached = true
	s.dropLocked(len(s.queue))
	s.queue = nil
	close(s.gone)
}

// Dropped returns how many events were discarded.
func (s *ChanSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *ChanSink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ChanSink) dropLocked(n int) {
	for i := 0; i < n; i++ {
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// pump moves queued events to the channel until the sink is closed and
// drained, or detached.
func (s *ChanSink) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.detached {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.gone:
			}
			continue
		}
		ev := s.queue[0]
		s.queue[0] = StreamEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.gone:
			s.mu.Lock()
			s.dropLocked(1)
			s.mu.Unlock()
			return
		}
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a fan-out sink. Nil sinks are skipped.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e StreamEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e StreamEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e StreamEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e StreamEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, StreamEvent) {}

func boolPtr(v bool) *bool { return &v }
