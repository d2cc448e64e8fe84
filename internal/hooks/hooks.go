// Package hooks implements the Hooks & Metrics observer bus: a pure sink for
// lifecycle events raised by every other component. Delivery is best-effort
// and non-blocking to producers — a slow or panicking observer can never
// back-pressure or crash the turn engine.
package hooks

import (
	"log/slog"
	"time"
)

// EventKind discriminates the variants dispatched on the bus.
type EventKind string

const (
	EventConnect       EventKind = "connect"
	EventDisconnect    EventKind = "disconnect"
	EventTurnBegin     EventKind = "turn_begin"
	EventTurnEnd       EventKind = "turn_end"
	EventSTTDuration   EventKind = "stt_duration"
	EventLLMDuration   EventKind = "llm_duration"
	EventTTSDuration   EventKind = "tts_duration"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventStageEnter    EventKind = "stage_enter"
	EventStageExit     EventKind = "stage_exit"
	EventTransition    EventKind = "transition"
	EventError         EventKind = "error"
)

// Event is the single envelope type dispatched to observers; Kind
// discriminates which of the optional fields are meaningful, following the
// same tagged-union shape as the wire protocol's TurnEvent.
type Event struct {
	Kind      EventKind
	SessionID string
	Timestamp time.Time

	TurnGeneration uint64

	// Duration is set for *_duration events and tool call end events.
	Duration time.Duration

	// TimeToFirstToken is set for llm_duration events when available.
	TimeToFirstToken time.Duration

	// Component names the provider/component an error or duration pertains
	// to (e.g. "stt", "llm", "tts", "tool:get_weather").
	Component string

	// ToolCallID/ToolName are set for tool_call_* events.
	ToolCallID string
	ToolName   string

	// FromStage/ToStage/Reason are set for stage_enter/stage_exit/transition
	// events.
	FromStage string
	ToStage   string
	Reason    string

	// ErrorCode/ErrorMessage are set for error events.
	ErrorCode    string
	ErrorMessage string
}

// Observer receives Events. Implementations must return promptly; Notify
// is called from a bounded worker pool, not the producing goroutine, but a
// stuck observer still occupies a worker slot indefinitely, so observers
// should treat long-running work as a bug.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(e Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(e Event) { f(e) }

// defaultWorkers is the size of the dispatch pool; chosen to absorb bursts
// (a turn can raise a dozen events) without spawning per-event goroutines.
const defaultWorkers = 8

// defaultQueueSize bounds how many pending dispatches may queue before new
// events are dropped rather than applying back-pressure to producers.
const defaultQueueSize = 1024

// dispatch pairs one event with the one observer it must reach.
type dispatch struct {
	obs Observer
	ev  Event
}

// Bus is the observer dispatch bus. Zero value is not usable; construct
// with New.
type Bus struct {
	observers []Observer
	queue     chan dispatch
	done      chan struct{}
}

// New creates a Bus with the given observers registered up front and starts
// its worker pool. Call Close to stop the pool once the process is
// shutting down.
func New(observers ...Observer) *Bus {
	b := &Bus{
		observers: append([]Observer(nil), observers...),
		queue:     make(chan dispatch, defaultQueueSize),
		done:      make(chan struct{}),
	}
	for i := 0; i < defaultWorkers; i++ {
		go b.worker()
	}
	return b
}

// Register adds an observer. Not safe to call concurrently with Emit; call
// during startup wiring only.
func (b *Bus) Register(o Observer) {
	b.observers = append(b.observers, o)
}

// Emit fans e out to every registered observer without blocking the
// caller: if the dispatch queue is full, the event is dropped for that
// observer and logged at debug level, never blocking the turn engine.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, o := range b.observers {
		select {
		case b.queue <- dispatch{obs: o, ev: e}:
		default:
			slog.Debug("hooks: dropping event, dispatch queue full", "kind", e.Kind, "session_id", e.SessionID)
		}
	}
}

func (b *Bus) worker() {
	for {
		select {
		case <-b.done:
			return
		case d := <-b.queue:
			b.deliver(d)
		}
	}
}

func (b *Bus) deliver(d dispatch) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("hooks: observer panicked, dropping", "panic", r, "kind", d.ev.Kind)
		}
	}()
	d.obs.Notify(d.ev)
}

// Close stops the worker pool. Pending queued dispatches are discarded.
func (b *Bus) Close() {
	close(b.done)
}
