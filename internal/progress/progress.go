// Package progress serializes runner state transitions into the
// ordered event stream consumed by callers. The sequence is the
// contract: tool_start precedes its tool_end, and exactly one terminal
// event (done or error) closes a turn — the emitter enforces both the
// terminal latch and single-writer ordering.
package progress

import (
	"sync"
	"time"
)

// EventType enumerates the wire event types.
type EventType string

const (
	TypeMetadata  EventType = "metadata"
	TypeProgress  EventType = "progress"
	TypeToolStart EventType = "tool_start"
	TypeToolEnd   EventType = "tool_end"
	TypeHandoff   EventType = "handoff"
	TypeDelta     EventType = "delta"
	TypeDone      EventType = "done"
	TypeError     EventType = "error"
)

// Event is one unit of the progress stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter writes events for a single turn. The zero value is not
// usable; construct with NewEmitter. Safe for concurrent use by
// manager-pattern sub-turns.
type Emitter struct {
	mu       sync.Mutex
	write    func(Event)
	bus      *Bus
	terminal bool
}

// NewEmitter creates an emitter that delivers each event to write (the
// transport, e.g. an NDJSON stream) and, when bus is non-nil, mirrors
// it onto the broadcast bus. write may be nil for bus-only emitters.
func NewEmitter(write func(Event), bus *Bus) *Emitter {
	return &Emitter{write: write, bus: bus}
}

// Emit appends an event to the stream. Events after a terminal event
// are dropped, and a second terminal event is dropped; Emit reports
// whether the event was delivered.
func (e *Emitter) Emit(t EventType, data map[string]any) bool {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return false
	}
	if t == TypeDone || t == TypeError {
		e.terminal = true
	}
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	if e.write != nil {
		e.write(ev)
	}
	// Publish is non-blocking, so holding the lock keeps bus
	// subscribers seeing the same order as the stream without risking
	// a stall.
	e.bus.Publish(ev)
	e.mu.Unlock()

	return true
}

// Terminal reports whether a done or error event has been emitted.
func (e *Emitter) Terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Metadata emits the routing metadata event at the start of execution.
func (e *Emitter) Metadata(data map[string]any) bool {
	return e.Emit(TypeMetadata, data)
}

// Progress emits a free-form progress note.
func (e *Emitter) Progress(stage, detail string) bool {
	return e.Emit(TypeProgress, map[string]any{"stage": stage, "detail": detail})
}

// ToolStart emits a tool_start event with redacted parameters.
func (e *Emitter) ToolStart(tool, description string, params map[string]any) bool {
	data := map[string]any{"tool_name": tool}
	if description != "" {
		data["tool_description"] = description
	}
	if len(params) > 0 {
		data["parameters"] = RedactParams(params)
	}
	return e.Emit(TypeToolStart, data)
}

// ToolEnd emits a tool_end event. The result is summarized, never
// included raw.
func (e *Emitter) ToolEnd(tool string, success bool, duration time.Duration, result string) bool {
	data := map[string]any{
		"tool_name":   tool,
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	}
	if result != "" {
		data["result"] = SummarizeResult(result)
	}
	return e.Emit(TypeToolEnd, data)
}

// Handoff emits a handoff event when one specialist takes over the
// turn.
func (e *Emitter) Handoff(from, to, reason string) bool {
	data := map[string]any{"from_agent": from, "to_agent": to}
	if reason != "" {
		data["reason"] = reason
	}
	return e.Emit(TypeHandoff, data)
}

// Delta emits an incremental text token.
func (e *Emitter) Delta(text string) bool {
	return e.Emit(TypeDelta, map[string]any{"text": text})
}

// Done emits the single terminal success event.
func (e *Emitter) Done(content string, duration time.Duration, model, route string, toolsUsed []string) bool {
	return e.Emit(TypeDone, map[string]any{
		"content":     content,
		"done":        true,
		"duration_ms": duration.Milliseconds(),
		"model":       model,
		"route":       route,
		"tools_used":  toolsUsed,
	})
}

// Error emits the single terminal failure event. detail is included
// only when debug is true (non-production configurations).
func (e *Emitter) Error(message string, debug bool, detail map[string]any) bool {
	data := map[string]any{"error": message}
	if debug {
		for k, v := range detail {
			data[k] = v
		}
	}
	return e.Emit(TypeError, data)
}
