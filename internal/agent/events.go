// Package agent executes the Think-Tool-Act loop for one inbound message.
package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType discriminates streamed run events.
type EventType string

const (
	EventLifecycle  EventType = "lifecycle"
	EventThought    EventType = "thought"
	EventTextDelta  EventType = "text_delta"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventFinal      EventType = "final"
)

// RunEvent is one streamed event. Seq is strictly monotonic per run and
// assigned by the emitter; exactly one final or error terminates a run.
type RunEvent struct {
	RunID string    `json:"runId"`
	Seq   int64     `json:"seq"`
	Type  EventType `json:"type"`
	TS    time.Time `json:"ts"`

	Phase string `json:"phase,omitempty"` // lifecycle: start, compaction, llm_call, delivering
	Text  string `json:"text,omitempty"`  // delta/thought/final text

	ToolName      string          `json:"toolName,omitempty"`
	ToolUseID     string          `json:"toolUseId,omitempty"`
	ToolInput     json.RawMessage `json:"toolInput,omitempty"`
	NeedsApproval bool            `json:"needsApproval,omitempty"`
	ApprovalID    string          `json:"approvalId,omitempty"`
	OK            *bool           `json:"ok,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Reason       string `json:"reason,omitempty"`  // final: completed | aborted | failed
	Partial      bool   `json:"partial,omitempty"` // final/error after streamed deltas
}

// Critical events are never dropped under backpressure.
func (e *RunEvent) Critical() bool {
	switch e.Type {
	case EventLifecycle, EventFinal, EventError:
		return true
	}
	return false
}

// Sink receives run events; the gateway fans them out to the event bus.
type Sink interface {
	Emit(ev RunEvent)
}

// deltaFlushInterval is the minimum spacing of text_delta emissions.
const deltaFlushInterval = 150 * time.Millisecond

// Emitter assigns sequence numbers and throttles text deltas: deltas are
// coalesced and emitted at most once per flush interval, and flushed
// eagerly before any non-delta event so ordering is preserved.
type Emitter struct {
	runID string
	sink  Sink

	mu        sync.Mutex
	seq       int64
	buf       string
	lastFlush time.Time
	timer     *time.Timer
	streamed  bool // any delta left the emitter
	closed    bool
}

// NewEmitter creates an emitter for one run.
func NewEmitter(runID string, sink Sink) *Emitter {
	return &Emitter{runID: runID, sink: sink}
}

func (e *Emitter) emitLocked(ev RunEvent) {
	e.seq++
	ev.RunID = e.runID
	ev.Seq = e.seq
	ev.TS = time.Now()
	e.sink.Emit(ev)
}

// Delta buffers a text delta.
func (e *Emitter) Delta(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.buf += text

	if time.Since(e.lastFlush) >= deltaFlushInterval {
		e.flushLocked()
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(deltaFlushInterval, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.timer = nil
			if !e.closed {
				e.flushLocked()
			}
		})
	}
}

func (e *Emitter) flushLocked() {
	if e.buf == "" {
		return
	}
	e.emitLocked(RunEvent{Type: EventTextDelta, Text: e.buf})
	e.buf = ""
	e.lastFlush = time.Now()
	e.streamed = true
}

// Emit sends a non-delta event, flushing any buffered delta first.
func (e *Emitter) Emit(ev RunEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.flushLocked()
	e.emitLocked(ev)
	if ev.Type == EventFinal || ev.Type == EventError {
		e.closed = true
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// Streamed reports whether any delta reached subscribers (sets the
// partial marker on a trailing error).
func (e *Emitter) Streamed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamed
}

// Lifecycle emits a lifecycle phase event.
func (e *Emitter) Lifecycle(phase string) {
	e.Emit(RunEvent{Type: EventLifecycle, Phase: phase})
}
