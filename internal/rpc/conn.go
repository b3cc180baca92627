package rpc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/sjvermaak/clawgate/internal/logging"
)

// outFrame is one queued outbound frame.
type outFrame struct {
	data     []byte
	critical bool // never dropped under backpressure
	isEvent  bool
}

// Conn is one authenticated control-plane connection. Outbound frames go
// through a byte-bounded queue: when it overflows, the oldest
// non-critical events are dropped and a gap marker is enqueued; critical
// frames (responses, lifecycle/final/error events) survive.
type Conn struct {
	ID     string
	Scopes ScopeSet
	Role   string

	ws          *websocket.Conn
	maxBuffered int

	mu       sync.Mutex
	queue    []outFrame
	buffered int
	seq      int64
	dropped  int
	closed   bool
	wake     chan struct{}

	lastPong time.Time
}

func newConn(id string, ws *websocket.Conn, scopes ScopeSet, role string, maxBuffered int) *Conn {
	if maxBuffered <= 0 {
		maxBuffered = 4 << 20
	}
	return &Conn{
		ID:          id,
		Scopes:      scopes,
		Role:        role,
		ws:          ws,
		maxBuffered: maxBuffered,
		wake:        make(chan struct{}, 1),
		lastPong:    time.Now(),
	}
}

// enqueue queues a marshalled frame for the writer.
func (c *Conn) enqueue(data []byte, critical, isEvent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.enqueueLocked(data, critical, isEvent)
}

func (c *Conn) enqueueLocked(data []byte, critical, isEvent bool) {
	c.queue = append(c.queue, outFrame{data: data, critical: critical, isEvent: isEvent})
	c.buffered += len(data)

	if c.buffered > c.maxBuffered {
		c.dropNonCriticalLocked()
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dropNonCriticalLocked sheds oldest droppable events until under the
// limit, then queues one gap marker describing what was lost.
func (c *Conn) dropNonCriticalLocked() {
	dropped := 0
	kept := c.queue[:0]
	for _, f := range c.queue {
		if c.buffered > c.maxBuffered && f.isEvent && !f.critical {
			c.buffered -= len(f.data)
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	c.queue = kept

	if dropped > 0 {
		c.dropped += dropped
		gap := c.eventFrameLocked(EventGap, map[string]any{"dropped": dropped})
		c.queue = append(c.queue, outFrame{data: gap, critical: true, isEvent: true})
		c.buffered += len(gap)
		L_warn("rpc: outbound buffer overflow, dropped events", "conn", c.ID, "dropped", dropped)
	}
}

// eventFrameLocked marshals an event frame with the next per-connection
// sequence number. Caller holds c.mu.
func (c *Conn) eventFrameLocked(event string, payload any) []byte {
	c.seq++
	raw, _ := json.Marshal(payload)
	frame := Frame{Type: FrameEvent, Event: event, Seq: c.seq, Payload: raw}
	data, _ := json.Marshal(frame)
	return data
}

// SendEvent queues an event for this connection. Seq assignment and
// enqueue happen under one lock so queue order matches seq order.
func (c *Conn) SendEvent(event string, payload any, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	data := c.eventFrameLocked(event, payload)
	c.enqueueLocked(data, critical, true)
}

// SendResponse queues a response frame.
func (c *Conn) SendResponse(id string, payload any, rpcErr *Error) {
	ok := rpcErr == nil
	frame := Frame{Type: FrameRes, ID: id, OK: &ok}
	if rpcErr != nil {
		rpcErr.RequestID = id
		frame.Err = rpcErr
	} else if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			frame.Err = Errf(CodeInternalError, "failed to encode payload")
			okFalse := false
			frame.OK = &okFalse
		} else {
			frame.Payload = raw
		}
	}
	data, _ := json.Marshal(frame)
	c.enqueue(data, true, false)
}

// writeLoop drains the queue onto the socket until close.
func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		var next *outFrame
		if len(c.queue) > 0 {
			next = &c.queue[0]
			c.queue = c.queue[1:]
			c.buffered -= len(next.data)
		}
		closed := c.closed
		c.mu.Unlock()

		if next == nil {
			if closed {
				return
			}
			<-c.wake
			continue
		}

		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, next.data); err != nil {
			L_debug("rpc: write failed, closing", "conn", c.ID, "error", err)
			c.close()
			return
		}
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.ws.Close()
}
