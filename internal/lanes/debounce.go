package lanes

import (
	"sync"
	"time"

	"github.com/sjvermaak/clawgate/internal/types"
)

// Debouncer coalesces envelopes arriving in quick succession for the
// same session before they are enqueued: text is concatenated,
// attachments are merged by content hash, latest metadata wins.
type Debouncer struct {
	mu      sync.Mutex
	maxWait time.Duration
	flush   func(sessionKey string, env *types.Envelope)
	buffers map[string]*debounceBuffer
	closed  bool
}

type debounceBuffer struct {
	env       *types.Envelope
	timer     *time.Timer
	firstSeen time.Time
}

// maxWaitFactor bounds total batching to a multiple of the window so a
// steady stream cannot defer dispatch forever.
const maxWaitFactor = 4

// NewDebouncer creates a debouncer that calls flush with the merged
// envelope once a session's window closes.
func NewDebouncer(flush func(sessionKey string, env *types.Envelope)) *Debouncer {
	return &Debouncer{
		flush:   flush,
		buffers: make(map[string]*debounceBuffer),
	}
}

// Add buffers an envelope. A window of zero bypasses coalescing.
func (d *Debouncer) Add(sessionKey string, env *types.Envelope, window time.Duration) {
	if window <= 0 {
		d.flush(sessionKey, env)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	buf, ok := d.buffers[sessionKey]
	if !ok {
		buf = &debounceBuffer{env: env, firstSeen: time.Now()}
		d.buffers[sessionKey] = buf
		buf.timer = time.AfterFunc(window, func() { d.fire(sessionKey) })
		return
	}

	buf.env.Merge(env)

	// Extend the window unless we have batched too long already.
	if time.Since(buf.firstSeen) < window*maxWaitFactor {
		buf.timer.Reset(window)
	}
}

func (d *Debouncer) fire(sessionKey string) {
	d.mu.Lock()
	buf, ok := d.buffers[sessionKey]
	if ok {
		delete(d.buffers, sessionKey)
	}
	d.mu.Unlock()

	if ok {
		d.flush(sessionKey, buf.env)
	}
}

// Close flushes all pending buffers immediately.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	var pending []struct {
		key string
		env *types.Envelope
	}
	for key, buf := range d.buffers {
		buf.timer.Stop()
		pending = append(pending, struct {
			key string
			env *types.Envelope
		}{key, buf.env})
	}
	d.buffers = make(map[string]*debounceBuffer)
	d.mu.Unlock()

	for _, p := range pending {
		d.flush(p.key, p.env)
	}
}
