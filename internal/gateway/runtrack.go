package gateway

import (
	"sync"
	"time"

	"github.com/sjvermaak/clawgate/internal/agent"
)

// runTracker remembers active runs and their terminal events so
// agent.wait can block on completion, plus the session -> agent routing
// decided at enqueue time.
type runTracker struct {
	mu      sync.Mutex
	routes  map[string]string // session key -> agent id
	active  map[string]string // run id -> session key
	done    map[string]chan agent.RunEvent
	results map[string]agent.RunEvent
}

// resultRetention bounds how long terminal events stay queryable.
const resultRetention = 10 * time.Minute

func newRunTracker() *runTracker {
	return &runTracker{
		routes:  make(map[string]string),
		active:  make(map[string]string),
		done:    make(map[string]chan agent.RunEvent),
		results: make(map[string]agent.RunEvent),
	}
}

func (t *runTracker) noteRoute(sessionKey, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[sessionKey] = agentID
}

func (t *runTracker) agentFor(sessionKey string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes[sessionKey]
}

func (t *runTracker) start(runID, sessionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[runID] = sessionKey
	if _, ok := t.done[runID]; !ok {
		t.done[runID] = make(chan agent.RunEvent, 1)
	}
}

func (t *runTracker) finish(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, runID)
}

// observe records terminal events and releases waiters.
func (t *runTracker) observe(ev agent.RunEvent) {
	if ev.Type != agent.EventFinal && ev.Type != agent.EventError {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[ev.RunID] = ev
	if ch, ok := t.done[ev.RunID]; ok {
		select {
		case ch <- ev:
		default:
		}
	}
	// Keep the result window bounded.
	runID := ev.RunID
	time.AfterFunc(resultRetention, func() {
		t.mu.Lock()
		delete(t.results, runID)
		delete(t.done, runID)
		t.mu.Unlock()
	})
}

// wait blocks until the run terminates or the timeout passes.
func (t *runTracker) wait(runID string, timeout time.Duration) (agent.RunEvent, bool) {
	t.mu.Lock()
	if ev, ok := t.results[runID]; ok {
		t.mu.Unlock()
		return ev, true
	}
	ch, ok := t.done[runID]
	if !ok {
		ch = make(chan agent.RunEvent, 1)
		t.done[runID] = ch
	}
	t.mu.Unlock()

	select {
	case ev := <-ch:
		return ev, true
	case <-time.After(timeout):
		return agent.RunEvent{}, false
	}
}

func (t *runTracker) sessionOf(runID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.active[runID]
	return key, ok
}
