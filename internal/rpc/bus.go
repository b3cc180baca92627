package rpc

import (
	"sync"
)

// Bus fans server events out to connections. Subscriptions are implicit:
// a connection receives an event when its scopes pass the event's filter.
type Bus struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{conns: make(map[string]*Conn)}
}

func (b *Bus) add(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID] = c
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

// Publish multicasts an event to every connection whose scope set passes
// the filter (nil filter = read scope suffices).
func (b *Bus) Publish(event string, payload any, critical bool, filter func(*Conn) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.conns {
		if filter != nil {
			if !filter(c) {
				continue
			}
		} else if !c.Scopes.Allows(ScopeRead) {
			continue
		}
		c.SendEvent(event, payload, critical)
	}
}

// Count returns the number of live connections.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
