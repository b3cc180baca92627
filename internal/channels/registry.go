package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/sjvermaak/clawgate/internal/logging"
)

var ErrChannelNotLinked = errors.New("channel not linked")

// capabilityChecks maps declared capabilities to the adapter interface a
// plugin must provide for the declaration to be accepted.
var capabilityChecks = map[Capability]func(Plugin) bool{
	CapReactions: func(p Plugin) bool { _, ok := p.(ReactionsAdapter); return ok },
	CapMedia:     func(p Plugin) bool { _, ok := p.(MediaAdapter); return ok },
	CapThread:    func(p Plugin) bool { _, ok := p.(ThreadsAdapter); return ok },
	CapPolls:     func(p Plugin) bool { _, ok := p.(ActionsAdapter); return ok },
	CapEffects:   func(p Plugin) bool { _, ok := p.(ActionsAdapter); return ok },
	CapNativeCommands: func(p Plugin) bool {
		_, ok := p.(ActionsAdapter)
		return ok
	},
}

// Registry holds the registered channel plugins. Registration happens at
// startup; the gateway owns the registry for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	running map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		running: make(map[string]bool),
	}
}

// Register validates and adds a plugin. A channel that advertises a
// capability without implementing the matching adapter is rejected.
func (r *Registry) Register(p Plugin) error {
	id := p.ID()
	if id == "" {
		return fmt.Errorf("channel plugin with empty id")
	}

	for cap, check := range capabilityChecks {
		if p.Capabilities().Has(cap) && !check(p) {
			return fmt.Errorf("channel %s advertises %q without implementing its adapter", id, cap)
		}
	}
	if _, ok := p.(OutboundAdapter); !ok {
		return fmt.Errorf("channel %s does not implement outbound sending", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("channel %s already registered", id)
	}
	r.plugins[id] = p
	L_info("channels: registered", "channel", id, "caps", len(p.Capabilities()))
	return nil
}

// Get returns a plugin by id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Outbound returns the plugin's outbound adapter, or ErrChannelNotLinked
// when the channel is unknown or not running.
func (r *Registry) Outbound(id string) (OutboundAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok || !r.running[id] {
		return nil, ErrChannelNotLinked
	}
	return p.(OutboundAdapter), nil
}

// StartAll starts every plugin that implements the gateway lifecycle.
// Plugins without a lifecycle (pure outbound surfaces) count as running.
func (r *Registry) StartAll(ctx context.Context, sink InboundSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.plugins {
		ga, ok := p.(GatewayAdapter)
		if !ok {
			r.running[id] = true
			continue
		}
		if err := ga.Start(ctx, sink); err != nil {
			L_error("channels: failed to start", "channel", id, "error", err)
			continue
		}
		r.running[id] = true
		L_info("channels: started", "channel", id)
	}
}

// StopAll stops plugins in reverse dependency order (registration order
// carries no dependencies, so any order drains correctly).
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.plugins {
		if !r.running[id] {
			continue
		}
		if ga, ok := p.(GatewayAdapter); ok {
			if err := ga.Stop(ctx); err != nil {
				L_warn("channels: stop failed", "channel", id, "error", err)
			}
		}
		r.running[id] = false
	}
}

// ChannelStatus is the channels.status RPC payload for one channel.
type ChannelStatus struct {
	ID      string   `json:"id"`
	Running bool     `json:"running"`
	Caps    []string `json:"caps"`
	Healthy *bool    `json:"healthy,omitempty"`
}

// Status reports every registered channel.
func (r *Registry) Status(ctx context.Context) []ChannelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(r.plugins))
	for id, p := range r.plugins {
		st := ChannelStatus{ID: id, Running: r.running[id]}
		for cap, on := range p.Capabilities() {
			if on {
				st.Caps = append(st.Caps, string(cap))
			}
		}
		if hb, ok := p.(HeartbeatAdapter); ok {
			healthy := hb.Healthy(ctx) == nil
			st.Healthy = &healthy
		}
		out = append(out, st)
	}
	return out
}

// Logout stops one channel and marks it not running.
func (r *Registry) Logout(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return ErrChannelNotLinked
	}
	if ga, ok := p.(GatewayAdapter); ok && r.running[id] {
		if err := ga.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop channel %s: %w", id, err)
		}
	}
	r.running[id] = false
	L_info("channels: logged out", "channel", id)
	return nil
}

// Normalizer returns the channel's security adapter when present.
func (r *Registry) Normalizer(id string) SecurityAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.plugins[id]; ok {
		if sec, ok := p.(SecurityAdapter); ok {
			return sec
		}
	}
	return nil
}
