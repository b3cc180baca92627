package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sjvermaak/clawgate/internal/logging"
)

// Manager owns the live configuration snapshot. Readers call Current and
// keep using the returned pointer for the duration of their operation;
// reloads publish a fresh snapshot without touching published ones.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	onSwap  []func(*Config)
}

// Load reads the config file at path, merges it over defaults and returns
// a manager holding the initial snapshot.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

// parseFile reads and validates one snapshot from disk.
func parseFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.L_warn("config: file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// File values override defaults, defaults fill the gaps. A zero value
	// in the file (false, 0, "") counts as a gap and takes the default.
	if err := mergo.Merge(&loaded, *cfg); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if err := validate(&loaded); err != nil {
		return nil, err
	}
	return &loaded, nil
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		seen[a.ID] = true
	}
	for i, b := range cfg.Bindings {
		if b.Agent == "" {
			return fmt.Errorf("binding %d: missing agent", i)
		}
		if b.Channel == "" {
			return fmt.Errorf("binding %d: missing channel", i)
		}
		if !seen[b.Agent] {
			return fmt.Errorf("binding %d: unknown agent %q", i, b.Agent)
		}
	}
	if cfg.Gateway.DefaultAgent != "" && !seen[cfg.Gateway.DefaultAgent] {
		return fmt.Errorf("defaultAgent %q not configured", cfg.Gateway.DefaultAgent)
	}
	for _, cc := range cfg.Channels {
		switch cc.DMPolicy {
		case "", DMPolicyOpen, DMPolicyAllowlist, DMPolicyPairing, DMPolicyDisabled:
		default:
			return fmt.Errorf("invalid dmPolicy: %s", cc.DMPolicy)
		}
		switch cc.SessionScope {
		case "", SessionScopePerPeer, SessionScopePerAgent:
		default:
			return fmt.Errorf("invalid sessionScope: %s", cc.SessionScope)
		}
	}
	return nil
}

// Current returns the live snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Path returns the config file path.
func (m *Manager) Path() string { return m.path }

// OnSwap registers a callback invoked with each newly published snapshot.
// Register before Watch; not safe to call concurrently with reloads.
func (m *Manager) OnSwap(fn func(*Config)) {
	m.onSwap = append(m.onSwap, fn)
}

// Reload parses the file and publishes a new snapshot. In-flight runs keep
// the snapshot they started with; new routing decisions see the new one.
func (m *Manager) Reload() error {
	cfg, err := parseFile(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	logging.L_info("config: snapshot published",
		"agents", len(cfg.Agents),
		"bindings", len(cfg.Bindings),
		"channels", len(cfg.Channels))
	for _, fn := range m.onSwap {
		fn(cfg)
	}
	return nil
}

// Watch starts a filesystem watcher that reloads on changes to the config
// file. Parse errors keep the previous snapshot live.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	m.watcher = w

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		// Editors produce bursts of events; settle before reloading.
		var pending *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, func() {
					if err := m.Reload(); err != nil {
						logging.L_error("config: reload failed, keeping previous snapshot", "error", err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.L_warn("config: watcher error", "error", err)
			}
		}
	}()

	logging.L_debug("config: watching for changes", "path", m.path)
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
