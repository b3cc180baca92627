package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clawgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  listen: "127.0.0.1:9999"
agents:
  - id: a1
    model: anthropic/claude-opus-4-5
`)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.Current()
	if cfg.Gateway.Listen != "127.0.0.1:9999" {
		t.Errorf("listen = %q", cfg.Gateway.Listen)
	}
	// Defaults fill unset fields.
	if cfg.Gateway.MaxPayloadBytes != 16<<20 {
		t.Errorf("maxPayloadBytes = %d, want default", cfg.Gateway.MaxPayloadBytes)
	}
	if cfg.Session.ContextWindowTokens != 200000 {
		t.Errorf("contextWindowTokens = %d, want default", cfg.Session.ContextWindowTokens)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Current().Gateway.Listen == "" {
		t.Error("defaults not applied")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate agent", `
agents:
  - {id: a1, model: m/x}
  - {id: a1, model: m/y}
`},
		{"binding to unknown agent", `
agents:
  - {id: a1, model: m/x}
bindings:
  - {channel: x, agent: ghost}
`},
		{"bad dm policy", `
agents:
  - {id: a1, model: m/x}
channels:
  x: {dmPolicy: sometimes}
`},
		{"default agent unknown", `
gateway: {defaultAgent: ghost}
`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected load failure", tc.name)
		}
	}
}

func TestReloadPublishesSnapshot(t *testing.T) {
	path := writeConfig(t, `
agents:
  - {id: a1, model: m/x}
`)
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	old := m.Current()

	var swapped *Config
	m.OnSwap(func(c *Config) { swapped = c })

	body := `
agents:
  - {id: a1, model: m/x}
  - {id: a2, model: m/y}
`
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if len(m.Current().Agents) != 2 {
		t.Errorf("agents after reload = %d", len(m.Current().Agents))
	}
	if len(old.Agents) != 1 {
		t.Error("old snapshot mutated by reload")
	}
	if swapped == nil || len(swapped.Agents) != 2 {
		t.Error("OnSwap not invoked with new snapshot")
	}
}

func TestReloadKeepsOldOnError(t *testing.T) {
	path := writeConfig(t, `
agents:
  - {id: a1, model: m/x}
`)
	m, _ := Load(path)

	os.WriteFile(path, []byte("agents: [{id: a1, model"), 0640)
	if err := m.Reload(); err == nil {
		t.Fatal("reload of broken config should fail")
	}
	if len(m.Current().Agents) != 1 {
		t.Error("previous snapshot lost after failed reload")
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := AtomicWriteJSON(path, map[string]int{"a": 1}, 0600); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
	// No temp file leftovers.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory entries = %d, want 1", len(entries))
	}
}
