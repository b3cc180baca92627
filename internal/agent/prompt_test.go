package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/types"
)

func TestSystemPromptLayers(t *testing.T) {
	dir := t.TempDir()
	persona := filepath.Join(dir, "persona.md")
	os.WriteFile(persona, []byte("You are Max."), 0640)
	skill := filepath.Join(dir, "skill.md")
	os.WriteFile(skill, []byte("You can schedule reminders."), 0640)

	p := NewPromptAssembler()
	got := p.System(&config.AgentConfig{
		ID:           "a1",
		Overlay:      "Domain: home automation.",
		SystemPrompt: persona,
		Skills:       []string{skill},
	})

	for i, want := range []string{BasePrompt, "Domain: home automation.", "You are Max.", "You can schedule reminders."} {
		if !strings.Contains(got, want) {
			t.Errorf("layer %d missing from prompt", i)
		}
		if idx := strings.Index(got, want); i > 0 {
			prev := []string{BasePrompt, "Domain: home automation.", "You are Max."}[i-1]
			if idx < strings.Index(got, prev) {
				t.Errorf("layer %d out of order", i)
			}
		}
	}
}

func TestPromptFileCacheRefreshesOnChange(t *testing.T) {
	dir := t.TempDir()
	persona := filepath.Join(dir, "persona.md")
	os.WriteFile(persona, []byte("old persona"), 0640)

	p := NewPromptAssembler()
	agentCfg := &config.AgentConfig{ID: "a1", SystemPrompt: persona}
	if got := p.System(agentCfg); !strings.Contains(got, "old persona") {
		t.Fatal("initial layer missing")
	}

	// Forward-dated mtime change forces a visible difference.
	os.WriteFile(persona, []byte("new persona"), 0640)
	future := time.Now().Add(time.Hour)
	os.Chtimes(persona, future, future)

	if got := p.System(agentCfg); !strings.Contains(got, "new persona") {
		t.Error("changed layer not reloaded")
	}
}

func TestEnvelopeHeader(t *testing.T) {
	env := &types.Envelope{
		Channel:     "x",
		FromDisplay: "Alice",
		Timestamp:   time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC),
		Text:        "hello",
	}
	got := EnvelopeHeader(env)
	want := "[x Alice 2026-08-06T10:00:00Z] hello"
	if got != want {
		t.Errorf("header = %q, want %q", got, want)
	}

	env.FromDisplay = ""
	env.Peer = "u1"
	if got := EnvelopeHeader(env); !strings.Contains(got, "u1") {
		t.Error("peer should stand in for missing display name")
	}
}
