package agent

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/types"
)

// BasePrompt is the global base layer of every system prompt.
const BasePrompt = `You are a personal assistant reachable over chat. Reply in the tone of the
channel you are on; keep answers short unless asked otherwise. Use the tools
available to you when they help, and say so when you cannot do something.`

// PromptAssembler builds the layered system prompt: global base,
// vertical overlay, per-agent persona, active skill instructions.
// File layers are cached by path+mtime.
type PromptAssembler struct {
	mu    sync.Mutex
	cache map[string]promptCacheEntry
}

type promptCacheEntry struct {
	mtime   time.Time
	content string
}

// NewPromptAssembler creates an assembler with an empty file cache.
func NewPromptAssembler() *PromptAssembler {
	return &PromptAssembler{cache: make(map[string]promptCacheEntry)}
}

// System assembles the system prompt for an agent.
func (p *PromptAssembler) System(agent *config.AgentConfig) string {
	var layers []string
	layers = append(layers, BasePrompt)

	if agent.Overlay != "" {
		layers = append(layers, p.layer(agent.Overlay))
	}
	if agent.SystemPrompt != "" {
		layers = append(layers, p.layer(agent.SystemPrompt))
	}
	for _, skill := range agent.Skills {
		if text := p.layer(skill); text != "" {
			layers = append(layers, text)
		}
	}

	var nonEmpty []string
	for _, l := range layers {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(l))
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// layer resolves a prompt layer: a path to a readable file is loaded
// (and cached by mtime), anything else is treated as inline text.
func (p *PromptAssembler) layer(ref string) string {
	info, err := os.Stat(ref)
	if err != nil || info.IsDir() {
		return ref
	}

	p.mu.Lock()
	entry, ok := p.cache[ref]
	p.mu.Unlock()
	if ok && entry.mtime.Equal(info.ModTime()) {
		return entry.content
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		L_warn("agent: failed to read prompt layer", "path", ref, "error", err)
		return ""
	}
	content := string(data)

	p.mu.Lock()
	p.cache[ref] = promptCacheEntry{mtime: info.ModTime(), content: content}
	p.mu.Unlock()
	return content
}

// EnvelopeHeader renders the normalized header prepended to user text:
// "[{channel} {from} {timestamp}] {body}".
func EnvelopeHeader(env *types.Envelope) string {
	from := env.FromDisplay
	if from == "" {
		from = env.Peer
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	header := fmt.Sprintf("[%s %s %s]", env.Channel, from, ts.UTC().Format(time.RFC3339))
	if env.Text == "" {
		return header
	}
	return header + " " + env.Text
}
