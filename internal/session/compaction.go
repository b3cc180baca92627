package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/tokens"
)

// ErrCompactionIneffective is returned when a compaction pass fails to
// reduce the estimated token count. The runner fails the run with it.
var ErrCompactionIneffective = errors.New("compaction did not reduce token estimate")

// SummarizeFunc produces a summary for one chunk of transcript text. The
// compactor uses the same provider/profile selection as agent runs, so
// the function is injected by the gateway.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// CompactorConfig holds the compaction parameters.
type CompactorConfig struct {
	ContextWindowTokens int     // default 200000
	TriggerRatio        float64 // compact when estimate >= window * ratio
	BaseChunkRatio      float64 // chunk split point as a share of remaining head
	MinChunkRatio       float64 // no chunk below this share of the total head
}

// DefaultCompactorConfig returns the standard parameters.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		ContextWindowTokens: 200000,
		TriggerRatio:        1.2,
		BaseChunkRatio:      0.4,
		MinChunkRatio:       0.15,
	}
}

// Compactor summarizes the transcript head when the token estimate
// overflows the model's context window.
type Compactor struct {
	cfg       CompactorConfig
	est       *tokens.Estimator
	summarize SummarizeFunc
}

// NewCompactor creates a compactor. Zero config fields get defaults.
func NewCompactor(cfg CompactorConfig, est *tokens.Estimator, summarize SummarizeFunc) *Compactor {
	def := DefaultCompactorConfig()
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = def.ContextWindowTokens
	}
	if cfg.TriggerRatio <= 0 {
		cfg.TriggerRatio = def.TriggerRatio
	}
	if cfg.BaseChunkRatio <= 0 {
		cfg.BaseChunkRatio = def.BaseChunkRatio
	}
	if cfg.MinChunkRatio <= 0 {
		cfg.MinChunkRatio = def.MinChunkRatio
	}
	return &Compactor{cfg: cfg, est: est, summarize: summarize}
}

// ShouldCompact reports whether the estimate crosses the trigger.
func (c *Compactor) ShouldCompact(estimate int) bool {
	return float64(estimate) >= float64(c.cfg.ContextWindowTokens)*c.cfg.TriggerRatio
}

// Threshold returns the token count at which compaction triggers.
func (c *Compactor) Threshold() int {
	return int(float64(c.cfg.ContextWindowTokens) * c.cfg.TriggerRatio)
}

// Compact summarizes the session's head and returns the compaction marker
// to append. The preserved tail always contains the last user turn and the
// last assistant turn; neither is ever summarized away.
func (c *Compactor) Compact(ctx context.Context, sess *Session) (*Event, error) {
	effective := sess.EffectiveEvents()
	before := 0
	for _, ev := range effective {
		before += eventTokens(c.est, ev)
	}

	headEnd := c.preservedTailStart(effective)
	if headEnd <= 0 {
		return nil, ErrCompactionIneffective
	}
	head := effective[:headEnd]
	tail := effective[headEnd:]

	chunks := c.splitHead(head)
	if len(chunks) == 0 {
		return nil, ErrCompactionIneffective
	}

	var summaries []string
	for i, chunk := range chunks {
		text := renderChunk(chunk)
		summary, err := c.summarize(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		summaries = append(summaries, strings.TrimSpace(summary))
	}

	marker := &Event{
		Kind:         KindCompactionMarker,
		Summary:      strings.Join(summaries, "\n\n"),
		TokensBefore: before,
	}
	if len(tail) > 0 {
		marker.FirstKeptSeq = tail[0].Seq
	}

	after := eventTokens(c.est, *marker)
	for _, ev := range tail {
		after += eventTokens(c.est, ev)
	}
	marker.TokensAfter = after

	if after >= before {
		L_warn("compaction: estimate did not shrink", "before", before, "after", after)
		return nil, ErrCompactionIneffective
	}

	L_info("compaction: head summarized",
		"key", sess.Key,
		"chunks", len(chunks),
		"before", before,
		"after", after)
	return marker, nil
}

// preservedTailStart returns the index where the preserved tail begins:
// at minimum everything from the last user turn onward, widened to keep
// the last assistant turn when it precedes the last user turn.
func (c *Compactor) preservedTailStart(events []Event) int {
	lastUser := -1
	lastAssistant := -1
	for i := len(events) - 1; i >= 0; i-- {
		if lastUser < 0 && events[i].Kind == KindUserMessage {
			lastUser = i
		}
		if lastAssistant < 0 && events[i].Kind == KindAssistantMessage {
			lastAssistant = i
		}
		if lastUser >= 0 && lastAssistant >= 0 {
			break
		}
	}
	start := len(events)
	if lastUser >= 0 {
		start = lastUser
	}
	if lastAssistant >= 0 && lastAssistant < start {
		start = lastAssistant
	}
	return start
}

// splitHead partitions the head into chunks of roughly
// baseChunkRatio x remaining tokens, merging any final fragment smaller
// than minChunkRatio x total into its predecessor.
func (c *Compactor) splitHead(head []Event) [][]Event {
	total := 0
	sizes := make([]int, len(head))
	for i, ev := range head {
		sizes[i] = eventTokens(c.est, ev)
		total += sizes[i]
	}
	if total == 0 {
		return nil
	}
	minChunk := int(float64(total) * c.cfg.MinChunkRatio)

	var chunks [][]Event
	remaining := total
	start := 0
	acc := 0
	for i := range head {
		acc += sizes[i]
		target := int(float64(remaining) * c.cfg.BaseChunkRatio)
		if target < minChunk {
			target = minChunk
		}
		if acc >= target && i < len(head)-1 {
			chunks = append(chunks, head[start:i+1])
			remaining -= acc
			start = i + 1
			acc = 0
		}
	}
	if start < len(head) {
		last := head[start:]
		if acc < minChunk && len(chunks) > 0 {
			chunks[len(chunks)-1] = append(chunks[len(chunks)-1], last...)
		} else {
			chunks = append(chunks, last)
		}
	}
	return chunks
}

// renderChunk flattens events into the text given to the summarizer.
// Tool outputs that influenced state, unresolved questions and open plans
// are what the summary must keep; the prompt says so explicitly.
func renderChunk(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case KindUserMessage:
			fmt.Fprintf(&b, "[user] %s\n", ev.Text)
		case KindAssistantMessage:
			fmt.Fprintf(&b, "[assistant] %s\n", ev.Text)
		case KindToolCall:
			fmt.Fprintf(&b, "[tool call] %s %s\n", ev.ToolName, string(ev.ToolInput))
		case KindToolResult:
			fmt.Fprintf(&b, "[tool result] %s: %s\n", ev.ToolName, ev.Text)
		case KindSystemNote:
			fmt.Fprintf(&b, "[note] %s\n", ev.Text)
		case KindCompactionMarker:
			fmt.Fprintf(&b, "[earlier summary] %s\n", ev.Summary)
		}
	}
	return b.String()
}

// SummaryPrompt is the system prompt used for chunk summarization.
const SummaryPrompt = `Summarize this conversation transcript chunk for use as compacted context.
Preserve: tool outputs that influenced state, unresolved questions, open plans,
and any facts the assistant will need later. Be dense; drop pleasantries.`
