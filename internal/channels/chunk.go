package channels

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultChunkLimit is the fallback maximum chunk size in bytes.
const DefaultChunkLimit = 4000

// ChunkText splits text into pieces that fit within limit, preferring
// markdown block boundaries so code fences are never cut mid-fence, then
// newlines, then whitespace, then hard breaks.
func ChunkText(input string, limit int) []string {
	if input == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if len(input) <= limit {
		return []string{input}
	}

	blocks := markdownBlocks(input)

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}

	for _, block := range blocks {
		if cur.Len() > 0 && cur.Len()+len(block)+2 > limit {
			flush()
		}
		if len(block) > limit {
			// A single oversized block falls back to plain splitting.
			flush()
			chunks = append(chunks, splitPlain(block, limit)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(block)
	}
	flush()
	return chunks
}

// markdownBlocks parses the text and returns its top-level block sources.
// Fenced code blocks come back as single units.
func markdownBlocks(input string) []string {
	src := []byte(input)
	reader := text.NewReader(src)
	doc := goldmark.DefaultParser().Parse(reader)

	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		seg := blockSegment(node, src)
		if seg == "" {
			continue
		}
		blocks = append(blocks, strings.TrimRight(seg, "\n"))
	}
	if len(blocks) == 0 {
		return []string{input}
	}
	return blocks
}

// blockSegment recovers the source text of one block node.
func blockSegment(node ast.Node, src []byte) string {
	lines := node.Lines()
	if lines.Len() == 0 {
		// Container blocks (lists, quotes) aggregate their children.
		var b strings.Builder
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			b.WriteString(blockSegment(child, src))
			b.WriteByte('\n')
		}
		return b.String()
	}
	start := lines.At(0).Start
	stop := lines.At(lines.Len() - 1).Stop
	if fcb, ok := node.(*ast.FencedCodeBlock); ok {
		// Re-wrap the fence so the chunk renders as code on its own.
		lang := string(fcb.Language(src))
		return "```" + lang + "\n" + string(src[start:stop]) + "```"
	}
	return string(src[start:stop])
}

// splitPlain is the non-markdown fallback: break at newlines, then
// whitespace, then hard.
func splitPlain(input string, limit int) []string {
	var chunks []string
	remaining := input
	for len(remaining) > limit {
		window := remaining[:limit]

		breakIdx := strings.LastIndexByte(window, '\n')
		if breakIdx <= 0 {
			breakIdx = lastWhitespace(window)
		}
		if breakIdx <= 0 {
			breakIdx = limit
		}

		chunk := strings.TrimRight(remaining[:breakIdx], " \t")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := breakIdx
		if next < len(remaining) && unicode.IsSpace(rune(remaining[next])) {
			next++
		}
		remaining = strings.TrimLeft(remaining[next:], " \t")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func lastWhitespace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if unicode.IsSpace(rune(s[i])) {
			return i
		}
	}
	return -1
}

// SplitBlocks splits an assistant message at paragraph boundaries for
// block streaming, honoring the channel's chunk limit.
func SplitBlocks(input string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	var out []string
	for _, block := range markdownBlocks(input) {
		if len(block) > limit {
			out = append(out, splitPlain(block, limit)...)
		} else if strings.TrimSpace(block) != "" {
			out = append(out, block)
		}
	}
	return out
}
