// Package tools provides the built-in tool implementations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sjvermaak/clawgate/internal/agent"
	"github.com/sjvermaak/clawgate/internal/media"
	"github.com/sjvermaak/clawgate/internal/types"
)

// WebFetchTool downloads a URL into the media store and hands the model
// a reference. Fetches go through the SSRF-safe fetcher.
type WebFetchTool struct {
	Fetcher *media.Fetcher
	Store   *media.Store
}

func (t *WebFetchTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a URL and store its content as an attachment. Returns the content hash and type.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "HTTP(S) URL to fetch",
				},
			},
			"required": []string{"url"},
		},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params json.RawMessage, _ agent.ToolContext) (*types.ToolResult, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return types.ErrorResult("invalid params"), nil
	}

	hash, err := t.Fetcher.Fetch(ctx, p.URL)
	if err != nil {
		return types.ErrorResult(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	meta, err := t.Store.Stat(hash)
	if err != nil {
		return types.ErrorResult(fmt.Sprintf("stored but unreadable: %v", err)), nil
	}

	return &types.ToolResult{
		Content: fmt.Sprintf("Fetched %s (%s, %d bytes). Attachment hash: %s", p.URL, meta.ContentType, meta.Size, hash),
		Details: map[string]any{
			"hash":        hash,
			"contentType": meta.ContentType,
			"size":        meta.Size,
		},
		OK: true,
	}, nil
}
