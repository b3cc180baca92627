package types

import "encoding/json"

// Message represents a conversation message (provider-agnostic).
type Message struct {
	Role      string          `json:"role"` // "user", "assistant", "system", "tool_result"
	Content   string          `json:"content"`
	ToolUseID string          `json:"toolUseId,omitempty"` // For tool_use/tool_result pairing
	ToolName  string          `json:"toolName,omitempty"`  // Tool name (for tool_use)
	ToolInput json.RawMessage `json:"toolInput,omitempty"` // Tool input (for tool_use)
	IsError   bool            `json:"isError,omitempty"`   // For tool_result
}

// Usage contains token usage information reported by a provider.
type Usage struct {
	Input       int `json:"input"`
	Output      int `json:"output"`
	TotalTokens int `json:"totalTokens"`
}

// ToolDefinition is the format required by LLM APIs for tool/function calling.
// This lives in types to break the llm -> tools import cycle.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolResult is the two-part result of a tool execution: free text for the
// model, a structured details object for clients and tests.
type ToolResult struct {
	Content string         `json:"content"`
	Details map[string]any `json:"details,omitempty"`
	OK      bool           `json:"ok"`
}

// TextResult creates a successful ToolResult with only text content.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: text, OK: true}
}

// ErrorResult creates a failed ToolResult carrying an error message.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Content: msg, OK: false}
}
