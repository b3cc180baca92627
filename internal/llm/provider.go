package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/types"
)

// Provider is the unified interface for all LLM backends.
// Implementations: AnthropicProvider, OpenAIProvider.
type Provider interface {
	// Identity
	Name() string  // Provider alias from config (e.g. "anthropic", "xai")
	Type() string  // Provider type ("anthropic", "openai")
	Model() string // Current model name

	// Availability
	ContextTokens() int // Model's context window size

	// Chat - Simple (no tools, no streaming, for summarization)
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)

	// Chat - Full streaming with tools
	StreamMessage(
		ctx context.Context,
		messages []types.Message,
		toolDefs []types.ToolDefinition,
		systemPrompt string,
		onDelta func(delta string),
		opts *StreamOptions,
	) (*Response, error)
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Response represents the LLM response.
type Response struct {
	Text       string // accumulated text response
	Thinking   string // reasoning content when thinking is enabled
	ToolCalls  []ToolCall
	StopReason string // "end_turn", "tool_use", "max_tokens"

	InputTokens  int
	OutputTokens int
}

// HasToolUse returns true if the response contains tool use requests.
func (r *Response) HasToolUse() bool {
	return len(r.ToolCalls) > 0
}

// StreamOptions contains optional parameters for StreamMessage.
type StreamOptions struct {
	// ThinkingLevel is the resolved thinking intensity level:
	// "off", "minimal", "low", "medium", "high", "xhigh".
	ThinkingLevel ThinkingLevel

	// OnThinkingDelta is called for each thinking content delta during
	// streaming. If nil, thinking content is still captured.
	OnThinkingDelta func(delta string)

	// MaxTokens overrides the provider's output limit when > 0.
	MaxTokens int
}

// ModelRef is a parsed "provider-alias/model-name" reference.
type ModelRef struct {
	Provider string
	Model    string
}

// ParseModelRef splits a model reference.
func ParseModelRef(ref string) (ModelRef, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ModelRef{}, fmt.Errorf("invalid model reference: %s (expected provider/model)", ref)
	}
	return ModelRef{Provider: parts[0], Model: parts[1]}, nil
}

// New constructs a provider for an alias and model with the credential
// supplied by the auth-profile pool. Providers are cheap to construct;
// the runner builds one per attempt so a cooled-down profile never leaks
// into a later call.
func New(alias string, cfg config.ProviderConfig, model, apiKey string) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(alias, cfg, model, apiKey)
	case "openai":
		return NewOpenAIProvider(alias, cfg, model, apiKey)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}
