package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/types"
)

// AnthropicProvider implements the Provider interface for Anthropic's
// Claude API. Supports streaming, native tool calling and extended
// thinking. Also works with Anthropic-compatible APIs via BaseURL.
type AnthropicProvider struct {
	name      string
	client    *anthropic.Client
	model     string
	maxTokens int
}

const anthropicDefaultMaxTokens = 8192
const anthropicContextTokens = 200000

// NewAnthropicProvider creates an Anthropic provider with the credential
// injected by the auth-profile pool.
func NewAnthropicProvider(name string, cfg config.ProviderConfig, model, apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		name:      name,
		client:    &client,
		model:     model,
		maxTokens: anthropicDefaultMaxTokens,
	}, nil
}

func (c *AnthropicProvider) Name() string       { return c.name }
func (c *AnthropicProvider) Type() string       { return "anthropic" }
func (c *AnthropicProvider) Model() string      { return c.model }
func (c *AnthropicProvider) ContextTokens() int { return anthropicContextTokens }

// SimpleMessage sends a single-turn request without tools or streaming.
// Used for summarization.
func (c *AnthropicProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String(), nil
}

// StreamMessage streams a full tool-capable turn.
func (c *AnthropicProvider) StreamMessage(
	ctx context.Context,
	messages []types.Message,
	toolDefs []types.ToolDefinition,
	systemPrompt string,
	onDelta func(delta string),
	opts *StreamOptions,
) (*Response, error) {
	start := time.Now()

	maxTokens := c.maxTokens
	if opts != nil && opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	level := ThinkingOff
	if opts != nil {
		level = opts.ThinkingLevel
	}
	thinkingBudget := level.BudgetTokens()
	if thinkingBudget > 0 {
		// max_tokens must exceed the thinking budget.
		if min := thinkingBudget + 4096; maxTokens < min {
			maxTokens = min
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(messages),
	}
	if thinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(thinkingBudget))
	}
	if systemPrompt != "" {
		block := anthropic.TextBlockParam{Text: systemPrompt}
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		params.System = []anthropic.TextBlockParam{block}
	}
	if len(toolDefs) > 0 {
		params.Tools = convertTools(toolDefs)
	}

	L_debug("llm: sending request to anthropic", "model", c.model, "messages", len(messages))

	stream := c.client.Messages.NewStreaming(ctx, params)

	response := &Response{}
	message := anthropic.Message{}
	var thinking strings.Builder

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate error: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onDelta != nil {
					onDelta(deltaVariant.Text)
				}
				response.Text += deltaVariant.Text
			case anthropic.ThinkingDelta:
				thinking.WriteString(deltaVariant.Thinking)
				if opts != nil && opts.OnThinkingDelta != nil {
					opts.OnThinkingDelta(deltaVariant.Thinking)
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		L_error("llm: stream error", "provider", c.name, "error", err)
		return nil, fmt.Errorf("stream error: %w", err)
	}

	response.StopReason = string(message.StopReason)
	response.InputTokens = int(message.Usage.InputTokens)
	response.OutputTokens = int(message.Usage.OutputTokens)

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			inputBytes, _ := json.Marshal(variant.Input)
			response.ToolCalls = append(response.ToolCalls, ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: inputBytes,
			})
		case anthropic.ThinkingBlock:
			if variant.Thinking != "" {
				response.Thinking = variant.Thinking
			}
		}
	}
	if response.Thinking == "" && thinking.Len() > 0 {
		response.Thinking = thinking.String()
	}

	L_debug("llm: request completed",
		"provider", c.name,
		"duration", time.Since(start).Round(time.Millisecond),
		"stopReason", response.StopReason,
		"inputTokens", response.InputTokens,
		"outputTokens", response.OutputTokens,
		"toolCalls", len(response.ToolCalls))
	return response, nil
}

// convertMessages maps provider-agnostic messages to Anthropic params.
// Tool results become user messages carrying tool_result blocks, the way
// the API expects them.
func convertMessages(messages []types.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			if msg.ToolUseID != "" {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    msg.ToolUseID,
						Name:  msg.ToolName,
						Input: msg.ToolInput,
					},
				})
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			} else if msg.Content != "" {
				result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "tool_result":
			content := msg.Content
			if content == "" {
				content = "(no output)"
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolUseID, content, msg.IsError)))
		}
	}
	return result
}

func convertTools(defs []types.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var properties any
		if props, ok := def.InputSchema["properties"]; ok {
			properties = props
		}
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
				},
			},
		})
	}
	return result
}
