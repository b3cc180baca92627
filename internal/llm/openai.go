package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/types"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible
// APIs. A BaseURL makes it serve xAI, Ollama, OpenRouter and the rest of
// the compatible ecosystem.
type OpenAIProvider struct {
	name      string
	client    *openai.Client
	model     string
	maxTokens int
	baseURL   string
}

const openaiDefaultMaxTokens = 8192

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(name string, cfg config.ProviderConfig, model, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		name:      name,
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: openaiDefaultMaxTokens,
		baseURL:   cfg.BaseURL,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Type() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) ContextTokens() int {
	return getOpenAIModelContextWindow(p.model)
}

// getOpenAIModelContextWindow returns known context window sizes, with a
// conservative default for unrecognized models.
func getOpenAIModelContextWindow(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-4o"), strings.Contains(m, "gpt-4.1"):
		return 128000
	case strings.Contains(m, "o3"), strings.Contains(m, "o4"):
		return 200000
	case strings.Contains(m, "grok"):
		return 131072
	}
	return 128000
}

// SimpleMessage sends a single-turn request without tools or streaming.
func (p *OpenAIProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: systemPrompt,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: userMessage,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamMessage streams a full tool-capable turn.
func (p *OpenAIProvider) StreamMessage(
	ctx context.Context,
	messages []types.Message,
	toolDefs []types.ToolDefinition,
	systemPrompt string,
	onDelta func(delta string),
	opts *StreamOptions,
) (*Response, error) {
	start := time.Now()

	openaiMessages := convertToOpenAIMessages(messages)
	if systemPrompt != "" {
		openaiMessages = append([]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		}, openaiMessages...)
	}

	maxTokens := p.maxTokens
	if opts != nil && opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	req := openai.ChatCompletionRequest{
		Model:         p.model,
		Messages:      openaiMessages,
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if opts != nil {
		if effort := opts.ThinkingLevel.ReasoningEffort(); effort != "" {
			req.ReasoningEffort = effort
		}
	}
	if len(toolDefs) > 0 {
		req.Tools = convertToOpenAITools(toolDefs)
	}

	L_debug("llm: sending request to openai-compatible endpoint",
		"provider", p.name, "model", p.model, "messages", len(openaiMessages))

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("stream create failed: %w", err)
	}
	defer stream.Close()

	response := &Response{}
	// Tool call deltas arrive fragmented; accumulate by index.
	acc := map[int]*ToolCall{}
	var argBufs = map[int]*strings.Builder{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stream error: %w", err)
		}
		if chunk.Usage != nil {
			response.InputTokens = chunk.Usage.PromptTokens
			response.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
			response.Text += choice.Delta.Content
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			entry, ok := acc[idx]
			if !ok {
				entry = &ToolCall{}
				acc[idx] = entry
				argBufs[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				entry.ID = tc.ID
			}
			if tc.Function.Name != "" {
				entry.Name = tc.Function.Name
			}
			argBufs[idx].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			response.StopReason = string(choice.FinishReason)
		}
	}

	for idx, entry := range acc {
		args := argBufs[idx].String()
		if args == "" {
			args = "{}"
		}
		entry.Input = json.RawMessage(args)
		response.ToolCalls = append(response.ToolCalls, *entry)
	}
	if len(response.ToolCalls) > 0 && response.StopReason == "" {
		response.StopReason = "tool_calls"
	}

	L_debug("llm: request completed",
		"provider", p.name,
		"duration", time.Since(start).Round(time.Millisecond),
		"stopReason", response.StopReason,
		"toolCalls", len(response.ToolCalls))
	return response, nil
}

// convertToOpenAIMessages maps provider-agnostic messages onto the chat
// completion shapes. Assistant tool_use messages carry ToolCalls;
// tool_result messages become role=tool with the matching call id.
func convertToOpenAIMessages(messages []types.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			result = append(result, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser, Content: msg.Content,
			})
		case "assistant":
			m := openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant, Content: msg.Content,
			}
			if msg.ToolUseID != "" {
				m.ToolCalls = []openai.ToolCall{{
					ID:   msg.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.ToolName,
						Arguments: string(msg.ToolInput),
					},
				}}
			}
			result = append(result, m)
		case "tool_result":
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolUseID,
			})
		}
	}
	return result
}

func convertToOpenAITools(defs []types.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return result
}
