package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sjvermaak/clawgate/internal/agent"
	"github.com/sjvermaak/clawgate/internal/outbound"
	"github.com/sjvermaak/clawgate/internal/types"
)

// MessageTool lets the agent send a message out a channel other than the
// one it is replying on. Policy normally gates it behind approval.
type MessageTool struct {
	Deliverer *outbound.Deliverer
}

func (t *MessageTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "send_message",
		Description: "Send a message to a peer or group on a connected channel.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel": map[string]any{
					"type":        "string",
					"description": "Channel id to send on",
				},
				"account": map[string]any{
					"type":        "string",
					"description": "Account id on the channel",
				},
				"target": map[string]any{
					"type":        "string",
					"description": "Peer or group id to deliver to",
				},
				"text": map[string]any{
					"type":        "string",
					"description": "Message text",
				},
			},
			"required": []string{"channel", "target", "text"},
		},
	}
}

func (t *MessageTool) Execute(ctx context.Context, params json.RawMessage, tctx agent.ToolContext) (*types.ToolResult, error) {
	var p struct {
		Channel string `json:"channel"`
		Account string `json:"account"`
		Target  string `json:"target"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return types.ErrorResult("invalid params"), nil
	}

	// Tool sends are their own delivery scope, not blocks of the run's
	// reply.
	receipts, err := t.Deliverer.Deliver(ctx, p.Channel, p.Account, p.Target, outbound.AssistantMessage{
		RunID: "tool-" + uuid.NewString(),
		Text:  p.Text,
	})
	if err != nil {
		return types.ErrorResult(fmt.Sprintf("delivery failed: %v", err)), nil
	}

	messageID := ""
	if len(receipts) > 0 {
		messageID = receipts[0].MessageID
	}
	return &types.ToolResult{
		Content: fmt.Sprintf("Sent via %s to %s. Message ID: %s", p.Channel, p.Target, messageID),
		Details: map[string]any{
			"channel":   p.Channel,
			"target":    p.Target,
			"messageId": messageID,
			"blocks":    len(receipts),
		},
		OK: true,
	}, nil
}
