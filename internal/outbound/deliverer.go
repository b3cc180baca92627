// Package outbound delivers assistant messages through channel plugins:
// chunking, block streaming, media packaging, ack reactions and
// idempotent retries.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sjvermaak/clawgate/internal/channels"
	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/media"
	"github.com/sjvermaak/clawgate/internal/types"
)

// ErrRateLimited is surfaced with retry metadata at the RPC boundary.
var ErrRateLimited = errors.New("rate limited by channel")

// AssistantMessage is one finished reply to deliver.
type AssistantMessage struct {
	RunID       string
	Text        string
	Attachments []types.Attachment
	ReplyTo     string
}

// ackEmoji is the in-progress reaction reused across streamed blocks.
const ackEmoji = "⏳"

// sendRetries bounds rate-limit retries per block.
const sendRetries = 3

// Deliverer serializes sends per (channel, account, target) and keeps a
// delivery-key table so retries never produce duplicate messages.
type Deliverer struct {
	registry *channels.Registry
	media    *media.Store

	mu      sync.Mutex
	targets map[string]*sync.Mutex
	sent    map[string]channels.DeliveryReceipt
}

// NewDeliverer wires the deliverer.
func NewDeliverer(registry *channels.Registry, mediaStore *media.Store) *Deliverer {
	return &Deliverer{
		registry: registry,
		media:    mediaStore,
		targets:  make(map[string]*sync.Mutex),
		sent:     make(map[string]channels.DeliveryReceipt),
	}
}

func (d *Deliverer) targetLock(channelID, account, target string) *sync.Mutex {
	key := channelID + "|" + account + "|" + target
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.targets[key]
	if !ok {
		l = &sync.Mutex{}
		d.targets[key] = l
	}
	return l
}

// Deliver sends one assistant message. Block-streaming channels get the
// message as ordered paragraph blocks; others get one message, chunked
// only when it exceeds the channel's text limit.
func (d *Deliverer) Deliver(ctx context.Context, channelID, account, target string, msg AssistantMessage) ([]channels.DeliveryReceipt, error) {
	plugin, ok := d.registry.Get(channelID)
	if !ok {
		return nil, channels.ErrChannelNotLinked
	}
	adapter, err := d.registry.Outbound(channelID)
	if err != nil {
		return nil, err
	}

	lock := d.targetLock(channelID, account, target)
	lock.Lock()
	defer lock.Unlock()

	limit := plugin.TextChunkLimit()
	if limit <= 0 {
		limit = channels.DefaultChunkLimit
	}

	var blocks []string
	if plugin.Capabilities().Has(channels.CapBlockStreaming) {
		blocks = channels.SplitBlocks(msg.Text, limit)
	} else {
		blocks = channels.ChunkText(msg.Text, limit)
	}
	if len(blocks) == 0 && len(msg.Attachments) == 0 {
		return nil, nil
	}

	if typing, ok := plugin.(channels.TypingAdapter); ok {
		typing.SendTyping(ctx, target, true)
		defer typing.SendTyping(ctx, target, false)
	}

	var receipts []channels.DeliveryReceipt
	reactions, hasReactions := plugin.(channels.ReactionsAdapter)
	ackSet := false

	for i, block := range blocks {
		out := channels.OutboundMessage{
			Account:     account,
			Target:      target,
			Text:        block,
			ReplyTo:     msg.ReplyTo,
			DeliveryKey: DeliveryKey(msg.RunID, i),
		}
		receipt, err := d.sendOnce(ctx, adapter, out)
		if err != nil {
			if ackSet && hasReactions && len(receipts) > 0 {
				reactions.RemoveReaction(ctx, target, receipts[0].MessageID, ackEmoji)
			}
			return receipts, err
		}
		receipts = append(receipts, receipt)

		// One in-progress reaction on the first block while more follow.
		if hasReactions && plugin.Capabilities().Has(channels.CapReactions) &&
			!ackSet && len(blocks) > i+1 {
			if err := reactions.React(ctx, target, receipt.MessageID, ackEmoji); err == nil {
				ackSet = true
			}
		}
	}
	if ackSet && len(receipts) > 0 {
		reactions.RemoveReaction(ctx, target, receipts[0].MessageID, ackEmoji)
	}

	for i, att := range msg.Attachments {
		receipt, err := d.sendMedia(ctx, plugin, adapter, account, target, msg, att, len(blocks)+i)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}

	return receipts, nil
}

// sendOnce applies idempotency and rate-limit backoff for one block.
func (d *Deliverer) sendOnce(ctx context.Context, adapter channels.OutboundAdapter, out channels.OutboundMessage) (channels.DeliveryReceipt, error) {
	d.mu.Lock()
	if receipt, done := d.sent[out.DeliveryKey]; done {
		d.mu.Unlock()
		L_trace("outbound: duplicate delivery key, skipping send", "key", out.DeliveryKey)
		return receipt, nil
	}
	d.mu.Unlock()

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < sendRetries; attempt++ {
		receipt, err := adapter.Send(ctx, out)
		if err == nil {
			d.mu.Lock()
			d.sent[out.DeliveryKey] = receipt
			d.mu.Unlock()
			return receipt, nil
		}
		lastErr = err
		if !errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
			return channels.DeliveryReceipt{}, err
		}
		L_warn("outbound: rate limited, backing off", "key", out.DeliveryKey, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return channels.DeliveryReceipt{}, ctx.Err()
		}
		backoff *= 2
	}
	return channels.DeliveryReceipt{}, fmt.Errorf("delivery failed after %d attempts: %w", sendRetries, lastErr)
}

// sendMedia translates one attachment, falling back to a textual
// description when the channel cannot carry it.
func (d *Deliverer) sendMedia(ctx context.Context, plugin channels.Plugin, adapter channels.OutboundAdapter, account, target string, msg AssistantMessage, att types.Attachment, blockIndex int) (channels.DeliveryReceipt, error) {
	out := channels.OutboundMessage{
		Account:     account,
		Target:      target,
		Attachments: []types.Attachment{att},
		DeliveryKey: DeliveryKey(msg.RunID, blockIndex),
	}

	mediaAdapter, hasMedia := plugin.(channels.MediaAdapter)
	if hasMedia && plugin.Capabilities().Has(channels.CapMedia) && d.media != nil {
		path, meta, err := d.media.Path(att.Hash)
		if err == nil && (mediaAdapter.MaxMediaBytes() <= 0 || meta.Size <= mediaAdapter.MaxMediaBytes()) {
			receipt, err := mediaAdapter.SendMedia(ctx, out, path, meta.ContentType)
			if err == nil {
				return receipt, nil
			}
			L_warn("outbound: media send failed, falling back to text",
				"channel", plugin.ID(), "hash", att.Hash, "error", err)
		}
	}

	name := att.Name
	if name == "" {
		name = att.Hash
		if len(name) > 12 {
			name = name[:12]
		}
	}
	out.Attachments = nil
	out.Text = fmt.Sprintf("[attachment %s, %s, %d bytes]", name, att.ContentType, att.Size)
	return d.sendOnce(ctx, adapter, out)
}

// DeliveryKey derives the idempotency key for one block of one run.
func DeliveryKey(runID string, blockIndex int) string {
	return fmt.Sprintf("%s:%d", runID, blockIndex)
}
