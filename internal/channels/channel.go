// Package channels defines the channel plugin contract and the registry
// that loads plugins and dispatches outbound traffic to them.
package channels

import (
	"context"
	"time"

	"github.com/sjvermaak/clawgate/internal/types"
)

// Capability is a typed optional adapter a channel plugin implements.
type Capability string

const (
	CapDM             Capability = "dm"
	CapGroup          Capability = "group"
	CapChannel        Capability = "channel"
	CapThread         Capability = "thread"
	CapReactions      Capability = "reactions"
	CapEdits          Capability = "edits"
	CapPolls          Capability = "polls"
	CapMedia          Capability = "media"
	CapBlockStreaming Capability = "block_streaming"
	CapNativeCommands Capability = "native_commands"
	CapEffects        Capability = "effects"
)

// CapabilitySet is the declared capability map of one plugin.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is declared.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// InboundSink receives normalized envelopes from a running plugin.
type InboundSink func(env *types.Envelope)

// OutboundMessage is one channel send. The DeliveryKey makes retries
// idempotent: the plugin must not produce a second user-visible message
// for a key it has already sent.
type OutboundMessage struct {
	Account     string
	Target      string // peer or group id
	Text        string
	Attachments []types.Attachment
	ReplyTo     string
	DeliveryKey string // derived from (run_id, block_index)
}

// DeliveryReceipt identifies a delivered message on the platform.
type DeliveryReceipt struct {
	MessageID string
	Timestamp time.Time
}

// Plugin is the base contract every channel implements. Optional
// behavior lives in the adapter interfaces below; a plugin declares the
// matching capability and the registry verifies the interface is present.
type Plugin interface {
	ID() string
	Capabilities() CapabilitySet

	// TextChunkLimit is the platform's maximum message length in bytes.
	TextChunkLimit() int
}

// GatewayAdapter is the lifecycle half of a plugin: start the transport
// and emit normalized envelopes into the sink until the context ends.
type GatewayAdapter interface {
	Start(ctx context.Context, sink InboundSink) error
	Stop(ctx context.Context) error
}

// OutboundAdapter sends replies. All plugins that deliver anything
// implement it.
type OutboundAdapter interface {
	Send(ctx context.Context, msg OutboundMessage) (DeliveryReceipt, error)
}

// SecurityAdapter canonicalizes platform identifiers before routing
// (e.g. E.164 for phone-backed channels).
type SecurityAdapter interface {
	NormalizeAccount(account string) string
	NormalizePeer(peer string) string
}

// ReactionsAdapter manages ack reactions; required with CapReactions.
type ReactionsAdapter interface {
	React(ctx context.Context, target, messageID, emoji string) error
	RemoveReaction(ctx context.Context, target, messageID, emoji string) error
}

// TypingAdapter drives typing indicators where the platform has them.
type TypingAdapter interface {
	SendTyping(ctx context.Context, target string, active bool) error
}

// MediaAdapter translates media store attachments to the platform's
// native representation; required with CapMedia.
type MediaAdapter interface {
	SendMedia(ctx context.Context, msg OutboundMessage, localPath, contentType string) (DeliveryReceipt, error)
	MaxMediaBytes() int64
}

// DirectoryAdapter resolves display names for peers and groups.
type DirectoryAdapter interface {
	DisplayName(ctx context.Context, peer string) (string, error)
}

// MentionsAdapter detects and strips self-mentions in group text.
type MentionsAdapter interface {
	IsSelfMention(mention string) bool
	StripMentions(text string) string
}

// ThreadsAdapter maps platform threads onto envelope thread ids;
// required with CapThread.
type ThreadsAdapter interface {
	ThreadOf(replyTo string) (string, bool)
}

// ActionsAdapter executes platform-native actions (polls, effects,
// native commands).
type ActionsAdapter interface {
	Invoke(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// HeartbeatAdapter lets the registry probe transport liveness.
type HeartbeatAdapter interface {
	Healthy(ctx context.Context) error
}
