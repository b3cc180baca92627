package outbound

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjvermaak/clawgate/internal/channels"
)

// fakePlugin is a channel plugin that records sends.
type fakePlugin struct {
	id    string
	caps  channels.CapabilitySet
	limit int

	mu        sync.Mutex
	sent      []channels.OutboundMessage
	failUntil int // rate-limit this many sends before succeeding
	reactions []string
}

func (f *fakePlugin) ID() string                          { return f.id }
func (f *fakePlugin) Capabilities() channels.CapabilitySet { return f.caps }
func (f *fakePlugin) TextChunkLimit() int                 { return f.limit }

func (f *fakePlugin) Send(_ context.Context, msg channels.OutboundMessage) (channels.DeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUntil > 0 {
		f.failUntil--
		return channels.DeliveryReceipt{}, ErrRateLimited
	}
	f.sent = append(f.sent, msg)
	return channels.DeliveryReceipt{MessageID: msg.DeliveryKey, Timestamp: time.Now()}, nil
}

func (f *fakePlugin) React(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "+"+emoji)
	return nil
}

func (f *fakePlugin) RemoveReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "-"+emoji)
	return nil
}

func (f *fakePlugin) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

func newTestDeliverer(t *testing.T, plugin *fakePlugin) *Deliverer {
	t.Helper()
	reg := channels.NewRegistry()
	if err := reg.Register(plugin); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.StartAll(context.Background(), nil)
	return NewDeliverer(reg, nil)
}

func TestIdempotentDelivery(t *testing.T) {
	plugin := &fakePlugin{id: "x", caps: channels.CapabilitySet{}, limit: 4000}
	d := newTestDeliverer(t, plugin)

	msg := AssistantMessage{RunID: "r1", Text: "hello"}
	if _, err := d.Deliver(context.Background(), "x", "acc", "u1", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := d.Deliver(context.Background(), "x", "acc", "u1", msg); err != nil {
		t.Fatalf("Deliver retry: %v", err)
	}

	if got := len(plugin.sentTexts()); got != 1 {
		t.Errorf("user-visible messages = %d, want exactly 1", got)
	}
}

func TestChunkingOverLimit(t *testing.T) {
	plugin := &fakePlugin{id: "x", caps: channels.CapabilitySet{}, limit: 40}
	d := newTestDeliverer(t, plugin)

	text := strings.Repeat("word ", 30)
	if _, err := d.Deliver(context.Background(), "x", "acc", "u1", AssistantMessage{RunID: "r1", Text: text}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	sent := plugin.sentTexts()
	if len(sent) < 2 {
		t.Fatalf("chunks = %d, want several under limit 40", len(sent))
	}
	for i, chunk := range sent {
		if len(chunk) > 40 {
			t.Errorf("chunk %d length %d exceeds limit", i, len(chunk))
		}
	}
}

func TestBlockStreamingWithAckReaction(t *testing.T) {
	plugin := &fakePlugin{
		id:    "x",
		caps:  channels.CapabilitySet{channels.CapBlockStreaming: true, channels.CapReactions: true},
		limit: 4000,
	}
	d := newTestDeliverer(t, plugin)

	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	if _, err := d.Deliver(context.Background(), "x", "acc", "u1", AssistantMessage{RunID: "r1", Text: text}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got := len(plugin.sentTexts()); got != 3 {
		t.Errorf("blocks = %d, want 3", got)
	}
	plugin.mu.Lock()
	reactions := append([]string(nil), plugin.reactions...)
	plugin.mu.Unlock()
	if len(reactions) != 2 || reactions[0] != "+"+ackEmoji || reactions[1] != "-"+ackEmoji {
		t.Errorf("reactions = %v, want single ack set then removed", reactions)
	}
}

func TestRateLimitRetries(t *testing.T) {
	plugin := &fakePlugin{id: "x", caps: channels.CapabilitySet{}, limit: 4000, failUntil: 2}
	d := newTestDeliverer(t, plugin)

	start := time.Now()
	if _, err := d.Deliver(context.Background(), "x", "acc", "u1", AssistantMessage{RunID: "r1", Text: "hi"}); err != nil {
		t.Fatalf("Deliver should succeed after retries: %v", err)
	}
	if len(plugin.sentTexts()) != 1 {
		t.Errorf("sends = %d, want 1", len(plugin.sentTexts()))
	}
	if time.Since(start) < time.Second {
		t.Error("retries should back off")
	}
}

func TestUnknownChannel(t *testing.T) {
	plugin := &fakePlugin{id: "x", caps: channels.CapabilitySet{}, limit: 4000}
	d := newTestDeliverer(t, plugin)
	if _, err := d.Deliver(context.Background(), "nope", "acc", "u1", AssistantMessage{RunID: "r1", Text: "hi"}); err != channels.ErrChannelNotLinked {
		t.Errorf("err = %v, want ErrChannelNotLinked", err)
	}
}
