package channels

import (
	"context"
	"strings"
	"testing"
)

type stubPlugin struct {
	id   string
	caps CapabilitySet
}

func (s *stubPlugin) ID() string                  { return s.id }
func (s *stubPlugin) Capabilities() CapabilitySet { return s.caps }
func (s *stubPlugin) TextChunkLimit() int         { return 4000 }

func (s *stubPlugin) Send(_ context.Context, _ OutboundMessage) (DeliveryReceipt, error) {
	return DeliveryReceipt{MessageID: "m1"}, nil
}

type mediaStub struct{ stubPlugin }

func (m *mediaStub) SendMedia(_ context.Context, _ OutboundMessage, _, _ string) (DeliveryReceipt, error) {
	return DeliveryReceipt{}, nil
}
func (m *mediaStub) MaxMediaBytes() int64 { return 0 }

func TestRegisterRejectsCapabilityWithoutAdapter(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubPlugin{id: "x", caps: CapabilitySet{CapMedia: true}})
	if err == nil {
		t.Fatal("plugin advertising media without MediaAdapter must be rejected")
	}
	if !strings.Contains(err.Error(), "media") {
		t.Errorf("error should name the capability: %v", err)
	}
}

func TestRegisterAcceptsMatchingAdapter(t *testing.T) {
	r := NewRegistry()
	m := &mediaStub{stubPlugin{id: "x", caps: CapabilitySet{CapMedia: true}}}
	if err := r.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubPlugin{id: "x", caps: CapabilitySet{}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubPlugin{id: "x", caps: CapabilitySet{}}); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestOutboundRequiresRunning(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPlugin{id: "x", caps: CapabilitySet{}})

	if _, err := r.Outbound("x"); err != ErrChannelNotLinked {
		t.Errorf("not-started channel: err = %v, want ErrChannelNotLinked", err)
	}
	r.StartAll(context.Background(), nil)
	if _, err := r.Outbound("x"); err != nil {
		t.Errorf("started channel: %v", err)
	}
	if err := r.Logout(context.Background(), "x"); err != nil {
		t.Errorf("Logout: %v", err)
	}
	if _, err := r.Outbound("x"); err != ErrChannelNotLinked {
		t.Errorf("after logout: err = %v, want ErrChannelNotLinked", err)
	}
}
