package routing

import (
	"testing"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents = []config.AgentConfig{
		{ID: "a1", Model: "anthropic/claude-opus-4-5"},
		{ID: "a2", Model: "anthropic/claude-opus-4-5"},
	}
	cfg.Bindings = []config.Binding{
		{Channel: "x", Peer: "vip", Agent: "a2"},
		{Channel: "x", Peer: "*", Agent: "a1"},
	}
	return cfg
}

func dmEnvelope(channel, account, peer, text string) *types.Envelope {
	return &types.Envelope{
		Channel:   channel,
		Account:   account,
		Peer:      peer,
		ChatKind:  types.ChatKindDM,
		Timestamp: time.Unix(1700000000, 0),
		Text:      text,
	}
}

func TestResolveSessionKey(t *testing.T) {
	cfg := testConfig()
	env := dmEnvelope("x", "acc", "u1", "hi")

	res := Resolve(cfg, env, nil)
	if res.Blocked {
		t.Fatalf("unexpected block: %s", res.BlockReason)
	}
	if res.AgentID != "a1" {
		t.Errorf("agent = %q, want a1", res.AgentID)
	}
	if res.SessionKey != "agent:a1:peer:x:acc:u1" {
		t.Errorf("session key = %q, want agent:a1:peer:x:acc:u1", res.SessionKey)
	}
}

func TestResolveDeterminism(t *testing.T) {
	cfg := testConfig()
	env := dmEnvelope("x", "acc", "u1", "hi")

	first := Resolve(cfg, env, nil)
	for i := 0; i < 100; i++ {
		res := Resolve(cfg, env, nil)
		if res.SessionKey != first.SessionKey || res.AgentID != first.AgentID {
			t.Fatalf("resolution changed on iteration %d: %+v vs %+v", i, res, first)
		}
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	cfg := testConfig()

	res := Resolve(cfg, dmEnvelope("x", "acc", "vip", "hi"), nil)
	if res.AgentID != "a2" {
		t.Errorf("explicit binding should win: agent = %q, want a2", res.AgentID)
	}
	res = Resolve(cfg, dmEnvelope("x", "acc", "other", "hi"), nil)
	if res.AgentID != "a1" {
		t.Errorf("wildcard binding: agent = %q, want a1", res.AgentID)
	}
}

func TestResolveNoBindingNoDefault(t *testing.T) {
	cfg := testConfig()
	res := Resolve(cfg, dmEnvelope("unknown", "acc", "u1", "hi"), nil)
	if !res.Blocked {
		t.Fatal("expected block when no binding matches and no default agent")
	}
}

func TestResolveDefaultAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.DefaultAgent = "a1"
	res := Resolve(cfg, dmEnvelope("unknown", "acc", "u1", "hi"), nil)
	if res.Blocked {
		t.Fatalf("unexpected block: %s", res.BlockReason)
	}
	if res.AgentID != "a1" {
		t.Errorf("agent = %q, want default a1", res.AgentID)
	}
}

func TestResolveAllowlistDenies(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = map[string]config.ChannelConfig{
		"x": {DMPolicy: config.DMPolicyAllowlist},
	}
	res := Resolve(cfg, dmEnvelope("x", "acc", "stranger", "hi"), nil)
	if !res.Blocked {
		t.Fatal("allowlist with no entries must block")
	}

	cfg.Channels["x"] = config.ChannelConfig{
		DMPolicy:  config.DMPolicyAllowlist,
		Allowlist: []string{"friend"},
	}
	res = Resolve(cfg, dmEnvelope("x", "acc", "friend", "hi"), nil)
	if res.Blocked {
		t.Fatalf("allowlisted peer blocked: %s", res.BlockReason)
	}
}

func TestResolveGroupScope(t *testing.T) {
	cfg := testConfig()
	cfg.Bindings = []config.Binding{{Channel: "x", Agent: "a1"}}

	env := &types.Envelope{
		Channel: "x", Account: "acc", Peer: "u1", Group: "g9",
		ChatKind: types.ChatKindGroup,
	}
	res := Resolve(cfg, env, nil)
	if res.SessionKey != "agent:a1:group:x:acc:g9:u1" {
		t.Errorf("group key = %q", res.SessionKey)
	}

	cfg.Channels = map[string]config.ChannelConfig{
		"x": {SessionScope: config.SessionScopePerAgent},
	}
	res = Resolve(cfg, env, nil)
	if res.SessionKey != "agent:a1:group:x:acc:g9" {
		t.Errorf("per-agent group key = %q", res.SessionKey)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	keys := []SessionKey{
		{Agent: "a1", Scope: "peer", Channel: "x", Account: "acc", Peer: "u1"},
		{Agent: "a1", Scope: "group", Channel: "x", Account: "acc", Group: "g1"},
		{Agent: "a1", Scope: "group", Channel: "x", Account: "acc", Group: "g1", Peer: "u2"},
		{Agent: "main", Scope: "main", Thread: "t77"},
		{Agent: "main", Scope: "main", Topic: "default"},
		{Agent: "a1", Scope: "subagent", Parent: "p1", Subagent: "s1"},
	}
	for _, k := range keys {
		s := k.String()
		parsed, err := ParseKey(s)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", s, err)
		}
		if parsed.String() != s {
			t.Errorf("round trip mismatch: %q -> %q", s, parsed.String())
		}
	}
}

func TestKeySanitization(t *testing.T) {
	k := SessionKey{Agent: "a1", Scope: "peer", Channel: "x", Account: "a:b", Peer: "u 1"}
	s := k.String()
	if s != "agent:a1:peer:x:a-b:u-1" {
		t.Errorf("sanitized key = %q", s)
	}
	if _, err := ParseKey(s); err != nil {
		t.Errorf("sanitized key must parse: %v", err)
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	bad := []string{
		"",
		"agent",
		"session:a1:peer:x:acc:u1",
		"agent:a1:bogus:x",
		"agent:a1:peer:x:acc",
		"agent:a1:main:nothread:t1",
	}
	for _, s := range bad {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) should fail", s)
		}
	}
}
