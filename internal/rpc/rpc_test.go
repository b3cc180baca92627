package rpc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfgm, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(cfgm, "test", nil)
}

// drainResponse polls the connection queue for the first response frame.
func drainResponse(t *testing.T, c *Conn) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, f := range c.queue {
			var frame Frame
			if err := json.Unmarshal(f.data, &frame); err == nil && frame.Type == FrameRes {
				c.mu.Unlock()
				return frame
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no response frame")
	return Frame{}
}

func TestScopeEnforcement(t *testing.T) {
	s := testServer(t)
	var executed int32
	s.Register("danger.zone", ScopeWrite, func(c *Conn, _ json.RawMessage) (any, *Error) {
		atomic.AddInt32(&executed, 1)
		return map[string]any{"done": true}, nil
	})

	conn := newConn("c1", nil, NewScopeSet([]string{ScopeRead}), "token", 1<<20)
	s.dispatch(conn, Frame{Type: FrameReq, ID: "1", Method: "danger.zone"})

	res := drainResponse(t, conn)
	if res.Err == nil || res.Err.Code != CodeForbidden {
		t.Fatalf("response = %+v, want forbidden", res.Err)
	}
	if atomic.LoadInt32(&executed) != 0 {
		t.Error("handler must not execute before the scope check passes")
	}
}

func TestAdminImpliesAll(t *testing.T) {
	s := testServer(t)
	s.Register("danger.zone", ScopeWrite, func(c *Conn, _ json.RawMessage) (any, *Error) {
		return map[string]any{"done": true}, nil
	})

	conn := newConn("c1", nil, NewScopeSet([]string{ScopeAdmin}), "token", 1<<20)
	s.dispatch(conn, Frame{Type: FrameReq, ID: "1", Method: "danger.zone"})

	res := drainResponse(t, conn)
	if res.Err != nil {
		t.Fatalf("admin call failed: %+v", res.Err)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := testServer(t)
	conn := newConn("c1", nil, NewScopeSet([]string{ScopeAdmin}), "token", 1<<20)
	s.dispatch(conn, Frame{Type: FrameReq, ID: "1", Method: "nope"})
	res := drainResponse(t, conn)
	if res.Err == nil || res.Err.Code != CodeNotFound {
		t.Errorf("response = %+v, want not_found", res.Err)
	}
}

func TestTokenAuthentication(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Tokens = []config.TokenConfig{
		{Token: "secret-token", Scopes: []string{ScopeRead, ScopeWrite}},
	}

	scopes, role, err := authenticate(cfg, HelloAuth{Token: "secret-token"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if role != "token" || !scopes.Allows(ScopeWrite) || scopes.Allows(ScopeAdmin) {
		t.Errorf("scopes = %v role = %s", scopes.List(), role)
	}

	if _, _, err := authenticate(cfg, HelloAuth{Token: "wrong"}); err == nil {
		t.Error("wrong token must fail")
	}
	if _, _, err := authenticate(cfg, HelloAuth{}); err == nil {
		t.Error("empty auth must fail")
	}
}

func TestDeviceAuthentication(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Auth.Devices = []config.DeviceConfig{{
		ID:        "phone-1",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Scopes:    []string{ScopeRead},
	}}

	signedAt := time.Now().Unix()
	nonce := fmt.Sprintf("phone-1:%d", signedAt)
	sig := ed25519.Sign(priv, []byte(nonce))

	auth := HelloAuth{Device: &DeviceAuth{
		ID:        "phone-1",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  signedAt,
	}}
	scopes, role, err := authenticate(cfg, auth)
	if err != nil {
		t.Fatalf("device auth: %v", err)
	}
	if role != "device" || !scopes.Allows(ScopeRead) {
		t.Errorf("role = %s scopes = %v", role, scopes.List())
	}

	// Tampered signature fails.
	bad := *auth.Device
	bad.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("other")))
	if _, _, err := authenticate(cfg, HelloAuth{Device: &bad}); err == nil {
		t.Error("tampered signature must fail")
	}

	// Stale nonce fails.
	stale := *auth.Device
	stale.SignedAt = time.Now().Add(-time.Hour).Unix()
	staleNonce := fmt.Sprintf("phone-1:%d", stale.SignedAt)
	stale.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(staleNonce)))
	if _, _, err := authenticate(cfg, HelloAuth{Device: &stale}); err == nil {
		t.Error("stale nonce must fail")
	}
}

func TestFrameValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", `{"type":"req","id":"1","method":"health"}`, true},
		{"missing id", `{"type":"req","method":"health"}`, false},
		{"missing method", `{"type":"req","id":"1"}`, false},
		{"bad type", `{"type":"event","id":"1","method":"health"}`, false},
		{"valid chat.send", `{"type":"req","id":"1","method":"chat.send","params":{"text":"hi"}}`, true},
		{"chat.send empty text", `{"type":"req","id":"1","method":"chat.send","params":{"text":""}}`, false},
		{"chat.history missing key", `{"type":"req","id":"1","method":"chat.history","params":{}}`, false},
	}
	for _, tc := range cases {
		var frame Frame
		json.Unmarshal([]byte(tc.raw), &frame)
		err := validateRequestFrame([]byte(tc.raw), &frame)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation failure", tc.name)
		}
	}
}

func TestBackpressureDropsDeltasNotCritical(t *testing.T) {
	conn := newConn("c1", nil, NewScopeSet([]string{ScopeRead}), "token", 2048)

	// Fill with droppable delta events.
	for i := 0; i < 50; i++ {
		conn.SendEvent(EventAgent, map[string]any{"type": "text_delta", "text": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}, false)
	}
	conn.SendEvent(EventAgent, map[string]any{"type": "final"}, true)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.buffered > 4*2048 {
		t.Errorf("buffer grew unbounded: %d bytes", conn.buffered)
	}
	if conn.dropped == 0 {
		t.Fatal("expected drops under backpressure")
	}

	var sawGap, sawFinal bool
	var seqs []int64
	for _, f := range conn.queue {
		var frame Frame
		json.Unmarshal(f.data, &frame)
		if frame.Event == EventGap {
			sawGap = true
		}
		if f.critical && frame.Event == EventAgent {
			sawFinal = true
		}
		if frame.Type == FrameEvent {
			seqs = append(seqs, frame.Seq)
		}
	}
	if !sawGap {
		t.Error("gap marker missing after drops")
	}
	if !sawFinal {
		t.Error("critical event was dropped")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("seq order violated: %d after %d (repeats are forbidden)", seqs[i], seqs[i-1])
		}
	}
}

func TestScopeSet(t *testing.T) {
	s := NewScopeSet([]string{ScopeRead})
	if !s.Allows(ScopeRead) || s.Allows(ScopeWrite) {
		t.Error("basic scope check broken")
	}
	admin := NewScopeSet([]string{ScopeAdmin})
	for _, scope := range []string{ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing, ScopeAdmin} {
		if !admin.Allows(scope) {
			t.Errorf("admin should imply %s", scope)
		}
	}
}
