package rpc

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
)

// Scopes gating RPC methods. admin implies all.
const (
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeApprovals = "approvals"
	ScopePairing   = "pairing"
	ScopeAdmin     = "admin"
)

// ScopeSet is the resolved permission set of one connection.
type ScopeSet map[string]bool

// NewScopeSet builds a set from scope names.
func NewScopeSet(scopes []string) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, scope := range scopes {
		s[scope] = true
	}
	return s
}

// Allows reports whether the set grants a required scope.
func (s ScopeSet) Allows(required string) bool {
	if required == "" {
		return true
	}
	return s[required] || s[ScopeAdmin]
}

// List returns the scopes as a sorted-order-independent slice.
func (s ScopeSet) List() []string {
	out := make([]string, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	return out
}

// deviceSignatureSkew bounds how stale a signed nonce may be.
const deviceSignatureSkew = 5 * time.Minute

// authenticate resolves the hello auth block against the config
// snapshot. Token comparison is constant time; device auth verifies an
// ed25519 signature over "{id}:{signed_at}".
func authenticate(cfg *config.Config, auth HelloAuth) (ScopeSet, string, error) {
	if auth.Token != "" {
		for _, tok := range cfg.Auth.Tokens {
			if subtle.ConstantTimeCompare([]byte(tok.Token), []byte(auth.Token)) == 1 {
				return NewScopeSet(tok.Scopes), "token", nil
			}
		}
		return nil, "", fmt.Errorf("unknown token")
	}

	if auth.Device != nil {
		return authenticateDevice(cfg, auth.Device)
	}

	return nil, "", fmt.Errorf("no credentials presented")
}

func authenticateDevice(cfg *config.Config, dev *DeviceAuth) (ScopeSet, string, error) {
	var trusted *config.DeviceConfig
	for i := range cfg.Auth.Devices {
		if cfg.Auth.Devices[i].ID == dev.ID {
			trusted = &cfg.Auth.Devices[i]
			break
		}
	}
	if trusted == nil {
		return nil, "", fmt.Errorf("unknown device")
	}

	// The presented key must match the trusted key exactly.
	if subtle.ConstantTimeCompare([]byte(trusted.PublicKey), []byte(dev.PublicKey)) != 1 {
		return nil, "", fmt.Errorf("device key mismatch")
	}

	signedAt := time.Unix(dev.SignedAt, 0)
	if d := time.Since(signedAt); d > deviceSignatureSkew || d < -deviceSignatureSkew {
		return nil, "", fmt.Errorf("device signature expired")
	}

	pub, err := base64.StdEncoding.DecodeString(trusted.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, "", fmt.Errorf("invalid device public key")
	}
	sig, err := base64.StdEncoding.DecodeString(dev.Signature)
	if err != nil {
		return nil, "", fmt.Errorf("invalid device signature encoding")
	}

	nonce := fmt.Sprintf("%s:%d", dev.ID, dev.SignedAt)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(nonce), sig) {
		return nil, "", fmt.Errorf("device signature invalid")
	}

	return NewScopeSet(trusted.Scopes), "device", nil
}
