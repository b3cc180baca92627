package gateway

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
)

// PairingStore tracks peers admitted under the "pairing" DM policy: a
// peer presents a short-lived code minted over RPC, and once confirmed
// the (channel, peer) pair is persisted.
type PairingStore struct {
	mu     sync.Mutex
	path   string
	paired map[string]time.Time // "channel|peer" -> paired at
	codes  map[string]pendingCode
}

type pendingCode struct {
	channel string
	peer    string
	expires time.Time
}

const pairingCodeTTL = 10 * time.Minute

type pairingFile struct {
	Version int                  `json:"version"`
	Paired  map[string]time.Time `json:"paired"`
}

// LoadPairingStore reads the pairing file, starting empty when absent.
func LoadPairingStore(path string) (*PairingStore, error) {
	s := &PairingStore{
		path:   path,
		paired: make(map[string]time.Time),
		codes:  make(map[string]pendingCode),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var pf pairingFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pairing store: %w", err)
	}
	if pf.Paired != nil {
		s.paired = pf.Paired
	}
	return s, nil
}

func pairKey(channel, peer string) string { return channel + "|" + peer }

// Paired reports whether a peer has completed pairing.
func (s *PairingStore) Paired(channel, peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paired[pairKey(channel, peer)]
	return ok
}

// Begin mints a pairing code for a peer.
func (s *PairingStore) Begin(channel, peer string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := fmt.Sprintf("%02X%02X-%02X%02X", buf[0], buf[1], buf[2], buf[3])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = pendingCode{channel: channel, peer: peer, expires: time.Now().Add(pairingCodeTTL)}
	return code, nil
}

// Confirm completes pairing for a previously minted code.
func (s *PairingStore) Confirm(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.codes[code]
	if !ok || time.Now().After(pending.expires) {
		delete(s.codes, code)
		return fmt.Errorf("unknown or expired pairing code")
	}
	delete(s.codes, code)
	s.paired[pairKey(pending.channel, pending.peer)] = time.Now().UTC()
	s.saveLocked()
	L_info("pairing: peer paired", "channel", pending.channel, "peer", pending.peer)
	return nil
}

// Revoke removes a paired peer.
func (s *PairingStore) Revoke(channel, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paired, pairKey(channel, peer))
	s.saveLocked()
}

// List returns paired peers.
func (s *PairingStore) List() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.paired))
	for k, v := range s.paired {
		out[k] = v
	}
	return out
}

func (s *PairingStore) saveLocked() {
	pf := pairingFile{Version: 1, Paired: s.paired}
	if err := config.AtomicWriteJSON(s.path, pf, 0600); err != nil {
		L_error("pairing: failed to persist store", "error", err)
	}
}
