package media

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPutIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("the same payload")
	h1, err := s.Put(bytes.NewReader(data), "a.txt")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := s.Put(bytes.NewReader(data), "b.txt")
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %s vs %s", h1, h2)
	}

	meta, err := s.Stat(h1)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", meta.Size, len(data))
	}
	if meta.ContentType == "" {
		t.Error("content type not sniffed")
	}
}

func TestOpenUnknown(t *testing.T) {
	s, _ := NewStore(t.TempDir(), time.Hour)
	if _, _, err := s.Open("deadbeef"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGCRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, time.Hour)
	hash, err := s.Put(bytes.NewReader([]byte("expiring")), "")
	if err != nil {
		t.Fatal(err)
	}

	// Age the sidecar past the TTL.
	meta, _ := s.Stat(hash)
	meta.CreatedAt = time.Now().Add(-2 * time.Hour)
	aged, _ := json.Marshal(meta)
	if err := os.WriteFile(s.metaPath(hash), aged, 0640); err != nil {
		t.Fatal(err)
	}

	if got := s.GC(); got != 1 {
		t.Errorf("gc collected %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, hash)); !os.IsNotExist(err) {
		t.Error("expired blob still present")
	}
}

func TestForbiddenAddrs(t *testing.T) {
	cases := []struct {
		addr   string
		forbid bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"::1", true},
		{"fe80::1", true},
		{"::ffff:192.168.1.1", true}, // IPv4-mapped
		{"0.0.0.0", true},
		{"1.1.1.1", false},
		{"93.184.216.34", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tc := range cases {
		addr := netip.MustParseAddr(tc.addr)
		if got := isForbiddenAddr(addr); got != tc.forbid {
			t.Errorf("isForbiddenAddr(%s) = %v, want %v", tc.addr, got, tc.forbid)
		}
	}
}
