// Package media provides content-addressed attachment storage with TTL
// expiry and SSRF-safe remote fetching.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
)

var ErrNotFound = errors.New("media entry not found")

// Meta is the sidecar record stored next to each blob.
type Meta struct {
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	TTL         string    `json:"ttl"` // duration string; empty = store default
	Name        string    `json:"name,omitempty"`
}

// Store is a content-addressed blob store: blobs are named by their
// SHA-256, writes are idempotent, expiry is by TTL sidecar.
type Store struct {
	dir        string
	defaultTTL time.Duration
}

// NewStore opens the media directory.
func NewStore(dir string, defaultTTL time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	if defaultTTL <= 0 {
		defaultTTL = 72 * time.Hour
	}
	return &Store{dir: dir, defaultTTL: defaultTTL}, nil
}

func (s *Store) blobPath(hash string) string { return filepath.Join(s.dir, hash) }
func (s *Store) metaPath(hash string) string { return filepath.Join(s.dir, hash+".json") }

// Put stores a blob and returns its content hash. Re-putting identical
// content is a no-op apart from refreshing nothing; the hash names the
// file, so concurrent writers converge on one entry.
func (s *Store) Put(r io.Reader, name string) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".media-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	blobPath := s.blobPath(hash)

	if _, err := os.Stat(blobPath); err == nil {
		L_trace("media: blob already stored", "hash", hash)
		return hash, nil
	}

	mt, err := mimetype.DetectFile(tmpPath)
	contentType := "application/octet-stream"
	if err == nil {
		contentType = mt.String()
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	meta := Meta{
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
		Name:        name,
	}
	if err := config.AtomicWriteJSON(s.metaPath(hash), meta, 0640); err != nil {
		return "", fmt.Errorf("failed to write media sidecar: %w", err)
	}

	L_debug("media: stored", "hash", hash, "size", size, "type", contentType)
	return hash, nil
}

// PutBytes stores an in-memory blob.
func (s *Store) PutBytes(data []byte, name string) (string, error) {
	return s.Put(strings.NewReader(string(data)), name)
}

// Open returns a reader and metadata for a stored blob.
func (s *Store) Open(hash string) (io.ReadCloser, Meta, error) {
	meta, err := s.Stat(hash)
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, err
	}
	return f, meta, nil
}

// Path returns the on-disk path of a blob for plugins that need a file.
func (s *Store) Path(hash string) (string, Meta, error) {
	meta, err := s.Stat(hash)
	if err != nil {
		return "", Meta{}, err
	}
	return s.blobPath(hash), meta, nil
}

// Stat reads a blob's sidecar.
func (s *Store) Stat(hash string) (Meta, error) {
	data, err := os.ReadFile(s.metaPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("failed to parse media sidecar: %w", err)
	}
	return meta, nil
}

// GC removes expired entries and returns how many were collected.
func (s *Store) GC() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		L_warn("media: gc scan failed", "error", err)
		return 0
	}

	collected := 0
	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		hash := strings.TrimSuffix(name, ".json")
		meta, err := s.Stat(hash)
		if err != nil {
			continue
		}
		ttl := s.defaultTTL
		if meta.TTL != "" {
			if d, err := time.ParseDuration(meta.TTL); err == nil {
				ttl = d
			}
		}
		if now.Sub(meta.CreatedAt) < ttl {
			continue
		}
		os.Remove(s.blobPath(hash))
		os.Remove(s.metaPath(hash))
		collected++
	}
	if collected > 0 {
		L_info("media: gc collected", "entries", collected)
	}
	return collected
}

// StartGC runs GC on an interval until stop is closed.
func (s *Store) StartGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.GC()
			case <-stop:
				return
			}
		}
	}()
}
