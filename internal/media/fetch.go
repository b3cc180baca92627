package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	. "github.com/sjvermaak/clawgate/internal/logging"
)

// ErrBlockedAddress is returned when a fetch would reach a private or
// otherwise forbidden address.
var ErrBlockedAddress = errors.New("fetch blocked: address not allowed")

// Fetcher downloads remote media into the store with SSRF-safe address
// resolution, a size cap and a deadline.
type Fetcher struct {
	store        *Store
	maxBytes     int64
	timeout      time.Duration
	allowPrivate bool
	client       *http.Client
}

// NewFetcher builds a fetcher around a store.
func NewFetcher(store *Store, maxBytes int64, timeout time.Duration, allowPrivate bool) *Fetcher {
	f := &Fetcher{
		store:        store,
		maxBytes:     maxBytes,
		timeout:      timeout,
		allowPrivate: allowPrivate,
	}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		// Check the resolved address at connect time, not just the
		// hostname: DNS rebinding would defeat a lookup-time check.
		Control: func(network, address string, c syscall.RawConn) error {
			if allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return err
			}
			if isForbiddenAddr(addr) {
				return ErrBlockedAddress
			}
			return nil
		},
	}

	f.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
	return f
}

// isForbiddenAddr rejects loopback, private, link-local, multicast and
// unspecified addresses, including IPv4-mapped IPv6 forms.
func isForbiddenAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// Fetch downloads a URL into the store, returning the content hash.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid media url: %w", err)
	}
	req.Header.Set("User-Agent", "clawgate-media/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media fetch failed: status %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 && resp.ContentLength > f.maxBytes {
		return "", fmt.Errorf("media too large: %d bytes (limit %d)", resp.ContentLength, f.maxBytes)
	}

	// LimitReader with one extra byte detects bodies that lie about size.
	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	hash, err := f.store.Put(&cappedReader{r: limited, max: f.maxBytes}, "")
	if err != nil {
		return "", err
	}

	L_debug("media: fetched", "url", url, "hash", hash)
	return hash, nil
}

// cappedReader fails once more than max bytes have been read.
type cappedReader struct {
	r    io.Reader
	max  int64
	read int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, fmt.Errorf("media exceeds size limit of %d bytes", c.max)
	}
	return n, err
}
