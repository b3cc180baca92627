// Package authprofile manages per-provider credentials with rotation,
// cooldown and failure tracking.
package authprofile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
)

// ErrorClass categorizes a provider failure for cooldown decisions.
type ErrorClass string

const (
	ErrorClassAuth      ErrorClass = "auth"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassBilling   ErrorClass = "billing"
	ErrorClassFormat    ErrorClass = "format"
	ErrorClassTimeout   ErrorClass = "timeout"
	ErrorClassUnknown   ErrorClass = "unknown"
)

var (
	ErrNoProfiles    = errors.New("no profiles configured for provider")
	ErrAllInCooldown = errors.New("all profiles in cooldown")
)

// Profile is one credential for one provider, with failover state.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // provider alias from config
	Key      string `json:"key"`

	LastUsed      time.Time  `json:"lastUsed,omitempty"`
	ErrorCount    int        `json:"errorCount,omitempty"`
	BillingErrors int        `json:"billingErrors,omitempty"` // consecutive billing failures
	CooldownUntil time.Time  `json:"cooldownUntil,omitempty"`
	DisabledUntil *time.Time `json:"disabledUntil,omitempty"` // nil = enabled; far-future = operator action needed
	LastErrorClass ErrorClass `json:"lastErrorClass,omitempty"`
}

// disabledForever marks profiles needing operator intervention.
var disabledForever = time.Unix(1<<62-1, 0)

// Pool holds all profiles and serializes mutation. Runs hold profile IDs,
// not pointers; a profile can cool down concurrently with a run using it.
type Pool struct {
	mu       sync.Mutex
	path     string
	profiles []*Profile
	now      func() time.Time // test hook
}

// storeFile is the on-disk shape.
type storeFile struct {
	Version  int        `json:"version"`
	Profiles []*Profile `json:"profiles"`
}

// Load reads the profile store, creating an empty pool if absent.
func Load(path string) (*Pool, error) {
	p := &Pool{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			L_warn("authprofile: store not found, starting empty", "path", path)
			return p, nil
		}
		return nil, fmt.Errorf("failed to read profile store: %w", err)
	}

	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse profile store: %w", err)
	}
	p.profiles = sf.Profiles
	L_info("authprofile: store loaded", "profiles", len(p.profiles))
	return p, nil
}

// saveLocked rewrites the store atomically, owner-only permissions.
// Caller holds p.mu.
func (p *Pool) saveLocked() {
	if p.path == "" {
		return
	}
	sf := storeFile{Version: 1, Profiles: p.profiles}
	if err := config.AtomicWriteJSON(p.path, sf, 0600); err != nil {
		L_error("authprofile: failed to persist store", "error", err)
	}
}

// Add registers a profile (used by tests and operator tooling).
func (p *Pool) Add(prof *Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = append(p.profiles, prof)
	p.saveLocked()
}

// Select picks the live profile for a provider: cooldown expired, not
// disabled, least-recent last_used, ties broken by lowest error count.
// The returned Profile is a copy; identify it by ID when reporting.
func (p *Pool) Select(provider string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []*Profile
	total := 0
	for _, prof := range p.profiles {
		if prof.Provider != provider {
			continue
		}
		total++
		if prof.DisabledUntil != nil && prof.DisabledUntil.After(now) {
			continue
		}
		if prof.CooldownUntil.After(now) {
			continue
		}
		candidates = append(candidates, prof)
	}
	if total == 0 {
		return Profile{}, ErrNoProfiles
	}
	if len(candidates) == 0 {
		return Profile{}, ErrAllInCooldown
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].LastUsed.Equal(candidates[j].LastUsed) {
			return candidates[i].LastUsed.Before(candidates[j].LastUsed)
		}
		return candidates[i].ErrorCount < candidates[j].ErrorCount
	})

	chosen := candidates[0]
	chosen.LastUsed = now
	p.saveLocked()
	return *chosen, nil
}

// SelectByID returns a specific profile when it is live. Used for
// per-session auth-profile overrides.
func (p *Pool) SelectByID(id string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.findLocked(id)
	if prof == nil {
		return Profile{}, ErrNoProfiles
	}
	now := p.now()
	if prof.DisabledUntil != nil && prof.DisabledUntil.After(now) {
		return Profile{}, ErrAllInCooldown
	}
	if prof.CooldownUntil.After(now) {
		return Profile{}, ErrAllInCooldown
	}
	prof.LastUsed = now
	p.saveLocked()
	return *prof, nil
}

// ReportSuccess clears failure state after a successful call.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.findLocked(id)
	if prof == nil {
		return
	}
	prof.ErrorCount = 0
	prof.BillingErrors = 0
	prof.CooldownUntil = time.Time{}
	prof.LastErrorClass = ""
	prof.LastUsed = p.now()
	p.saveLocked()
}

// ReportFailure applies the cooldown policy for the error class.
func (p *Pool) ReportFailure(id string, class ErrorClass) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.findLocked(id)
	if prof == nil {
		return
	}
	now := p.now()
	prof.LastErrorClass = class

	switch class {
	case ErrorClassAuth, ErrorClassFormat:
		// Operator intervention required.
		d := disabledForever
		prof.DisabledUntil = &d
		L_error("authprofile: profile disabled pending operator action",
			"profile", prof.ID, "class", class)

	case ErrorClassBilling:
		prof.BillingErrors++
		base := 5 * time.Hour
		cooldown := base
		for i := 1; i < prof.BillingErrors; i++ {
			cooldown *= 2
			if cooldown >= 24*time.Hour {
				cooldown = 24 * time.Hour
				break
			}
		}
		prof.CooldownUntil = now.Add(cooldown)
		L_warn("authprofile: billing cooldown",
			"profile", prof.ID, "until", prof.CooldownUntil, "consecutive", prof.BillingErrors)

	default: // rate_limit, timeout, unknown
		prof.ErrorCount++
		cooldown := transientCooldown(prof.ErrorCount)
		prof.CooldownUntil = now.Add(cooldown)
		L_warn("authprofile: transient cooldown",
			"profile", prof.ID, "class", class, "errors", prof.ErrorCount, "cooldown", cooldown)
	}
	p.saveLocked()
}

// transientCooldown implements min(1h, 60s * 5^min(n-1, 3)):
// 1, 5, 25, 60 minutes.
func transientCooldown(errorCount int) time.Duration {
	exp := errorCount - 1
	if exp > 3 {
		exp = 3
	}
	mult := 1
	for i := 0; i < exp; i++ {
		mult *= 5
	}
	d := time.Duration(mult) * time.Minute
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// Enable clears a disabled profile (operator action).
func (p *Pool) Enable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.findLocked(id)
	if prof == nil {
		return
	}
	prof.DisabledUntil = nil
	prof.CooldownUntil = time.Time{}
	prof.ErrorCount = 0
	prof.BillingErrors = 0
	p.saveLocked()
}

// Status returns a consistent snapshot of all profiles for a provider
// (empty provider returns all).
func (p *Pool) Status(provider string) []Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Profile
	for _, prof := range p.profiles {
		if provider == "" || prof.Provider == provider {
			out = append(out, *prof)
		}
	}
	return out
}

func (p *Pool) findLocked(id string) *Profile {
	for _, prof := range p.profiles {
		if prof.ID == id {
			return prof
		}
	}
	return nil
}

// SetNowFunc overrides the clock (tests only).
func (p *Pool) SetNowFunc(now func() time.Time) { p.now = now }
