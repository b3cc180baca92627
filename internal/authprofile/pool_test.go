package authprofile

import (
	"path/filepath"
	"testing"
	"time"
)

func testPool(t *testing.T) (*Pool, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	p, err := Load(filepath.Join(t.TempDir(), "auth-profiles.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p.SetNowFunc(func() time.Time { return now })
	return p, &now
}

func TestSelectLeastRecentlyUsed(t *testing.T) {
	p, now := testPool(t)
	p.Add(&Profile{ID: "p1", Provider: "anthropic", Key: "k1", LastUsed: now.Add(-1 * time.Minute)})
	p.Add(&Profile{ID: "p2", Provider: "anthropic", Key: "k2", LastUsed: now.Add(-2 * time.Minute)})

	prof, err := p.Select("anthropic")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if prof.ID != "p2" {
		t.Errorf("selected %s, want p2 (least recently used)", prof.ID)
	}
}

func TestSelectNoProfiles(t *testing.T) {
	p, _ := testPool(t)
	if _, err := p.Select("anthropic"); err != ErrNoProfiles {
		t.Errorf("err = %v, want ErrNoProfiles", err)
	}
}

func TestTransientCooldownSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		25 * time.Minute,
		60 * time.Minute,
		60 * time.Minute, // capped
	}
	for i, expect := range want {
		if got := transientCooldown(i + 1); got != expect {
			t.Errorf("transientCooldown(%d) = %v, want %v", i+1, got, expect)
		}
	}
}

func TestFailoverAndRecovery(t *testing.T) {
	p, now := testPool(t)
	p.Add(&Profile{ID: "p1", Provider: "anthropic", Key: "k1"})
	p.Add(&Profile{ID: "p2", Provider: "anthropic", Key: "k2", LastUsed: now.Add(time.Second)})

	// p1 selected first (never used), rate-limits.
	prof, _ := p.Select("anthropic")
	if prof.ID != "p1" {
		t.Fatalf("selected %s, want p1", prof.ID)
	}
	p.ReportFailure("p1", ErrorClassRateLimit)

	// Subsequent selections land on p2 while p1 cools down.
	for i := 0; i < 3; i++ {
		prof, err := p.Select("anthropic")
		if err != nil {
			t.Fatalf("Select during cooldown: %v", err)
		}
		if prof.ID != "p2" {
			t.Errorf("selected %s during cooldown, want p2", prof.ID)
		}
	}

	status := p.Status("anthropic")
	for _, s := range status {
		if s.ID == "p1" && !s.CooldownUntil.After(*now) {
			t.Error("p1 cooldown_until should be in the future")
		}
	}

	// After the cooldown elapses p1 is selectable again; with p2 now
	// more recently used, selection returns to p1.
	*now = now.Add(2 * time.Minute)
	p.ReportSuccess("p2")
	prof, err := p.Select("anthropic")
	if err != nil {
		t.Fatalf("Select after cooldown: %v", err)
	}
	if prof.ID != "p1" {
		t.Errorf("selected %s after cooldown, want p1", prof.ID)
	}
}

func TestBillingCooldownDoubles(t *testing.T) {
	p, now := testPool(t)
	p.Add(&Profile{ID: "p1", Provider: "anthropic", Key: "k1"})

	p.ReportFailure("p1", ErrorClassBilling)
	st := p.Status("anthropic")[0]
	if got := st.CooldownUntil.Sub(*now); got != 5*time.Hour {
		t.Errorf("first billing cooldown = %v, want 5h", got)
	}

	p.ReportFailure("p1", ErrorClassBilling)
	st = p.Status("anthropic")[0]
	if got := st.CooldownUntil.Sub(*now); got != 10*time.Hour {
		t.Errorf("second billing cooldown = %v, want 10h", got)
	}

	for i := 0; i < 5; i++ {
		p.ReportFailure("p1", ErrorClassBilling)
	}
	st = p.Status("anthropic")[0]
	if got := st.CooldownUntil.Sub(*now); got != 24*time.Hour {
		t.Errorf("billing cooldown cap = %v, want 24h", got)
	}
}

func TestAuthErrorDisables(t *testing.T) {
	p, _ := testPool(t)
	p.Add(&Profile{ID: "p1", Provider: "anthropic", Key: "k1"})

	p.ReportFailure("p1", ErrorClassAuth)
	if _, err := p.Select("anthropic"); err != ErrAllInCooldown {
		t.Errorf("err = %v, want ErrAllInCooldown (disabled pending operator)", err)
	}

	p.Enable("p1")
	if _, err := p.Select("anthropic"); err != nil {
		t.Errorf("Select after Enable: %v", err)
	}
}

func TestSuccessResetsState(t *testing.T) {
	p, _ := testPool(t)
	p.Add(&Profile{ID: "p1", Provider: "anthropic", Key: "k1"})

	p.ReportFailure("p1", ErrorClassRateLimit)
	p.ReportFailure("p1", ErrorClassRateLimit)
	p.ReportSuccess("p1")

	st := p.Status("anthropic")[0]
	if st.ErrorCount != 0 || !st.CooldownUntil.IsZero() {
		t.Errorf("success did not reset state: %+v", st)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth-profiles.json")

	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p.Add(&Profile{ID: "p1", Provider: "anthropic", Key: "secret"})
	p.ReportFailure("p1", ErrorClassRateLimit)

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	st := reloaded.Status("anthropic")
	if len(st) != 1 || st[0].ErrorCount != 1 {
		t.Errorf("state not persisted: %+v", st)
	}
}
