package llm

import (
	"errors"
	"testing"

	"github.com/sjvermaak/clawgate/internal/authprofile"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorType
	}{
		{"prompt is too long: 200170 tokens > 200000 maximum", ErrorTypeContextOverflow},
		{"429 Too Many Requests", ErrorTypeRateLimit},
		{"rate_limit_error: slow down", ErrorTypeRateLimit},
		{"529 overloaded_error", ErrorTypeOverloaded},
		{"invalid x-api-key", ErrorTypeAuth},
		{"401 unauthorized", ErrorTypeAuth},
		{"insufficient quota for this billing period", ErrorTypeBilling},
		{"request timed out after 120s", ErrorTypeTimeout},
		{"400 Bad Request: malformed body", ErrorTypeFormat},
		{"something mysterious", ErrorTypeUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestProfileClassMapping(t *testing.T) {
	cases := map[ErrorType]authprofile.ErrorClass{
		ErrorTypeRateLimit:  authprofile.ErrorClassRateLimit,
		ErrorTypeOverloaded: authprofile.ErrorClassRateLimit,
		ErrorTypeAuth:       authprofile.ErrorClassAuth,
		ErrorTypeBilling:    authprofile.ErrorClassBilling,
		ErrorTypeFormat:     authprofile.ErrorClassFormat,
		ErrorTypeTimeout:    authprofile.ErrorClassTimeout,
		ErrorTypeUnknown:    authprofile.ErrorClassUnknown,
	}
	for et, want := range cases {
		if got := et.ProfileClass(); got != want {
			t.Errorf("%s.ProfileClass() = %s, want %s", et, got, want)
		}
	}
}

func TestParsePromptTooLong(t *testing.T) {
	actual, limit, ok := ParsePromptTooLong("prompt is too long: 200170 tokens > 200000 maximum")
	if !ok || actual != 200170 || limit != 200000 {
		t.Errorf("got %d, %d, %v", actual, limit, ok)
	}
	if _, _, ok := ParsePromptTooLong("fine"); ok {
		t.Error("false positive")
	}
}

func TestParseModelRef(t *testing.T) {
	ref, err := ParseModelRef("anthropic/claude-opus-4-5")
	if err != nil || ref.Provider != "anthropic" || ref.Model != "claude-opus-4-5" {
		t.Errorf("ref = %+v, err = %v", ref, err)
	}
	for _, bad := range []string{"", "noslash", "/model", "provider/"} {
		if _, err := ParseModelRef(bad); err == nil {
			t.Errorf("ParseModelRef(%q) should fail", bad)
		}
	}
}

func TestThinkingLevels(t *testing.T) {
	if ParseThinkingLevel("bogus") != ThinkingOff {
		t.Error("invalid level should map to off")
	}
	if ThinkingOff.BudgetTokens() != 0 {
		t.Error("off must carry no budget")
	}
	prev := 0
	for _, l := range []ThinkingLevel{ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh} {
		b := l.BudgetTokens()
		if b <= prev {
			t.Errorf("budget for %s = %d, want > %d", l, b, prev)
		}
		prev = b
	}
}
