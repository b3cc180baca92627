// Package llm provides LLM provider implementations and utilities.
package llm

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/sjvermaak/clawgate/internal/authprofile"
)

// ErrorType categorizes LLM errors for failover and user messaging decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeFormat          ErrorType = "format"
)

var (
	// Matches "prompt is too long: 200170 tokens > 200000 maximum"
	promptTooLongRe = regexp.MustCompile(`prompt is too long:\s*(\d+)\s*tokens?\s*>\s*(\d+)`)
	rateLimitRe     = regexp.MustCompile(`(?i)rate.?limit|too many requests|429`)
	overloadedRe    = regexp.MustCompile(`(?i)overloaded|529|capacity`)
	authRe          = regexp.MustCompile(`(?i)invalid.*(api.?key|x-api-key)|authentication|unauthorized|401|403`)
	billingRe       = regexp.MustCompile(`(?i)billing|payment|credit|quota.*exceed|insufficient.*(funds|quota)|402`)
	timeoutRe       = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`)
	formatRe        = regexp.MustCompile(`(?i)invalid.?request|malformed|400 bad request|unprocessable`)
	contextRe       = regexp.MustCompile(`(?i)context.?(length|window)|too long|maximum.*tokens`)
)

// Classify maps a provider error onto the failover taxonomy. Message-based
// matching works across SDKs the way the old per-provider checks did.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	msg := err.Error()
	switch {
	case promptTooLongRe.MatchString(msg):
		return ErrorTypeContextOverflow
	case rateLimitRe.MatchString(msg):
		return ErrorTypeRateLimit
	case overloadedRe.MatchString(msg):
		return ErrorTypeOverloaded
	case authRe.MatchString(msg):
		return ErrorTypeAuth
	case billingRe.MatchString(msg):
		return ErrorTypeBilling
	case timeoutRe.MatchString(msg):
		return ErrorTypeTimeout
	case formatRe.MatchString(msg):
		return ErrorTypeFormat
	case contextRe.MatchString(msg):
		return ErrorTypeContextOverflow
	}
	return ErrorTypeUnknown
}

// ProfileClass maps an LLM error type onto the auth-profile pool's
// cooldown classes. Overloaded is treated like a rate limit.
func (t ErrorType) ProfileClass() authprofile.ErrorClass {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeOverloaded:
		return authprofile.ErrorClassRateLimit
	case ErrorTypeAuth:
		return authprofile.ErrorClassAuth
	case ErrorTypeBilling:
		return authprofile.ErrorClassBilling
	case ErrorTypeFormat:
		return authprofile.ErrorClassFormat
	case ErrorTypeTimeout:
		return authprofile.ErrorClassTimeout
	}
	return authprofile.ErrorClassUnknown
}

// Transient reports whether a retry with a different profile may help.
func (t ErrorType) Transient() bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeOverloaded, ErrorTypeTimeout, ErrorTypeUnknown:
		return true
	}
	return false
}

// IsContextOverflowError checks if an error indicates context window exceeded.
func IsContextOverflowError(err error) bool {
	return Classify(err) == ErrorTypeContextOverflow
}

// ParsePromptTooLong extracts (actual, limit) from an Anthropic-style
// "prompt is too long" message, returning ok=false when absent.
func ParsePromptTooLong(msg string) (actual, limit int, ok bool) {
	m := promptTooLongRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0, false
	}
	actual = atoiSafe(m[1])
	limit = atoiSafe(m[2])
	return actual, limit, true
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// ErrorSnippet trims an error message for transcripts and logs.
func ErrorSnippet(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}
