// Package backoff classifies upstream HTTP failures as account-specific
// or service-wide and computes the resulting cooldown duration.
package backoff

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reason is the account-specific failure category.
type Reason string

const (
	AuthFailed        Reason = "AUTH_FAILED"
	QuotaExhausted    Reason = "QUOTA_EXHAUSTED"
	RateLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"
)

// Classification is the verdict for one upstream response.
type Classification struct {
	// AccountSpecific is false for service-wide failures: the caller
	// must return the response unchanged, never switch account.
	AccountSpecific bool
	Reason          Reason
}

var typeSignals = []string{
	"rate_limit", "quota", "billing", "permission", "authentication",
	"invalid_api_key", "insufficient_permissions", "invalid_grant",
}

var textSignals = []string{
	"rate limit", "would exceed", "quota", "exhausted", "credit balance",
	"billing", "permission", "forbidden", "unauthorized", "authentication",
	"not authorized",
}

var authSignals = []string{
	"authentication", "invalid_api_key", "invalid_grant", "unauthorized",
	"invalid access token", "expired token",
}

var quotaSignals = []string{
	"quota", "billing", "permission", "insufficient_permissions",
	"exhausted", "credit balance", "forbidden",
}

// errorBody is the subset of an Anthropic-shaped error body this
// package inspects; fields are read permissively.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func containsAny(haystack string, needles []string) bool {
	haystack = strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Classify applies §4.2's classification table. body is the raw
// response body and may be nil; it is read permissively (a body that
// is not JSON is still matched as text) and never causes a panic.
func Classify(status int, body []byte) Classification {
	errType, errMessage := extractErrorFields(body)
	bodyText := string(body)

	hasAccountSignal := containsAny(errType, typeSignals) ||
		containsAny(errMessage, textSignals) ||
		containsAny(bodyText, textSignals) ||
		containsAny(bodyText, typeSignals)

	switch {
	case status == 429:
		return Classification{AccountSpecific: true, Reason: assignReason(status, errType, errMessage, bodyText)}
	case status == 401:
		return Classification{AccountSpecific: true, Reason: AuthFailed}
	case (status == 400 || status == 403) && hasAccountSignal:
		return Classification{AccountSpecific: true, Reason: assignReason(status, errType, errMessage, bodyText)}
	default:
		return Classification{AccountSpecific: false}
	}
}

func assignReason(status int, errType, errMessage, bodyText string) Reason {
	if status == 401 || containsAny(errType, authSignals) || containsAny(errMessage, authSignals) || containsAny(bodyText, authSignals) {
		return AuthFailed
	}
	if containsAny(errType, quotaSignals) || containsAny(errMessage, quotaSignals) || containsAny(bodyText, quotaSignals) {
		return QuotaExhausted
	}
	return RateLimitExceeded
}

func extractErrorFields(body []byte) (errType, errMessage string) {
	if len(body) == 0 {
		return "", ""
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed.Error.Type, parsed.Error.Message
	}
	return "", ""
}

// quotaTiers are the fixed QUOTA_EXHAUSTED cooldown tiers, indexed by
// consecutiveFailures (zero-based), saturating at the last entry.
var quotaTiers = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

const rateLimitCooldown = 30 * time.Second
const authFailedCooldown = 5 * time.Second
const minRetryAfter = 2 * time.Second

// Cooldown computes the cooldown duration for a classified failure.
// retryAfter is the parsed value of a Retry-After header, or nil if
// absent/unparseable; when present it takes priority over the
// reason-based tiers, floored at 2s.
func Cooldown(reason Reason, consecutiveFailures int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		d := *retryAfter
		if d < minRetryAfter {
			d = minRetryAfter
		}
		return d
	}

	switch reason {
	case AuthFailed:
		return authFailedCooldown
	case QuotaExhausted:
		tier := consecutiveFailures
		if tier < 0 {
			tier = 0
		}
		if tier >= len(quotaTiers) {
			tier = len(quotaTiers) - 1
		}
		return quotaTiers[tier]
	default:
		return rateLimitCooldown
	}
}

// ParseRetryAfter parses a Retry-After header value (integer seconds
// or an HTTP-date). It fails closed: non-positive integers and dates
// not in the future return nil.
func ParseRetryAfter(value string, now time.Time) *time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if when, err := http.ParseTime(value); err == nil {
		d := when.Sub(now)
		if d <= 0 {
			return nil
		}
		return &d
	}

	return nil
}
