package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify_ServiceWide(t *testing.T) {
	for _, status := range []int{500, 503, 529, 502} {
		c := Classify(status, nil)
		assert.False(t, c.AccountSpecific, "status %d should be service-wide", status)
	}
}

func TestClassify_429AlwaysAccountSpecific(t *testing.T) {
	c := Classify(429, []byte(`{"error":{"type":"rate_limit_error","message":"rate limited"}}`))
	assert.True(t, c.AccountSpecific)
	assert.Equal(t, RateLimitExceeded, c.Reason)
}

func TestClassify_401AlwaysAuthFailed(t *testing.T) {
	c := Classify(401, nil)
	assert.True(t, c.AccountSpecific)
	assert.Equal(t, AuthFailed, c.Reason)
}

func TestClassify_400WithoutSignalIsServiceWide(t *testing.T) {
	c := Classify(400, []byte(`{"error":{"type":"invalid_request_error","message":"missing field"}}`))
	assert.False(t, c.AccountSpecific)
}

func TestClassify_400WithQuotaSignalIsAccountSpecific(t *testing.T) {
	c := Classify(400, []byte(`{"error":{"type":"invalid_request_error","message":"your credit balance is too low"}}`))
	assert.True(t, c.AccountSpecific)
	assert.Equal(t, QuotaExhausted, c.Reason)
}

func TestClassify_403WithPermissionSignal(t *testing.T) {
	c := Classify(403, []byte(`{"error":{"type":"permission_error","message":"forbidden"}}`))
	assert.True(t, c.AccountSpecific)
	assert.Equal(t, QuotaExhausted, c.Reason)
}

func TestClassify_ReasonPriorityAuthBeatsQuota(t *testing.T) {
	c := Classify(400, []byte(`{"error":{"type":"authentication_error","message":"quota and authentication both present"}}`))
	assert.Equal(t, AuthFailed, c.Reason)
}

func TestCooldown_RetryAfterTakesPriority(t *testing.T) {
	ra := 45 * time.Second
	d := Cooldown(RateLimitExceeded, 0, &ra)
	assert.Equal(t, 45*time.Second, d)
}

func TestCooldown_RetryAfterFlooredAt2s(t *testing.T) {
	ra := 500 * time.Millisecond
	d := Cooldown(AuthFailed, 0, &ra)
	assert.Equal(t, 2*time.Second, d)
}

func TestCooldown_AuthFailedFixed(t *testing.T) {
	assert.Equal(t, 5*time.Second, Cooldown(AuthFailed, 9, nil))
}

func TestCooldown_RateLimitFixed(t *testing.T) {
	assert.Equal(t, 30*time.Second, Cooldown(RateLimitExceeded, 0, nil))
}

func TestCooldown_QuotaTiers(t *testing.T) {
	assert.Equal(t, 60*time.Second, Cooldown(QuotaExhausted, 0, nil))
	assert.Equal(t, 5*time.Minute, Cooldown(QuotaExhausted, 1, nil))
	assert.Equal(t, 30*time.Minute, Cooldown(QuotaExhausted, 2, nil))
	assert.Equal(t, 2*time.Hour, Cooldown(QuotaExhausted, 3, nil))
}

func TestCooldown_QuotaTiersSaturateAtTier3(t *testing.T) {
	assert.Equal(t, 2*time.Hour, Cooldown(QuotaExhausted, 3, nil))
	assert.Equal(t, 2*time.Hour, Cooldown(QuotaExhausted, 50, nil))
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	now := time.Now()
	d := ParseRetryAfter("30", now)
	if assert.NotNil(t, d) {
		assert.Equal(t, 30*time.Second, *d)
	}
}

func TestParseRetryAfter_ZeroYieldsNil(t *testing.T) {
	assert.Nil(t, ParseRetryAfter("0", time.Now()))
}

func TestParseRetryAfter_NegativeYieldsNil(t *testing.T) {
	assert.Nil(t, ParseRetryAfter("-5", time.Now()))
}

func TestParseRetryAfter_PastHTTPDateYieldsNil(t *testing.T) {
	now := time.Now()
	past := now.Add(-1 * time.Hour).UTC().Format(http_TimeFormat)
	assert.Nil(t, ParseRetryAfter(past, now))
}

func TestParseRetryAfter_FutureHTTPDate(t *testing.T) {
	now := time.Now()
	future := now.Add(1 * time.Hour).UTC().Format(http_TimeFormat)
	d := ParseRetryAfter(future, now)
	if assert.NotNil(t, d) {
		assert.InDelta(t, float64(time.Hour), float64(*d), float64(2*time.Second))
	}
}

func TestParseRetryAfter_Garbage(t *testing.T) {
	assert.Nil(t, ParseRetryAfter("not-a-date", time.Now()))
}

func TestParseRetryAfter_Empty(t *testing.T) {
	assert.Nil(t, ParseRetryAfter("", time.Now()))
}

// http_TimeFormat is the same layout as net/http's TimeFormat
// constant, spelled out locally.
const http_TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
