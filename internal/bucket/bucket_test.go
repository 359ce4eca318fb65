package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokens_UnknownAccountYieldsInitial(t *testing.T) {
	tr := New(DefaultConfig)
	assert.Equal(t, float64(50), tr.Tokens("acc-1", time.Now()))
}

func TestConsume_Decrements(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.Consume("acc-1", now)
	assert.Equal(t, float64(49), tr.Tokens("acc-1", now))
}

func TestRefund_Increments(t *testing.T) {
	tr := New(Config{MaxTokens: 50, RegenerationPerMinute: 6, InitialTokens: 10})
	now := time.Now()
	tr.Refund("acc-1", now)
	assert.Equal(t, float64(11), tr.Tokens("acc-1", now))
}

func TestRefund_CapsAtMax(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.Refund("acc-1", now)
	assert.Equal(t, float64(50), tr.Tokens("acc-1", now))
}

func TestConsume_FloorsAtZero(t *testing.T) {
	tr := New(Config{MaxTokens: 50, RegenerationPerMinute: 6, InitialTokens: 0})
	now := time.Now()
	tr.Consume("acc-1", now)
	assert.Equal(t, float64(0), tr.Tokens("acc-1", now))
}

func TestTokens_RegenerateOverTime(t *testing.T) {
	tr := New(Config{MaxTokens: 50, RegenerationPerMinute: 6, InitialTokens: 10})
	now := time.Now()
	tr.Consume("acc-1", now)
	later := now.Add(2 * time.Minute)
	assert.Equal(t, float64(21), tr.Tokens("acc-1", later))
}

func TestHasToken(t *testing.T) {
	tr := New(Config{MaxTokens: 50, RegenerationPerMinute: 6, InitialTokens: 0})
	now := time.Now()
	assert.False(t, tr.HasToken("acc-1", now))
	tr.Refund("acc-1", now)
	assert.True(t, tr.HasToken("acc-1", now))
}

func TestForget_ResetsToInitial(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.Consume("acc-1", now)
	tr.Forget("acc-1")
	assert.Equal(t, float64(50), tr.Tokens("acc-1", now))
}
