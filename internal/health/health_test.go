package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScore_UnknownAccountYieldsInitial(t *testing.T) {
	tr := New(DefaultConfig)
	assert.Equal(t, 70, tr.Score("acc-1", time.Now()))
}

func TestRewardSuccess_Increments(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.RewardSuccess("acc-1", now)
	assert.Equal(t, 71, tr.Score("acc-1", now))
}

func TestPenalizeRateLimit_Decrements(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.PenalizeRateLimit("acc-1", now)
	assert.Equal(t, 60, tr.Score("acc-1", now))
}

func TestScore_CappedAtMax(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	for i := 0; i < 50; i++ {
		tr.RewardSuccess("acc-1", now)
	}
	assert.Equal(t, 100, tr.Score("acc-1", now))
}

func TestScore_FloorsAtZero(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	for i := 0; i < 10; i++ {
		tr.PenalizeFailure("acc-1", now)
	}
	assert.Equal(t, 0, tr.Score("acc-1", now))
}

func TestScore_PassiveRecoveryAccrues(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.PenalizeFailure("acc-1", now)
	assert.Equal(t, 50, tr.Score("acc-1", now))

	later := now.Add(3 * time.Hour)
	assert.Equal(t, 53, tr.Score("acc-1", later))
}

func TestScore_RecoveryCapsAtMaxScore(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.RewardSuccess("acc-1", now)
	later := now.Add(1000 * time.Hour)
	assert.Equal(t, 100, tr.Score("acc-1", later))
}

func TestIsUsable(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	assert.True(t, tr.IsUsable("acc-1", now))

	for i := 0; i < 3; i++ {
		tr.PenalizeFailure("acc-1", now)
	}
	assert.False(t, tr.IsUsable("acc-1", now))
}

func TestForget_ResetsToInitial(t *testing.T) {
	tr := New(DefaultConfig)
	now := time.Now()
	tr.PenalizeFailure("acc-1", now)
	tr.Forget("acc-1")
	assert.Equal(t, 70, tr.Score("acc-1", now))
}
