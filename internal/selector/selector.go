// Package selector picks the next account to use under one of three
// configurable strategies, given the pool's health and token-bucket
// state. It is a pure function of its inputs: no I/O, no mutation.
package selector

import (
	"time"

	"github.com/opencode-ai/anthropic-accounts/internal/bucket"
	"github.com/opencode-ai/anthropic-accounts/internal/health"
)

// Strategy names the configured selection policy.
type Strategy string

const (
	Sticky     Strategy = "sticky"
	RoundRobin Strategy = "round-robin"
	Hybrid     Strategy = "hybrid"
)

// Candidate is one account eligible for selection: enabled, not
// cooled down, not in the caller's skip set.
type Candidate struct {
	Index    int
	ID       string
	LastUsed time.Time
}

// Result is the outcome of a selection.
type Result struct {
	Index     int
	NewCursor int
}

// Select runs the configured strategy over candidates. currentIndex
// is the pool's presently active index (-1 if none); cursor is the
// round-robin cursor carried across calls. Returns false if
// candidates is empty.
func Select(
	candidates []Candidate,
	strategy Strategy,
	currentIndex int,
	cursor int,
	healthTr *health.Tracker,
	bucketTr *bucket.Tracker,
	now time.Time,
) (Result, bool) {
	if len(candidates) == 0 {
		return Result{}, false
	}

	switch strategy {
	case RoundRobin:
		return selectRoundRobin(candidates, cursor), true
	case Hybrid:
		return selectHybrid(candidates, currentIndex, cursor, healthTr, bucketTr, now), true
	default: // Sticky
		return selectSticky(candidates, currentIndex, cursor), true
	}
}

func findByIndex(candidates []Candidate, index int) (Candidate, bool) {
	for _, c := range candidates {
		if c.Index == index {
			return c, true
		}
	}
	return Candidate{}, false
}

func selectSticky(candidates []Candidate, currentIndex, cursor int) Result {
	if _, ok := findByIndex(candidates, currentIndex); ok {
		return Result{Index: currentIndex, NewCursor: cursor}
	}
	return selectRoundRobin(candidates, cursor)
}

func selectRoundRobin(candidates []Candidate, cursor int) Result {
	idx := cursor % len(candidates)
	if idx < 0 {
		idx += len(candidates)
	}
	return Result{Index: candidates[idx].Index, NewCursor: cursor + 1}
}

func selectHybrid(
	candidates []Candidate,
	currentIndex int,
	cursor int,
	healthTr *health.Tracker,
	bucketTr *bucket.Tracker,
	now time.Time,
) Result {
	var usable []Candidate
	for _, c := range candidates {
		if healthTr.IsUsable(c.ID, now) && bucketTr.Tokens(c.ID, now) >= 1 {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return Result{Index: candidates[0].Index, NewCursor: cursor}
	}

	type scored struct {
		Candidate
		base  float64
		score float64
	}

	scoredList := make([]scored, 0, len(usable))
	for _, c := range usable {
		h := float64(healthTr.Score(c.ID, now))
		tokens := bucketTr.Tokens(c.ID, now)
		maxTokens := float64(bucketTr.MaxTokens())

		idleSeconds := now.Sub(c.LastUsed).Seconds()
		if idleSeconds > 3600 {
			idleSeconds = 3600
		}
		if idleSeconds < 0 {
			idleSeconds = 0
		}

		base := h*2 + (tokens/maxTokens)*500 + idleSeconds*0.1
		score := base
		if c.Index == currentIndex {
			score += 150
		}
		scoredList = append(scoredList, scored{Candidate: c, base: base, score: score})
	}

	best := scoredList[0]
	for _, s := range scoredList[1:] {
		if s.score > best.score {
			best = s
		}
	}

	var current scored
	haveCurrent := false
	for _, s := range scoredList {
		if s.Index == currentIndex {
			current = s
			haveCurrent = true
			break
		}
	}

	if haveCurrent && best.Index != currentIndex && best.base-current.base < 100 {
		return Result{Index: currentIndex, NewCursor: cursor}
	}

	return Result{Index: best.Index, NewCursor: cursor}
}
