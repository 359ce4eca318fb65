// Package config loads the account pool's runtime configuration from
// a JSON (or YAML) file, environment overrides, and built-in defaults,
// clamping numeric fields to their declared ranges.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/anthropic-accounts/internal/bucket"
	"github.com/opencode-ai/anthropic-accounts/internal/health"
	"github.com/opencode-ai/anthropic-accounts/internal/selector"
)

// Toasts holds the toast/notification behavior section.
type Toasts struct {
	Quiet           bool `json:"quiet" yaml:"quiet"`
	DebounceSeconds int  `json:"debounce_seconds" yaml:"debounce_seconds"`
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	AccountSelectionStrategy selector.Strategy `json:"account_selection_strategy" yaml:"account_selection_strategy"`
	MaxRateLimitWaitSeconds  int               `json:"max_rate_limit_wait_seconds" yaml:"max_rate_limit_wait_seconds"`
	FailureTTLSeconds        int               `json:"failure_ttl_seconds" yaml:"failure_ttl_seconds"`
	Debug                    bool              `json:"debug" yaml:"debug"`
	Toasts                   Toasts            `json:"toasts" yaml:"toasts"`
	HealthScore              health.Config     `json:"health_score" yaml:"health_score"`
	TokenBucket              bucket.Config     `json:"token_bucket" yaml:"token_bucket"`
}

// Default returns the spec-mandated default configuration:
// strategy "sticky", failure_ttl=3600, quiet=false, debounce=30,
// health {70,+1,-10,-20,50,100}, bucket {50,6,50}.
func Default() Config {
	return Config{
		AccountSelectionStrategy: selector.Sticky,
		MaxRateLimitWaitSeconds:  0,
		FailureTTLSeconds:        3600,
		Debug:                    false,
		Toasts: Toasts{
			Quiet:           false,
			DebounceSeconds: 30,
		},
		HealthScore: health.DefaultConfig,
		TokenBucket: bucket.DefaultConfig,
	}
}

type fileHealthScore struct {
	Initial             *int `json:"initial" yaml:"initial"`
	SuccessReward       *int `json:"success_reward" yaml:"success_reward"`
	RateLimitPenalty    *int `json:"rate_limit_penalty" yaml:"rate_limit_penalty"`
	FailurePenalty      *int `json:"failure_penalty" yaml:"failure_penalty"`
	MinUsable           *int `json:"min_usable" yaml:"min_usable"`
	MaxScore            *int `json:"max_score" yaml:"max_score"`
	RecoveryRatePerHour *int `json:"recovery_rate_per_hour" yaml:"recovery_rate_per_hour"`
}

type fileTokenBucket struct {
	MaxTokens             *int `json:"max_tokens" yaml:"max_tokens"`
	RegenerationPerMinute *int `json:"regeneration_rate_per_minute" yaml:"regeneration_rate_per_minute"`
	InitialTokens         *int `json:"initial_tokens" yaml:"initial_tokens"`
}

type fileToasts struct {
	Quiet           *bool `json:"quiet" yaml:"quiet"`
	DebounceSeconds *int  `json:"debounce_seconds" yaml:"debounce_seconds"`
}

type fileConfig struct {
	AccountSelectionStrategy *string          `json:"account_selection_strategy" yaml:"account_selection_strategy"`
	MaxRateLimitWaitSeconds  *int             `json:"max_rate_limit_wait_seconds" yaml:"max_rate_limit_wait_seconds"`
	FailureTTLSeconds        *int             `json:"failure_ttl_seconds" yaml:"failure_ttl_seconds"`
	Debug                    *bool            `json:"debug" yaml:"debug"`
	Toasts                   *fileToasts      `json:"toasts" yaml:"toasts"`
	HealthScore              *fileHealthScore `json:"health_score" yaml:"health_score"`
	TokenBucket              *fileTokenBucket `json:"token_bucket" yaml:"token_bucket"`
}

// Load reads path (JSON by default, YAML if the extension is
// .yaml/.yml), merges it over Default(), applies environment
// overrides, and clamps every numeric field to its declared range.
// A missing or unparseable file is silently treated as "no overrides"
// — config errors must never prevent the pool from starting.
func Load(path string) Config {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			var parseErr error
			if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
				parseErr = yaml.Unmarshal(data, &fc)
			} else {
				parseErr = json.Unmarshal(data, &fc)
			}
			if parseErr == nil {
				applyFile(&cfg, fc)
			}
		}
	}

	applyEnv(&cfg)
	clamp(&cfg)
	return cfg
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.AccountSelectionStrategy != nil {
		if s := selector.Strategy(*fc.AccountSelectionStrategy); isValidStrategy(s) {
			cfg.AccountSelectionStrategy = s
		}
	}
	if fc.MaxRateLimitWaitSeconds != nil {
		cfg.MaxRateLimitWaitSeconds = *fc.MaxRateLimitWaitSeconds
	}
	if fc.FailureTTLSeconds != nil {
		cfg.FailureTTLSeconds = *fc.FailureTTLSeconds
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	if fc.Toasts != nil {
		if fc.Toasts.Quiet != nil {
			cfg.Toasts.Quiet = *fc.Toasts.Quiet
		}
		if fc.Toasts.DebounceSeconds != nil {
			cfg.Toasts.DebounceSeconds = *fc.Toasts.DebounceSeconds
		}
	}
	if fc.HealthScore != nil {
		h := fc.HealthScore
		if h.Initial != nil {
			cfg.HealthScore.Initial = *h.Initial
		}
		if h.SuccessReward != nil {
			cfg.HealthScore.SuccessReward = *h.SuccessReward
		}
		if h.RateLimitPenalty != nil {
			cfg.HealthScore.RateLimitPenalty = *h.RateLimitPenalty
		}
		if h.FailurePenalty != nil {
			cfg.HealthScore.FailurePenalty = *h.FailurePenalty
		}
		if h.MinUsable != nil {
			cfg.HealthScore.MinUsable = *h.MinUsable
		}
		if h.MaxScore != nil {
			cfg.HealthScore.MaxScore = *h.MaxScore
		}
		if h.RecoveryRatePerHour != nil {
			cfg.HealthScore.RecoveryRatePerHour = *h.RecoveryRatePerHour
		}
	}
	if fc.TokenBucket != nil {
		b := fc.TokenBucket
		if b.MaxTokens != nil {
			cfg.TokenBucket.MaxTokens = *b.MaxTokens
		}
		if b.RegenerationPerMinute != nil {
			cfg.TokenBucket.RegenerationPerMinute = *b.RegenerationPerMinute
		}
		if b.InitialTokens != nil {
			cfg.TokenBucket.InitialTokens = *b.InitialTokens
		}
	}
}

func isValidStrategy(s selector.Strategy) bool {
	switch s {
	case selector.Sticky, selector.RoundRobin, selector.Hybrid:
		return true
	default:
		return false
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("OPENCODE_ANTHROPIC_STRATEGY"); ok {
		if s := selector.Strategy(v); isValidStrategy(s) {
			cfg.AccountSelectionStrategy = s
		}
	}
	if v, ok := os.LookupEnv("OPENCODE_ANTHROPIC_DEBUG"); ok {
		if b, ok := parseBoolish(v); ok {
			cfg.Debug = b
		}
	}
	if v, ok := os.LookupEnv("OPENCODE_ANTHROPIC_QUIET"); ok {
		if b, ok := parseBoolish(v); ok {
			cfg.Toasts.Quiet = b
		}
	}
}

// parseBoolish accepts the spec's "1|true|0" (and "false") forms.
func parseBoolish(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	default:
		return false, false
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clamp(cfg *Config) {
	cfg.Toasts.DebounceSeconds = clampInt(cfg.Toasts.DebounceSeconds, 0, 300)
	cfg.HealthScore.Initial = clampInt(cfg.HealthScore.Initial, 0, 100)
	cfg.HealthScore.RateLimitPenalty = clampInt(cfg.HealthScore.RateLimitPenalty, -50, 0)
	cfg.HealthScore.FailurePenalty = clampInt(cfg.HealthScore.FailurePenalty, -50, 0)
	if !isValidStrategy(cfg.AccountSelectionStrategy) {
		cfg.AccountSelectionStrategy = selector.Sticky
	}
}

// ParseIntDefault parses s leniently, falling back to def on error;
// cmd/acctld uses it for the port setting.
func ParseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
