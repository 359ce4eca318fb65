// Package pool implements the AccountManager: in-memory pool state,
// lifecycle operations, the health/bucket trackers, and the
// merge-on-save reconciliation that lets sibling processes share one
// accounts file without clobbering each other's usage counters.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/anthropic-accounts/internal/backoff"
	"github.com/opencode-ai/anthropic-accounts/internal/bucket"
	"github.com/opencode-ai/anthropic-accounts/internal/config"
	"github.com/opencode-ai/anthropic-accounts/internal/health"
	"github.com/opencode-ai/anthropic-accounts/internal/selector"
	"github.com/opencode-ai/anthropic-accounts/internal/store"
	"github.com/opencode-ai/anthropic-accounts/internal/toast"
)

// MaxAccounts mirrors store.MaxAccounts; kept as its own name here so
// callers of this package don't need to reach into internal/store.
const MaxAccounts = store.MaxAccounts

// Usage is one request's token accounting, fed into RecordUsage.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// FallbackCredential bootstraps a one-account pool on first use when
// the accounts file is empty, or rehydrates an existing entry's
// transient access token when it matches by refresh token.
type FallbackCredential struct {
	RefreshToken string
	AccessToken  string
	ExpiresAt    int64
	Email        string
}

// Manager owns the in-memory account pool. It is the sole mutator of
// account state; callers (the Interceptor, administrative CLI)
// operate only through its methods.
type Manager struct {
	mu sync.Mutex

	store    *store.Store
	cfg      config.Config
	notifier toast.Notifier

	accounts    []store.Account
	activeIndex int
	cursor      int

	health *health.Tracker
	bucket *bucket.Tracker

	statsDelta map[string]store.Stats
	statsReset map[string]bool

	saveTimer *time.Timer
}

// Load reads the Store, optionally bootstrapping or rehydrating from
// a fallback credential, and returns a ready Manager.
func Load(s *store.Store, cfg config.Config, notifier toast.Notifier, fallback *FallbackCredential) *Manager {
	m := &Manager{
		store:      s,
		cfg:        cfg,
		notifier:   notifier,
		health:     health.New(cfg.HealthScore),
		bucket:     bucket.New(cfg.TokenBucket),
		statsDelta: make(map[string]store.Stats),
		statsReset: make(map[string]bool),
	}

	doc, ok := s.Load()
	if !ok {
		if fallback != nil {
			now := time.Now().UnixMilli()
			acc := store.Account{
				ID:                  store.NewID(now, fallback.RefreshToken),
				RefreshToken:        fallback.RefreshToken,
				Email:               fallback.Email,
				AddedAt:             now,
				LastUsed:            0,
				Enabled:             true,
				RateLimitResetTimes: map[string]int64{},
				Access:              fallback.AccessToken,
				Expires:             fallback.ExpiresAt,
			}
			m.accounts = []store.Account{acc}
			m.activeIndex = 0
			_ = m.SaveToDisk()
		}
		return m
	}

	m.accounts = doc.Accounts
	m.activeIndex = doc.ActiveIndex

	if fallback != nil {
		for i := range m.accounts {
			if m.accounts[i].RefreshToken == fallback.RefreshToken {
				m.accounts[i].Access = fallback.AccessToken
				m.accounts[i].Expires = fallback.ExpiresAt
				break
			}
		}
	}

	return m
}

func (m *Manager) findByID(id string) (int, bool) {
	for i, a := range m.accounts {
		if a.ID == id {
			return i, true
		}
	}
	return -1, false
}

func accountLabel(a store.Account, index int) string {
	if a.Email != "" {
		return a.Email
	}
	return fmt.Sprintf("Account %d", index+1)
}

// GetCurrentAccount builds the candidate set (enabled, not cooled
// down, not in skip), runs the configured Selector, and advances
// lastUsed/bucket consumption for the chosen account.
func (m *Manager) GetCurrentAccount(skip map[string]bool) (store.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	candidates := m.buildCandidates(skip, now)
	if len(candidates) == 0 {
		return store.Account{}, false
	}

	res, ok := selector.Select(candidates, m.cfg.AccountSelectionStrategy, m.activeIndex, m.cursor, m.health, m.bucket, now)
	if !ok {
		return store.Account{}, false
	}

	m.activeIndex = res.Index
	m.cursor = res.NewCursor

	a := &m.accounts[res.Index]
	a.LastUsed = now.UnixMilli()
	m.bucket.Consume(a.ID, now)

	return *a, true
}

// buildCandidates applies the enabled/not-cooled-down/not-skipped
// filter, lazily deleting expired cooldown entries as it goes.
func (m *Manager) buildCandidates(skip map[string]bool, now time.Time) []selector.Candidate {
	var out []selector.Candidate
	nowMs := now.UnixMilli()

	for i := range m.accounts {
		a := &m.accounts[i]
		if !a.Enabled {
			continue
		}
		if skip[a.ID] {
			continue
		}
		if deadline, ok := a.RateLimitResetTimes["anthropic"]; ok {
			if deadline > nowMs {
				continue
			}
			delete(a.RateLimitResetTimes, "anthropic")
		}
		out = append(out, selector.Candidate{
			Index:    i,
			ID:       a.ID,
			LastUsed: time.UnixMilli(a.LastUsed),
		})
	}
	return out
}

// MarkRateLimited records an account-specific failure and returns the
// computed cooldown.
func (m *Manager) MarkRateLimited(id string, reason backoff.Reason, retryAfter *time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.findByID(id)
	if !ok {
		return 0
	}
	a := &m.accounts[idx]
	now := time.Now()

	if a.LastFailureTime != nil {
		last := time.UnixMilli(*a.LastFailureTime)
		if now.Sub(last) > time.Duration(m.cfg.FailureTTLSeconds)*time.Second {
			a.ConsecutiveFailures = 0
		}
	}

	a.ConsecutiveFailures++
	nowMs := now.UnixMilli()
	a.LastFailureTime = &nowMs

	cooldown := backoff.Cooldown(reason, a.ConsecutiveFailures, retryAfter)
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = map[string]int64{}
	}
	a.RateLimitResetTimes["anthropic"] = nowMs + cooldown.Milliseconds()
	a.LastSwitchReason = string(reason)

	m.health.PenalizeRateLimit(a.ID, now)
	m.requestSaveLocked()

	return cooldown
}

// MarkSuccess resets failure bookkeeping and rewards health.
func (m *Manager) MarkSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.findByID(id)
	if !ok {
		return
	}
	a := &m.accounts[idx]
	a.ConsecutiveFailures = 0
	a.LastFailureTime = nil

	m.health.RewardSuccess(a.ID, time.Now())
}

// MarkFailure penalizes health and refunds the bucket token a failed
// (network-level) attempt never actually consumed.
func (m *Manager) MarkFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.findByID(id)
	if !ok {
		return
	}
	a := &m.accounts[idx]
	now := time.Now()
	m.health.PenalizeFailure(a.ID, now)
	m.bucket.Refund(a.ID, now)
}

// DisableAccount permanently disables an account by id (used when a
// token refresh fails with a terminal error) and persists
// immediately.
func (m *Manager) DisableAccount(id string) {
	m.mu.Lock()
	idx, ok := m.findByID(id)
	if ok {
		m.accounts[idx].Enabled = false
	}
	m.mu.Unlock()

	if ok {
		_ = m.SaveToDisk()
	}
}

// ClearAccessToken clears an account's cached access token so the
// next use forces a refresh.
func (m *Manager) ClearAccessToken(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.findByID(id); ok {
		m.accounts[idx].Access = ""
		m.accounts[idx].Expires = 0
	}
}

// SetToken updates an account's transient access token after a
// successful refresh, rotating the refresh token when the upstream
// supplied a new one. Per §4.5 the refresh result must be persisted
// to the pool: access/expires are transient and never written to
// disk, but a rotated refreshToken is a persistent field, so any
// rotation forces an immediate save; a same-token refresh still
// schedules a debounced save so the rotation (or lack of one) is
// never silently lost if the process exits before another mutation
// happens to flush.
func (m *Manager) SetToken(id, accessToken string, expiresAt int64, rotatedRefreshToken string) {
	m.mu.Lock()
	idx, ok := m.findByID(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	a := &m.accounts[idx]
	a.Access = accessToken
	a.Expires = expiresAt
	rotated := rotatedRefreshToken != "" && rotatedRefreshToken != a.RefreshToken
	if rotated {
		a.RefreshToken = rotatedRefreshToken
	}
	if !rotated {
		m.requestSaveLocked()
	}
	m.mu.Unlock()

	if rotated {
		_ = m.SaveToDisk()
	}
}

// AddAccount adds or updates (by refresh token) an account and
// persists immediately.
func (m *Manager) AddAccount(refreshToken, accessToken string, expiresAt int64, email string) (store.Account, bool) {
	m.mu.Lock()
	wasEmpty := len(m.accounts) == 0

	for i := range m.accounts {
		if m.accounts[i].RefreshToken == refreshToken {
			m.accounts[i].Access = accessToken
			m.accounts[i].Expires = expiresAt
			m.accounts[i].Enabled = true
			if email != "" {
				m.accounts[i].Email = email
			}
			result := m.accounts[i]
			m.mu.Unlock()
			_ = m.SaveToDisk()
			return result, true
		}
	}

	if len(m.accounts) >= MaxAccounts {
		m.mu.Unlock()
		return store.Account{}, false
	}

	now := time.Now().UnixMilli()
	acc := store.Account{
		ID:                  store.NewID(now, refreshToken),
		RefreshToken:        refreshToken,
		Email:               email,
		AddedAt:             now,
		Enabled:             true,
		RateLimitResetTimes: map[string]int64{},
		Access:              accessToken,
		Expires:             expiresAt,
	}
	m.accounts = append(m.accounts, acc)
	if wasEmpty {
		m.activeIndex = 0
	}
	m.mu.Unlock()

	_ = m.SaveToDisk()
	return acc, true
}

// RemoveAccount removes the account at index and persists
// immediately, clamping activeIndex to remain valid.
func (m *Manager) RemoveAccount(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.Unlock()
		return fmt.Errorf("pool: account index %d out of range", index)
	}
	id := m.accounts[index].ID
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)
	if m.activeIndex >= len(m.accounts) {
		if len(m.accounts) == 0 {
			m.activeIndex = 0
		} else {
			m.activeIndex = len(m.accounts) - 1
		}
	}
	m.health.Forget(id)
	m.bucket.Forget(id)
	delete(m.statsDelta, id)
	delete(m.statsReset, id)
	m.mu.Unlock()

	return m.SaveToDisk()
}

// ToggleAccount flips an account's enabled flag and persists
// immediately. Disabling the sole enabled account is rejected.
func (m *Manager) ToggleAccount(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.Unlock()
		return fmt.Errorf("pool: account index %d out of range", index)
	}
	a := &m.accounts[index]
	if a.Enabled {
		enabledCount := 0
		for _, acc := range m.accounts {
			if acc.Enabled {
				enabledCount++
			}
		}
		if enabledCount <= 1 {
			m.mu.Unlock()
			return fmt.Errorf("pool: cannot disable the last enabled account")
		}
	}
	a.Enabled = !a.Enabled
	m.mu.Unlock()

	return m.SaveToDisk()
}

// ClearAll empties the in-memory pool. Per spec this does not touch
// disk; a subsequent save is the caller's responsibility.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = nil
	m.activeIndex = 0
	m.cursor = 0
	m.statsDelta = make(map[string]store.Stats)
	m.statsReset = make(map[string]bool)
}

// RecordUsage increments an account's usage counters and accumulates
// the delta for the next merge-on-save.
func (m *Manager) RecordUsage(index int, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return
	}
	a := &m.accounts[index]
	a.Stats.Requests++
	a.Stats.InputTokens += usage.InputTokens
	a.Stats.OutputTokens += usage.OutputTokens
	a.Stats.CacheReadTokens += usage.CacheReadTokens
	a.Stats.CacheWriteTokens += usage.CacheWriteTokens

	d := m.statsDelta[a.ID]
	d.Requests++
	d.InputTokens += usage.InputTokens
	d.OutputTokens += usage.OutputTokens
	d.CacheReadTokens += usage.CacheReadTokens
	d.CacheWriteTokens += usage.CacheWriteTokens
	m.statsDelta[a.ID] = d

	m.requestSaveLocked()
}

// ResetStats zeroes stats for one account (by id) or "all",
// marking the affected accounts so the next save writes the absolute
// value instead of merging a delta.
func (m *Manager) ResetStats(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()

	reset := func(i int) {
		a := &m.accounts[i]
		a.Stats = store.Stats{LastReset: now}
		m.statsDelta[a.ID] = store.Stats{}
		m.statsReset[a.ID] = true
	}

	if target == "all" {
		for i := range m.accounts {
			reset(i)
		}
		m.requestSaveLocked()
		return nil
	}

	idx, ok := m.findByID(target)
	if !ok {
		return fmt.Errorf("pool: unknown account id %q", target)
	}
	reset(idx)
	m.requestSaveLocked()
	return nil
}

// ClearCooldown clears one account's (or, for "all", every account's)
// failure bookkeeping — consecutiveFailures, lastFailureTime, and any
// pending "anthropic" cooldown deadline — without touching its
// enabled flag or stats. This backs the administrative `reset N|all`
// operation, distinct from `reset-stats` which zeroes usage counters.
func (m *Manager) ClearCooldown(target string) error {
	m.mu.Lock()

	clear := func(i int) {
		a := &m.accounts[i]
		a.ConsecutiveFailures = 0
		a.LastFailureTime = nil
		delete(a.RateLimitResetTimes, "anthropic")
		m.health.Forget(a.ID)
	}

	if target == "all" {
		for i := range m.accounts {
			clear(i)
		}
		m.mu.Unlock()
		return m.SaveToDisk()
	}

	idx, ok := m.findByID(target)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pool: unknown account id %q", target)
	}
	clear(idx)
	m.mu.Unlock()
	return m.SaveToDisk()
}

// SyncActiveIndexFromDisk re-reads the Store and reconciles the
// in-memory account list with it: dropped accounts are removed, new
// ones are added, and enabled state (plus activeIndex, when its
// target is enabled) is copied in. Called once per request so
// sibling CLI processes can change the active account without a
// restart.
func (m *Manager) SyncActiveIndexFromDisk() {
	doc, ok := m.store.Load()
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reconciled := make([]store.Account, 0, len(doc.Accounts))
	for _, da := range doc.Accounts {
		if idx, ok := m.findByID(da.ID); ok {
			existing := m.accounts[idx]
			existing.Enabled = da.Enabled
			reconciled = append(reconciled, existing)
		} else {
			reconciled = append(reconciled, da)
		}
	}
	m.accounts = reconciled

	if doc.ActiveIndex >= 0 && doc.ActiveIndex < len(doc.Accounts) {
		target := doc.Accounts[doc.ActiveIndex]
		if target.Enabled {
			if idx, ok := m.findByID(target.ID); ok {
				m.activeIndex = idx
			}
		}
	}

	if m.activeIndex >= len(m.accounts) {
		if len(m.accounts) == 0 {
			m.activeIndex = 0
		} else {
			m.activeIndex = len(m.accounts) - 1
		}
	}
}

const saveDebounce = 1 * time.Second

func (m *Manager) requestSaveLocked() {
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(saveDebounce, func() {
		_ = m.SaveToDisk()
	})
}

// RequestSaveToDisk schedules a save 1s from now, coalescing bursts
// of state changes. Subsequent calls reset the timer.
func (m *Manager) RequestSaveToDisk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestSaveLocked()
}

// SaveToDisk merges local stats deltas against the current on-disk
// document (falling back to absolute local values if the disk read
// fails) and writes the result.
func (m *Manager) SaveToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	diskDoc, diskOK := m.store.Load()

	diskByID := make(map[string]store.Account, len(diskDoc.Accounts))
	if diskOK {
		for _, a := range diskDoc.Accounts {
			diskByID[a.ID] = a
		}
	}

	accountsOut := make([]store.Account, len(m.accounts))
	for i, a := range m.accounts {
		merged := a

		if m.statsReset[a.ID] {
			merged.Stats = a.Stats
		} else if diskOK {
			if diskAcc, found := diskByID[a.ID]; found {
				delta := m.statsDelta[a.ID]
				merged.Stats = store.Stats{
					Requests:         diskAcc.Stats.Requests + delta.Requests,
					InputTokens:      diskAcc.Stats.InputTokens + delta.InputTokens,
					OutputTokens:     diskAcc.Stats.OutputTokens + delta.OutputTokens,
					CacheReadTokens:  diskAcc.Stats.CacheReadTokens + delta.CacheReadTokens,
					CacheWriteTokens: diskAcc.Stats.CacheWriteTokens + delta.CacheWriteTokens,
					LastReset:        diskAcc.Stats.LastReset,
				}
			} else {
				merged.Stats = a.Stats
			}
		} else {
			merged.Stats = a.Stats
		}

		accountsOut[i] = merged
	}

	doc := store.AccountStorage{
		Version:     store.SchemaVersion,
		Accounts:    accountsOut,
		ActiveIndex: m.activeIndex,
	}

	if err := m.store.Save(doc); err != nil {
		return err
	}

	for i, a := range accountsOut {
		m.accounts[i].Stats = a.Stats
	}
	m.statsDelta = make(map[string]store.Stats)
	m.statsReset = make(map[string]bool)

	return nil
}

// Accounts returns a snapshot copy of the current pool.
func (m *Manager) Accounts() []store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// ActiveIndex returns the presently active account index.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIndex
}

// IndexByID returns the current array index of the account with id,
// for callers (the Interceptor) that select by id but must call
// index-keyed operations like RecordUsage.
func (m *Manager) IndexByID(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByID(id)
}

// HasEnabledAccount reports whether any account in the pool is
// currently enabled, used to distinguish "no enabled accounts" from
// "all enabled accounts transiently skipped" in the Interceptor's
// attempt loop error messages.
func (m *Manager) HasEnabledAccount() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Enabled {
			return true
		}
	}
	return false
}

// EnabledCount returns the number of currently enabled accounts.
func (m *Manager) EnabledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.accounts {
		if a.Enabled {
			n++
		}
	}
	return n
}

// SetActiveIndex sets the active index directly (administrative
// "switch" operation) and persists immediately.
func (m *Manager) SetActiveIndex(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.Unlock()
		return fmt.Errorf("pool: account index %d out of range", index)
	}
	m.activeIndex = index
	m.mu.Unlock()
	return m.SaveToDisk()
}

// AccountLabel renders the "<email-or-Account-N>" display form used
// by toast messages and the administrative CLI.
func (m *Manager) AccountLabel(index int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return ""
	}
	return accountLabel(m.accounts[index], index)
}

// Notifier exposes the manager's configured Notifier for callers
// (the Interceptor) that need to emit toasts alongside pool mutation.
func (m *Manager) Notifier() toast.Notifier {
	return m.notifier
}
