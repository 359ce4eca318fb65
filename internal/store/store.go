// Package store persists the Anthropic OAuth account pool to a single
// JSON document on disk, shared cooperatively with sibling processes
// on the same machine via atomic file replacement.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SchemaVersion is the only AccountStorage.Version this Store accepts.
const SchemaVersion = 1

// MaxAccounts is the hard cap on pool size (data model invariant).
const MaxAccounts = 10

// Stats holds the CRDT-like, grow-only usage counters for an account.
type Stats struct {
	Requests         int64 `json:"requests"`
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
	LastReset        int64 `json:"lastReset"`
}

// Account is the persistent, on-disk representation of one OAuth
// credential in the pool. Access/Expires are transient and are never
// written to disk; they are rehydrated at Load time from the host
// auth store.
type Account struct {
	ID                  string           `json:"id"`
	RefreshToken        string           `json:"refreshToken"`
	Email               string           `json:"email,omitempty"`
	AddedAt             int64            `json:"addedAt"`
	LastUsed            int64            `json:"lastUsed"`
	Enabled             bool             `json:"enabled"`
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	LastFailureTime     *int64           `json:"lastFailureTime"`
	LastSwitchReason    string           `json:"lastSwitchReason,omitempty"`
	Stats               Stats            `json:"stats"`

	// Access and Expires are rehydrated from the host auth store and
	// never serialised.
	Access  string `json:"-"`
	Expires int64  `json:"-"`
}

// AccountStorage is the on-disk document shape.
type AccountStorage struct {
	Version     int       `json:"version"`
	Accounts    []Account `json:"accounts"`
	ActiveIndex int       `json:"activeIndex"`
}

// NewID derives the stable account id from its creation time and
// refresh token, per the data model: "<addedAt>:<first-12-chars>".
func NewID(addedAt int64, refreshToken string) string {
	prefix := refreshToken
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("%d:%s", addedAt, prefix)
}

// Store is pure I/O over a single JSON document at path.
type Store struct {
	path string
}

// New creates a Store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the resolved accounts file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the accounts document. The bool result is
// false when the file is absent, malformed, the wrong version, or
// otherwise unusable — callers treat that exactly like "no file yet".
func (s *Store) Load() (AccountStorage, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return AccountStorage{}, false
	}

	var raw struct {
		Version     int             `json:"version"`
		Accounts    json.RawMessage `json:"accounts"`
		ActiveIndex int             `json:"activeIndex"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return AccountStorage{}, false
	}
	if raw.Version != SchemaVersion {
		return AccountStorage{}, false
	}

	var accounts []Account
	if len(raw.Accounts) == 0 {
		return AccountStorage{}, false
	}
	if err := json.Unmarshal(raw.Accounts, &accounts); err != nil {
		return AccountStorage{}, false
	}
	// An entry without an "enabled" field defaults to enabled.
	var presence []struct {
		Enabled *bool `json:"enabled"`
	}
	if json.Unmarshal(raw.Accounts, &presence) == nil {
		for i := range accounts {
			if i < len(presence) && presence[i].Enabled == nil {
				accounts[i].Enabled = true
			}
		}
	}

	accounts = normalizeAccounts(accounts)
	accounts = dedupeByRefreshToken(accounts)

	doc := AccountStorage{
		Version:     SchemaVersion,
		Accounts:    accounts,
		ActiveIndex: clampIndex(raw.ActiveIndex, len(accounts)),
	}
	return doc, true
}

// normalizeAccounts drops entries with no refresh token and supplies
// an empty cooldown map where it is missing (Load has already
// defaulted a missing enabled flag to true).
func normalizeAccounts(in []Account) []Account {
	out := make([]Account, 0, len(in))
	for _, a := range in {
		if strings.TrimSpace(a.RefreshToken) == "" {
			continue
		}
		if a.RateLimitResetTimes == nil {
			a.RateLimitResetTimes = make(map[string]int64)
		}
		out = append(out, a)
	}
	return out
}

// dedupeByRefreshToken keeps, for each refresh token, the entry with
// the largest LastUsed.
func dedupeByRefreshToken(in []Account) []Account {
	best := make(map[string]Account, len(in))
	order := make([]string, 0, len(in))
	for _, a := range in {
		existing, ok := best[a.RefreshToken]
		if !ok {
			order = append(order, a.RefreshToken)
			best[a.RefreshToken] = a
			continue
		}
		if a.LastUsed > existing.LastUsed {
			best[a.RefreshToken] = a
		}
	}
	out := make([]Account, 0, len(order))
	for _, token := range order {
		out = append(out, best[token])
	}
	return out
}

func clampIndex(idx, n int) int {
	if n == 0 {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// Save writes doc atomically: a temp file in the same directory,
// fsync-free rename over the target. Permissions are user-only.
func (s *Store) Save(doc AccountStorage) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create config dir: %w", err)
	}

	doc.Version = SchemaVersion
	doc.ActiveIndex = clampIndex(doc.ActiveIndex, len(doc.Accounts))

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal accounts: %w", err)
	}

	tmpPath, err := tempPath(s.path)
	if err != nil {
		return fmt.Errorf("store: create temp path: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: rename temp file: %w", err)
	}

	if err := s.ensureGitignore(); err != nil {
		return fmt.Errorf("store: update gitignore: %w", err)
	}

	return nil
}

func tempPath(target string) (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.tmp", target, hex.EncodeToString(b[:])), nil
}

// ensureGitignore maintains a sibling .gitignore listing the accounts
// file and its temp shadows, creating or appending idempotently.
func (s *Store) ensureGitignore() error {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	gitignorePath := filepath.Join(dir, ".gitignore")

	wanted := []string{base, base + ".*.tmp"}

	existing := map[string]bool{}
	if data, err := os.ReadFile(gitignorePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			existing[strings.TrimSpace(line)] = true
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	var toAppend []string
	for _, w := range wanted {
		if !existing[w] {
			toAppend = append(toAppend, w)
		}
	}
	if len(toAppend) == 0 {
		return nil
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	sort.Strings(toAppend)
	for _, line := range toAppend {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes the accounts file. Absence is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: remove accounts file: %w", err)
	}
	return nil
}
