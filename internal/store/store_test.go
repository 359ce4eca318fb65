package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"))
	doc, ok := s.Load()
	assert.False(t, ok)
	assert.Equal(t, AccountStorage{}, doc)
}

func TestLoad_WrongVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":2,"accounts":[],"activeIndex":0}`), 0o600))

	s := New(path)
	_, ok := s.Load()
	assert.False(t, ok)
}

func TestLoad_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))

	s := New(path)
	_, ok := s.Load()
	assert.False(t, ok)
}

func TestLoad_SkipsEntriesWithoutRefreshToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	body := `{"version":1,"accounts":[{"id":"a","refreshToken":""},{"id":"b","refreshToken":"tok-b"}],"activeIndex":0}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s := New(path)
	doc, ok := s.Load()
	require.True(t, ok)
	require.Len(t, doc.Accounts, 1)
	assert.Equal(t, "tok-b", doc.Accounts[0].RefreshToken)
	assert.NotNil(t, doc.Accounts[0].RateLimitResetTimes)
}

func TestLoad_DedupesByRefreshTokenKeepingLargestLastUsed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	body := `{"version":1,"accounts":[
		{"id":"a","refreshToken":"dup","lastUsed":10},
		{"id":"b","refreshToken":"dup","lastUsed":200},
		{"id":"c","refreshToken":"other","lastUsed":5}
	],"activeIndex":0}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s := New(path)
	doc, ok := s.Load()
	require.True(t, ok)
	require.Len(t, doc.Accounts, 2)
	assert.Equal(t, "b", doc.Accounts[0].ID)
	assert.Equal(t, "c", doc.Accounts[1].ID)
}

func TestLoad_ClampsActiveIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	body := `{"version":1,"accounts":[{"id":"a","refreshToken":"a"}],"activeIndex":99}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s := New(path)
	doc, ok := s.Load()
	require.True(t, ok)
	assert.Equal(t, 0, doc.ActiveIndex)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path)

	want := AccountStorage{
		Version: SchemaVersion,
		Accounts: []Account{
			{
				ID:                  NewID(1000, "refresh-token-value"),
				RefreshToken:        "refresh-token-value",
				Email:               "user@example.com",
				AddedAt:             1000,
				LastUsed:            2000,
				Enabled:             true,
				RateLimitResetTimes: map[string]int64{},
				Stats:               Stats{Requests: 5},
			},
		},
		ActiveIndex: 0,
	}

	require.NoError(t, s.Save(want))

	got, ok := s.Load()
	require.True(t, ok)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_WritesMode0600(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path)

	require.NoError(t, s.Save(AccountStorage{Accounts: []Account{
		{ID: "a", RefreshToken: "tok", RateLimitResetTimes: map[string]int64{}},
	}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path)

	require.NoError(t, s.Save(AccountStorage{Accounts: []Account{
		{ID: "a", RefreshToken: "tok", RateLimitResetTimes: map[string]int64{}},
	}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"accounts.json", ".gitignore"}, names)
}

func TestSave_MaintainsGitignore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path)

	require.NoError(t, s.Save(AccountStorage{Accounts: []Account{
		{ID: "a", RefreshToken: "tok", RateLimitResetTimes: map[string]int64{}},
	}}))

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "accounts.json")
	assert.Contains(t, string(data), "accounts.json.*.tmp")

	// Second save must not duplicate entries.
	require.NoError(t, s.Save(AccountStorage{Accounts: []Account{
		{ID: "a", RefreshToken: "tok", RateLimitResetTimes: map[string]int64{}},
	}}))
	data2, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(data2))
}

func TestClear_AbsentFileIsNotError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"))
	assert.NoError(t, s.Clear())
}

func TestClear_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path)
	require.NoError(t, s.Save(AccountStorage{Accounts: []Account{
		{ID: "a", RefreshToken: "tok", RateLimitResetTimes: map[string]int64{}},
	}}))

	require.NoError(t, s.Clear())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSave_OmitsUnknownFieldsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"accounts":[{"id":"a","refreshToken":"tok","unknownField":"x"}],"activeIndex":0}`), 0o600))

	s := New(path)
	doc, ok := s.Load()
	require.True(t, ok)
	require.NoError(t, s.Save(doc))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "unknownField")

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, float64(1), generic["version"])
}
