package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/anthropic-accounts/internal/config"
	"github.com/opencode-ai/anthropic-accounts/internal/pool"
	"github.com/opencode-ai/anthropic-accounts/internal/store"
	"github.com/opencode-ai/anthropic-accounts/internal/toast"
)

func TestParseIndex_ConvertsOneBasedToZeroBased(t *testing.T) {
	idx, err := parseIndex("1")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = parseIndex("3")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestParseIndex_RejectsNonNumeric(t *testing.T) {
	_, err := parseIndex("abc")
	assert.Error(t, err)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Enable", capitalize("enable"))
	assert.Equal(t, "", capitalize(""))
}

func withTestStore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "accounts.json")
}

func newTestManagerForResolveTarget(t *testing.T) *pool.Manager {
	t.Helper()
	s := store.New(withTestStore(t))
	m := pool.Load(s, config.Default(), toast.NewConsoleNotifier(0, true), nil)
	m.AddAccount("rt-1", "at-1", 1000, "")
	m.AddAccount("rt-2", "at-2", 1000, "")
	return m
}

func TestResolveTarget_AllPassesThrough(t *testing.T) {
	m := newTestManagerForResolveTarget(t)
	target, err := resolveTarget(m, "all")
	require.NoError(t, err)
	assert.Equal(t, "all", target)
}

func TestResolveTarget_ConvertsIndexToAccountID(t *testing.T) {
	m := newTestManagerForResolveTarget(t)
	accounts := m.Accounts()
	target, err := resolveTarget(m, "2")
	require.NoError(t, err)
	assert.Equal(t, accounts[1].ID, target)
}

func TestResolveTarget_OutOfRangeErrors(t *testing.T) {
	m := newTestManagerForResolveTarget(t)
	_, err := resolveTarget(m, "99")
	assert.Error(t, err)
}

func TestRemoveCmd_RejectsWithoutForce(t *testing.T) {
	cmd := newRemoveCmd()
	cmd.SetArgs([]string{"1"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestLogoutCmd_RejectsWithoutForce(t *testing.T) {
	cmd := newLogoutCmd()
	cmd.SetArgs([]string{"--all"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestLogoutCmd_RequiresTargetOrAll(t *testing.T) {
	cmd := newLogoutCmd()
	cmd.SetArgs([]string{"--force"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestListCmd_RunsAgainstEmptyPool(t *testing.T) {
	storeFlag = withTestStore(t)
	configFlag = ""
	defer func() { storeFlag = ""; configFlag = "" }()

	cmd := newListCmd()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.NoError(t, err)
}

func TestSwitchCmd_OutOfRangeErrors(t *testing.T) {
	path := withTestStore(t)
	s := store.New(path)
	m := pool.Load(s, config.Default(), toast.NewConsoleNotifier(0, true), nil)
	m.AddAccount("rt-1", "at-1", 1000, "")

	storeFlag = path
	configFlag = ""
	defer func() { storeFlag = ""; configFlag = "" }()

	cmd := newSwitchCmd()
	cmd.SetArgs([]string{"5"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.Error(t, err)
}
