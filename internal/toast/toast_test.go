package toast

import (
	"testing"
	"time"
)

// ConsoleNotifier writes directly to stderr, so these tests exercise
// the debounce bookkeeping, which is observable without capturing
// output.

func TestWarn_DebouncesWithinWindow(t *testing.T) {
	n := NewConsoleNotifier(100*time.Millisecond, true)
	n.Warn("account-switch", "first")
	n.mu.Lock()
	first := n.lastWarn["account-switch"]
	n.mu.Unlock()

	n.Warn("account-switch", "second")
	n.mu.Lock()
	second := n.lastWarn["account-switch"]
	n.mu.Unlock()

	if !first.Equal(second) {
		t.Fatalf("expected debounced second call to leave lastWarn unchanged")
	}
}

func TestWarn_FiresAgainAfterWindow(t *testing.T) {
	n := NewConsoleNotifier(1*time.Millisecond, true)
	n.Warn("account-switch", "first")
	time.Sleep(5 * time.Millisecond)

	n.mu.Lock()
	before := n.lastWarn["account-switch"]
	n.mu.Unlock()

	n.Warn("account-switch", "second")

	n.mu.Lock()
	after := n.lastWarn["account-switch"]
	n.mu.Unlock()

	if !after.After(before) {
		t.Fatalf("expected lastWarn to advance after debounce window elapsed")
	}
}

func TestInfo_QuietSuppressesNothingObservable(t *testing.T) {
	n := NewConsoleNotifier(time.Second, true)
	// Info with quiet=true should not panic and should be a no-op.
	n.Info("hello")
}

func TestError_NeverSuppressed(t *testing.T) {
	n := NewConsoleNotifier(time.Second, true)
	n.Error("boom")
}
