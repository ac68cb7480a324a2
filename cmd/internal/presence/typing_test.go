package presence

import (
	"testing"
	"time"
)

func TestTyping_KeystrokeRaisesFlagForOthersOnly(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTypingBroadcaster(testLogger(), WithTypingClock(func() time.Time { return now }))

	b.Keystroke("global", "alice")

	got := b.Typing("global", "bob")
	if len(got) != 1 || got[0].UserID != "alice" || !got[0].Typing {
		t.Fatalf("Typing for bob=%v want alice typing", got)
	}

	// The typist never sees their own flag.
	if got := b.Typing("global", "alice"); len(got) != 0 {
		t.Fatalf("Typing for self=%v want empty", got)
	}
}

func TestTyping_ClearDropsFlagImmediately(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTypingBroadcaster(testLogger(), WithTypingClock(func() time.Time { return now }))

	b.Keystroke("global", "alice")
	b.Clear("global", "alice")

	if got := b.Typing("global", "bob"); len(got) != 0 {
		t.Fatalf("Typing after clear=%v want empty", got)
	}

	// Clearing an absent flag is a no-op.
	b.Clear("global", "alice")
	b.Clear("global", "nobody")
}

func TestTyping_StaleFlagIgnoredByReader(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTypingBroadcaster(testLogger(), WithTypingClock(func() time.Time { return now }))

	b.Keystroke("global", "alice")

	now = now.Add(TypingStale + time.Second)
	if got := b.Typing("global", "bob"); len(got) != 0 {
		t.Fatalf("stale flag leaked to reader: %v", got)
	}
}

func TestTyping_DebounceClearsAfterLastKeystroke(t *testing.T) {
	t.Parallel()

	b := NewTypingBroadcaster(testLogger())

	b.Keystroke("global", "alice")

	deadline := time.Now().Add(TypingDebounce + 2*time.Second)
	for time.Now().Before(deadline) {
		if len(b.Typing("global", "bob")) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("debounce timer never cleared the flag")
}

func TestTyping_WatchPushesChanges(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTypingBroadcaster(testLogger(), WithTypingClock(func() time.Time { return now }))

	sub := b.Watch("global", "bob")
	defer sub.Close()

	select {
	case states := <-sub.C:
		if len(states) != 0 {
			t.Fatalf("initial states=%v want empty", states)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for initial states")
	}

	b.Keystroke("global", "alice")

	select {
	case states := <-sub.C:
		if len(states) != 1 || states[0].UserID != "alice" {
			t.Fatalf("states=%v want alice typing", states)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for keystroke push")
	}
}

func TestTyping_StaleTimerFireNeverClearsFreshFlag(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewTypingBroadcaster(testLogger(), WithTypingClock(func() time.Time { return now }))

	b.Keystroke("global", "alice")
	b.Keystroke("global", "alice")

	// A timer armed by the first keystroke fires after the second has
	// re-raised the flag: its generation is stale, so nothing clears.
	b.expire("global", "alice", 1)
	if got := b.Typing("global", "bob"); len(got) != 1 {
		t.Fatalf("stale timer cleared a fresh flag: %v", got)
	}

	// The current generation's timer still clears.
	b.expire("global", "alice", 2)
	if got := b.Typing("global", "bob"); len(got) != 0 {
		t.Fatalf("current timer failed to clear: %v", got)
	}
}
