package chat

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

func newTestPebbleStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPebbleStore_RecordsCarryNoClientState(t *testing.T) {
	t.Parallel()

	s := newTestPebbleStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := s.Append(context.Background(), AppendInput{
		ConversationID: GlobalConversationID,
		Class:          ClassGlobal,
		SenderID:       "alice",
		Text:           "first",
		Now:            base,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.Status != StatusSent {
		t.Fatalf("returned Status=%q want=%q", msg.Status, StatusSent)
	}

	lower, upper := msgPrefix(GlobalConversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		t.Fatalf("NewIter: %v", err)
	}
	defer iter.Close()

	if !iter.First() {
		t.Fatalf("no record written")
	}
	for _, key := range []string{`"Status"`, `"TempID"`} {
		if bytes.Contains(iter.Value(), []byte(key)) {
			t.Fatalf("record persists client-local field %s: %s", key, iter.Value())
		}
	}

	got, err := s.Get(context.Background(), GlobalConversationID, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSent || got.TempID != "" || got.Text != "first" {
		t.Fatalf("decoded message=%+v want sent status, no temp id", got)
	}
}

func TestPebbleStore_WindowAndBeforeScanInOrder(t *testing.T) {
	t.Parallel()

	s := newTestPebbleStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seeded := seedMessages(t, s, GlobalConversationID, 6, base)

	win, err := s.Window(context.Background(), GlobalConversationID, 3)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(win) != 3 || win[0].ID != seeded[3].ID || win[2].ID != seeded[5].ID {
		t.Fatalf("window=%v want newest three ascending", win)
	}

	older, err := s.Before(context.Background(), GlobalConversationID, seeded[3].Timestamp, 10)
	if err != nil {
		t.Fatalf("Before: %v", err)
	}
	if len(older) != 3 || older[0].ID != seeded[0].ID || older[2].ID != seeded[2].ID {
		t.Fatalf("before=%v want first three ascending", older)
	}
}

func TestPebbleStore_EditPreservesReactions(t *testing.T) {
	t.Parallel()

	s := newTestPebbleStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := seedMessages(t, s, GlobalConversationID, 1, base)[0]
	ctx := context.Background()

	if _, err := s.ToggleReaction(ctx, GlobalConversationID, msg.ID, "👍", "bob"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if err := s.UpdateText(ctx, GlobalConversationID, msg.ID, "edited"); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}

	got, err := s.Get(ctx, GlobalConversationID, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "edited" || !got.Edited {
		t.Fatalf("edit not applied: %+v", got)
	}
	if !HasReacted(got.Reactions, "👍", "bob") {
		t.Fatalf("edit clobbered reactions: %+v", got.Reactions)
	}
}
