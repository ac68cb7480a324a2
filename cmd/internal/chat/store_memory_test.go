package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedMessages(t *testing.T, s Store, conversationID string, n int, base time.Time) []Message {
	t.Helper()

	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.Append(context.Background(), AppendInput{
			ConversationID: conversationID,
			Class:          ClassGlobal,
			SenderID:       "alice",
			Text:           fmt.Sprintf("msg-%d", i),
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed append %d: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestInMemoryStore_AppendAssignsOrderedIDs(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := seedMessages(t, s, "global", 5, base)

	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not ascending: %q then %q", msgs[i-1].ID, msgs[i].ID)
		}
	}

	win, err := s.Window(context.Background(), "global", 3)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(win) != 3 {
		t.Fatalf("window len=%d want=3", len(win))
	}
	if win[0].Text != "msg-2" || win[2].Text != "msg-4" {
		t.Fatalf("window holds %q..%q want msg-2..msg-4", win[0].Text, win[2].Text)
	}
}

func TestInMemoryStore_BeforePagesStrictlyOlder(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := seedMessages(t, s, "global", 6, base)

	page, err := s.Before(context.Background(), "global", msgs[4].Timestamp, 2)
	if err != nil {
		t.Fatalf("Before: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page len=%d want=2", len(page))
	}
	if page[0].Text != "msg-2" || page[1].Text != "msg-3" {
		t.Fatalf("page holds %q,%q want msg-2,msg-3", page[0].Text, page[1].Text)
	}
	for _, m := range page {
		if !m.Timestamp.Before(msgs[4].Timestamp) {
			t.Fatalf("page contains message not strictly older: %v", m.Timestamp)
		}
	}

	empty, err := s.Before(context.Background(), "global", msgs[0].Timestamp, 10)
	if err != nil {
		t.Fatalf("Before at oldest: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty))
	}
}

func TestInMemoryStore_ToggleReactionIsItsOwnInverse(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := seedMessages(t, s, "global", 1, base)[0]
	ctx := context.Background()

	added, err := s.ToggleReaction(ctx, "global", msg.ID, "🔥", "bob")
	if err != nil || !added {
		t.Fatalf("first toggle: added=%v err=%v", added, err)
	}

	got, err := s.Get(ctx, "global", msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !HasReacted(got.Reactions, "🔥", "bob") {
		t.Fatalf("reaction missing after add: %v", got.Reactions)
	}

	added, err = s.ToggleReaction(ctx, "global", msg.ID, "🔥", "bob")
	if err != nil || added {
		t.Fatalf("second toggle: added=%v err=%v", added, err)
	}

	got, err = s.Get(ctx, "global", msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got.Reactions["🔥"]; ok {
		t.Fatalf("emptied emoji key must be removed, got %v", got.Reactions)
	}
}

func TestInMemoryStore_UpdateTextLeavesReactionsIntact(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := seedMessages(t, s, "global", 1, base)[0]
	ctx := context.Background()

	if _, err := s.ToggleReaction(ctx, "global", msg.ID, "👍", "bob"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if err := s.UpdateText(ctx, "global", msg.ID, "edited text"); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}

	got, err := s.Get(ctx, "global", msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "edited text" || !got.Edited {
		t.Fatalf("text=%q edited=%v want edited text", got.Text, got.Edited)
	}
	if !HasReacted(got.Reactions, "👍", "bob") {
		t.Fatalf("edit clobbered reactions: %v", got.Reactions)
	}
	if got.Timestamp != msg.Timestamp {
		t.Fatalf("edit must not move the timestamp")
	}
}

func TestInMemoryStore_DeleteAbsentIsNoError(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if err := s.Delete(context.Background(), "global", "no-such-id"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestInMemoryStore_ApplySendIncrementsRecipientOnly(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convID := DirectConversationID("alice", "bob")

	conv, err := s.ApplySend(ctx, ApplySendInput{
		ConversationID: convID,
		SenderID:       "alice",
		RecipientID:    "bob",
		Preview:        "hey",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("ApplySend: %v", err)
	}
	if conv.UnreadCount["bob"] != 1 || conv.UnreadCount["alice"] != 0 {
		t.Fatalf("unread=%v want bob=1 alice=0", conv.UnreadCount)
	}
	if conv.LastMessage != "hey" || !conv.LastMessageTime.Equal(now) {
		t.Fatalf("tail=%q/%v want hey/%v", conv.LastMessage, conv.LastMessageTime, now)
	}

	conv, err = s.ApplySend(ctx, ApplySendInput{
		ConversationID: convID,
		SenderID:       "alice",
		RecipientID:    "bob",
		Preview:        "again",
		Now:            now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("ApplySend: %v", err)
	}
	if conv.UnreadCount["bob"] != 2 {
		t.Fatalf("unread[bob]=%d want=2", conv.UnreadCount["bob"])
	}
}

func TestInMemoryStore_MarkReadResetsAtomically(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convID := DirectConversationID("alice", "bob")

	if _, err := s.ApplySend(ctx, ApplySendInput{
		ConversationID: convID, SenderID: "alice", RecipientID: "bob", Preview: "x", Now: now,
	}); err != nil {
		t.Fatalf("ApplySend: %v", err)
	}

	readAt := now.Add(time.Minute)
	if err := s.MarkRead(ctx, convID, "bob", readAt); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.UnreadCount["bob"] != 0 {
		t.Fatalf("unread[bob]=%d want=0", conv.UnreadCount["bob"])
	}
	if !conv.LastRead["bob"].Equal(readAt) {
		t.Fatalf("lastRead[bob]=%v want=%v", conv.LastRead["bob"], readAt)
	}

	// Redundant calls are safe.
	if err := s.MarkRead(ctx, convID, "bob", readAt.Add(time.Second)); err != nil {
		t.Fatalf("redundant MarkRead: %v", err)
	}

	// A conversation that does not exist yet is a no-op, not an error.
	if err := s.MarkRead(ctx, "alice_carol", "carol", readAt); err != nil {
		t.Fatalf("MarkRead before first send: %v", err)
	}
}

func TestInMemoryStore_HideZeroesViewerUnread(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convID := DirectConversationID("alice", "bob")

	if _, err := s.ApplySend(ctx, ApplySendInput{
		ConversationID: convID, SenderID: "alice", RecipientID: "bob", Preview: "x", Now: now,
	}); err != nil {
		t.Fatalf("ApplySend: %v", err)
	}

	hideAt := now.Add(time.Minute)
	if err := s.HideForUser(ctx, "bob", convID, hideAt); err != nil {
		t.Fatalf("HideForUser: %v", err)
	}

	at, err := s.HiddenAt(ctx, "bob", convID)
	if err != nil {
		t.Fatalf("HiddenAt: %v", err)
	}
	if !at.Equal(hideAt) {
		t.Fatalf("HiddenAt=%v want=%v", at, hideAt)
	}

	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.UnreadCount["bob"] != 0 {
		t.Fatalf("unread[bob]=%d want=0 after hide", conv.UnreadCount["bob"])
	}

	// Never-hidden viewer reads back the zero time.
	at, err = s.HiddenAt(ctx, "alice", convID)
	if err != nil {
		t.Fatalf("HiddenAt alice: %v", err)
	}
	if !at.IsZero() {
		t.Fatalf("HiddenAt for never-hidden viewer=%v want zero", at)
	}
}

func TestInMemoryStore_BlocksAreDirectional(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.Block(ctx, "alice", "bob"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	blocked, err := s.IsBlocked(ctx, "alice", "bob")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked(alice,bob)=%v,%v want true", blocked, err)
	}
	blocked, err = s.IsBlocked(ctx, "bob", "alice")
	if err != nil || blocked {
		t.Fatalf("IsBlocked(bob,alice)=%v,%v want false", blocked, err)
	}

	if err := s.Unblock(ctx, "alice", "bob"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	blocked, err = s.IsBlocked(ctx, "alice", "bob")
	if err != nil || blocked {
		t.Fatalf("IsBlocked after unblock=%v,%v want false", blocked, err)
	}
}

func TestInMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if _, err := s.Get(context.Background(), "global", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got=%v want=%v", err, ErrNotFound)
	}
	if _, err := s.GetConversation(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetConversation missing: got=%v want=%v", err, ErrNotFound)
	}
}

func TestSortedPair(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want [2]string
	}{
		{"alice", "bob", [2]string{"alice", "bob"}},
		{"bob", "alice", [2]string{"alice", "bob"}},
		{"alice", "alice", [2]string{"alice", "alice"}},
	}
	for _, tc := range cases {
		got := sortedPair(tc.a, tc.b)
		if len(got) != 2 || got[0] != tc.want[0] || got[1] != tc.want[1] {
			t.Fatalf("sortedPair(%q, %q)=%v want=%v", tc.a, tc.b, got, tc.want)
		}
	}
}
