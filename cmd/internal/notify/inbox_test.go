package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"nexuspc/cmd/internal/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInbox_DispatchReplyFilesNotification(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInbox(testLogger(), WithInboxClock(func() time.Time { return now }))

	err := b.DispatchReply(context.Background(), chat.ReplyNotification{
		RecipientID:     "bob",
		FromUserID:      "alice",
		FromUserName:    "Alice",
		MessageID:       "m1",
		ConversationID:  "alice_bob",
		ReplySnippet:    "nice build",
		OriginalSnippet: "check out my build",
	})
	if err != nil {
		t.Fatalf("DispatchReply: %v", err)
	}

	list := b.List("bob")
	if len(list) != 1 {
		t.Fatalf("list len=%d want=1", len(list))
	}
	n := list[0]
	if n.ID == "" || n.Kind != KindReply || n.FromUserID != "alice" || n.Read {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if !n.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt=%v want=%v", n.CreatedAt, now)
	}
	if got := b.UnreadCount("bob"); got != 1 {
		t.Fatalf("UnreadCount=%d want=1", got)
	}

	if err := b.DispatchReply(context.Background(), chat.ReplyNotification{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty recipient: got=%v want=%v", err, ErrInvalidInput)
	}
}

func TestInbox_SnippetsBounded(t *testing.T) {
	t.Parallel()

	b := NewInbox(testLogger())
	long := strings.Repeat("x", chat.SnippetRunes*3)

	if err := b.DispatchReply(context.Background(), chat.ReplyNotification{
		RecipientID:  "bob",
		ReplySnippet: long,
	}); err != nil {
		t.Fatalf("DispatchReply: %v", err)
	}

	n := b.List("bob")[0]
	if len([]rune(n.ReplySnippet)) > chat.SnippetRunes {
		t.Fatalf("snippet not bounded: %d runes", len([]rune(n.ReplySnippet)))
	}
}

func TestInbox_ListNewestFirst(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInbox(testLogger())

	b.Add(Notification{UserID: "bob", Kind: KindReply, FromUserID: "alice", CreatedAt: now})
	b.Add(Notification{UserID: "bob", Kind: KindReply, FromUserID: "carol", CreatedAt: now.Add(time.Minute)})

	list := b.List("bob")
	if len(list) != 2 || list[0].FromUserID != "carol" || list[1].FromUserID != "alice" {
		t.Fatalf("list=%v want newest (carol) first", list)
	}
}

func TestInbox_ReadStateTransitions(t *testing.T) {
	t.Parallel()

	b := NewInbox(testLogger())
	first := b.Add(Notification{UserID: "bob", Kind: KindReply})
	b.Add(Notification{UserID: "bob", Kind: KindReply})

	if err := b.MarkRead("bob", first.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := b.UnreadCount("bob"); got != 1 {
		t.Fatalf("UnreadCount=%d want=1", got)
	}

	if err := b.MarkRead("bob", "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRead absent: got=%v want=%v", err, ErrNotFound)
	}

	b.MarkAllRead("bob")
	if got := b.UnreadCount("bob"); got != 0 {
		t.Fatalf("UnreadCount after MarkAllRead=%d want=0", got)
	}
}

func TestInbox_DeleteAndClear(t *testing.T) {
	t.Parallel()

	b := NewInbox(testLogger())
	first := b.Add(Notification{UserID: "bob", Kind: KindReply})
	b.Add(Notification{UserID: "bob", Kind: KindReply})

	b.Delete("bob", first.ID)
	if got := len(b.List("bob")); got != 1 {
		t.Fatalf("list len=%d want=1 after delete", got)
	}

	// Deleting an absent id resolves silently.
	b.Delete("bob", first.ID)

	b.Clear("bob")
	if got := len(b.List("bob")); got != 0 {
		t.Fatalf("list len=%d want=0 after clear", got)
	}
}
