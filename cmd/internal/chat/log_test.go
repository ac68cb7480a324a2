package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvWindow(t *testing.T, sub *WindowSub) []Message {
	t.Helper()
	select {
	case win := <-sub.C:
		return win
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for window push")
		return nil
	}
}

func TestLog_WatchWindowDeliversInitialAndUpdates(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	l, err := NewLog(testLogger(), store, WithWindowSize(3))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedMessages(t, store, "global", 2, base)

	sub, err := l.WatchWindow(ctx, "global")
	if err != nil {
		t.Fatalf("WatchWindow: %v", err)
	}
	defer sub.Close()

	win := recvWindow(t, sub)
	if len(win) != 2 {
		t.Fatalf("initial window len=%d want=2", len(win))
	}

	if _, err := l.Append(ctx, AppendInput{
		ConversationID: "global",
		Class:          ClassGlobal,
		SenderID:       "bob",
		Text:           "newest",
		Now:            base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	win = recvWindow(t, sub)
	if len(win) != 3 {
		t.Fatalf("window after append len=%d want=3", len(win))
	}
	if win[len(win)-1].Text != "newest" {
		t.Fatalf("window tail=%q want=newest", win[len(win)-1].Text)
	}
}

func TestLog_WatchWindowLatestWins(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	l, err := NewLog(testLogger(), store, WithWindowSize(10))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sub, err := l.WatchWindow(ctx, "global")
	if err != nil {
		t.Fatalf("WatchWindow: %v", err)
	}
	defer sub.Close()

	// Do not drain: three pushes land while the consumer is slow.
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, AppendInput{
			ConversationID: "global",
			Class:          ClassGlobal,
			SenderID:       "alice",
			Text:           "burst",
			Now:            base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	win := recvWindow(t, sub)
	if len(win) != 3 {
		t.Fatalf("slow consumer must observe the newest window, len=%d want=3", len(win))
	}
}

func TestLog_EditPolicy(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	l, err := NewLog(testLogger(), store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := l.Append(ctx, AppendInput{
		ConversationID: "global",
		Class:          ClassGlobal,
		SenderID:       "alice",
		Text:           "original",
		Now:            base,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	oversized := make([]rune, MaxMessageChars+1)
	for i := range oversized {
		oversized[i] = 'x'
	}

	cases := []struct {
		name    string
		editor  string
		text    string
		now     time.Time
		wantErr error
	}{
		{name: "inside window", editor: "alice", text: "edited", now: base.Add(EditWindow - time.Second)},
		{name: "wrong editor", editor: "bob", text: "edited", now: base.Add(time.Second), wantErr: ErrEditUnauthorized},
		{name: "at boundary", editor: "alice", text: "edited", now: base.Add(EditWindow), wantErr: ErrEditTooOld},
		{name: "past window", editor: "alice", text: "edited", now: base.Add(EditWindow + time.Minute), wantErr: ErrEditTooOld},
		{name: "empty replacement", editor: "alice", text: "", now: base.Add(time.Second), wantErr: ErrEmptyMessage},
		{name: "blank replacement", editor: "alice", text: "   ", now: base.Add(time.Second), wantErr: ErrEmptyMessage},
		{name: "oversized replacement", editor: "alice", text: string(oversized), now: base.Add(time.Second), wantErr: ErrInvalidInput},
	}

	for _, tc := range cases {
		err := l.Edit(ctx, "global", msg.ID, tc.editor, tc.text, tc.now)
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: got=%v want=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestLog_DeletePolicy(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	l, err := NewLog(testLogger(), store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := l.Append(ctx, AppendInput{
		ConversationID: "global",
		Class:          ClassGlobal,
		SenderID:       "alice",
		Text:           "target",
		Now:            base,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.Delete(ctx, "global", msg.ID, "bob"); !errors.Is(err, ErrEditUnauthorized) {
		t.Fatalf("delete by non-sender: got=%v want=%v", err, ErrEditUnauthorized)
	}
	if err := l.Delete(ctx, "global", msg.ID, "alice"); err != nil {
		t.Fatalf("delete by sender: %v", err)
	}
	// Deleting again resolves silently.
	if err := l.Delete(ctx, "global", msg.ID, "alice"); err != nil {
		t.Fatalf("double delete: %v", err)
	}

	if _, err := store.Get(ctx, "global", msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("message survived delete: %v", err)
	}
}

func TestLog_AppendRejectsOversizedText(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	l, err := NewLog(testLogger(), store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	big := make([]rune, MaxMessageChars+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err = l.Append(context.Background(), AppendInput{
		ConversationID: "global",
		Class:          ClassGlobal,
		SenderID:       "alice",
		Text:           string(big),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized append: got=%v want=%v", err, ErrInvalidInput)
	}
}

func TestLog_ReportStored(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	l, err := NewLog(testLogger(), store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := l.Report(ctx, "global", "msg-1", "bob", "spam", now); err != nil {
		t.Fatalf("Report: %v", err)
	}

	reports := store.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports len=%d want=1", len(reports))
	}
	r := reports[0]
	if r.ID == "" || r.MessageID != "msg-1" || r.ReportedBy != "bob" || r.Reason != "spam" {
		t.Fatalf("unexpected report record: %+v", r)
	}
}
