package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// failingStore wraps the in-memory store with a switchable append failure.
type failingStore struct {
	*InMemoryStore
	failAppend atomic.Bool
}

func (s *failingStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s.failAppend.Load() {
		return Message{}, errors.New("backend unavailable")
	}
	return s.InMemoryStore.Append(ctx, in)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

type engineFixture struct {
	store  *failingStore
	msgs   *Log
	index  *Index
	engine *Engine
}

func newEngineFixture(t *testing.T, self Identity, opts ...EngineOption) *engineFixture {
	t.Helper()

	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	msgs, err := NewLog(testLogger(), store, WithWindowSize(10))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	index, err := NewIndex(testLogger(), store)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	e, err := NewEngine(testLogger(), self, msgs, index, store, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	return &engineFixture{store: store, msgs: msgs, index: index, engine: e}
}

func TestEngine_OnlineSendReconcilesExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice", Name: "Alice"})
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if convID != GlobalConversationID {
		t.Fatalf("convID=%q want=%q", convID, GlobalConversationID)
	}

	sent, err := f.engine.Send(ctx, convID, "hello", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ID == "" || sent.TempID == "" {
		t.Fatalf("durable send must carry both ids, got id=%q temp=%q", sent.ID, sent.TempID)
	}

	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].ID == sent.ID && out[0].TempID == ""
	})
}

func TestEngine_DuplicateTextDoesNotConsumeNewLocal(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// An identical old message exists before the conversation is opened.
	if _, err := f.msgs.Append(ctx, AppendInput{
		ConversationID: GlobalConversationID,
		Class:          ClassGlobal,
		SenderID:       "alice",
		Text:           "gm",
		Now:            base,
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitUntil(t, func() bool { return len(f.engine.Messages(convID)) == 1 })

	if _, err := f.engine.Send(ctx, convID, "gm", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		if len(out) != 2 {
			return false
		}
		for _, m := range out {
			if m.ID == "" {
				return false
			}
		}
		return true
	})
}

func TestEngine_OfflineSendFlushesOnReconnect(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.engine.SetOnline(ctx, false)

	pending, err := f.engine.Send(ctx, convID, "queued while offline", SendOptions{})
	if err != nil {
		t.Fatalf("offline Send: %v", err)
	}
	if pending.ID != "" || pending.Status != StatusPending {
		t.Fatalf("offline send must stay local, got id=%q status=%q", pending.ID, pending.Status)
	}

	out := f.engine.Messages(convID)
	if len(out) != 1 || out[0].Status != StatusPending {
		t.Fatalf("pending entry missing from view: %v", out)
	}

	f.engine.SetOnline(ctx, true)

	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].ID != "" && out[0].TempID == ""
	})
}

func TestEngine_FailedAppendRollsBackOptimisticEntry(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.store.failAppend.Store(true)

	_, err = f.engine.Send(ctx, convID, "doomed", SendOptions{})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send: got=%v want=%v", err, ErrSendFailed)
	}
	if out := f.engine.Messages(convID); len(out) != 0 {
		t.Fatalf("optimistic entry not rolled back: %v", out)
	}
}

func TestEngine_FlushFailureMarksEntryFailed(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.engine.SetOnline(ctx, false)
	if _, err := f.engine.Send(ctx, convID, "will fail on flush", SendOptions{}); err != nil {
		t.Fatalf("offline Send: %v", err)
	}

	f.store.failAppend.Store(true)
	f.engine.SetOnline(ctx, true)

	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].Status == StatusFailed
	})
}

func TestEngine_BlockedSendRejectedBeforeMutation(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()

	if err := f.store.Block(ctx, "bob", "alice"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	convID, err := f.engine.Open(ctx, ClassDirect, "bob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.engine.Send(ctx, convID, "hi", SendOptions{}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("Send: got=%v want=%v", err, ErrBlocked)
	}
	if out := f.engine.Messages(convID); len(out) != 0 {
		t.Fatalf("blocked send must not leave an entry: %v", out)
	}
}

func TestEngine_BlockedPendingDroppedAtFlush(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassDirect, "bob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.engine.SetOnline(ctx, false)
	if _, err := f.engine.Send(ctx, convID, "queued", SendOptions{}); err != nil {
		t.Fatalf("offline Send: %v", err)
	}

	// The block lands while the sender is offline; the flush must honor it.
	if err := f.store.Block(ctx, "bob", "alice"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	f.engine.SetOnline(ctx, true)

	waitUntil(t, func() bool { return len(f.engine.Messages(convID)) == 0 })
}

func TestEngine_NewMessageHookFiresForNewerForeignMessages(t *testing.T) {
	t.Parallel()

	hooked := make(chan Message, 4)
	f := newEngineFixture(t, Identity{ID: "alice"}, WithNewMessageHook(func(_ string, m Message) {
		hooked <- m
	}))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := f.msgs.Append(ctx, AppendInput{
		ConversationID: convID,
		Class:          ClassGlobal,
		SenderID:       "bob",
		Text:           "incoming",
		Now:            base,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case m := <-hooked:
		if m.SenderID != "bob" || m.Text != "incoming" {
			t.Fatalf("unexpected hook message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hook did not fire for a newer foreign message")
	}

	// An older foreign message (history backfill) must not trigger the hook.
	if _, err := f.msgs.Append(ctx, AppendInput{
		ConversationID: convID,
		Class:          ClassGlobal,
		SenderID:       "bob",
		Text:           "backfill",
		Now:            base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Append backfill: %v", err)
	}
	waitUntil(t, func() bool { return len(f.engine.Messages(convID)) == 2 })

	select {
	case m := <-hooked:
		t.Fatalf("hook fired for an older message: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_LoadOlderPagesAndExhausts(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	msgs, err := NewLog(testLogger(), store, WithWindowSize(3))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	index, err := NewIndex(testLogger(), store)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	e, err := NewEngine(testLogger(), Identity{ID: "alice"}, msgs, index, store)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMessages(t, store, GlobalConversationID, 8, base)

	convID, err := e.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitUntil(t, func() bool { return len(e.Messages(convID)) == 3 })

	page, err := e.LoadOlder(ctx, convID)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("page len=%d want=5", len(page))
	}
	if out := e.Messages(convID); len(out) != 8 {
		t.Fatalf("merged view len=%d want=8", len(out))
	}
	if !e.HasMore(convID) {
		t.Fatalf("HasMore must stay true until an empty page")
	}

	page, err = e.LoadOlder(ctx, convID)
	if err != nil {
		t.Fatalf("second LoadOlder: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page, got %d", len(page))
	}
	if e.HasMore(convID) {
		t.Fatalf("HasMore must flip false after exhaustion")
	}

	// Exhausted conversations are never re-queried.
	page, err = e.LoadOlder(ctx, convID)
	if err != nil || page != nil {
		t.Fatalf("post-exhaustion LoadOlder: page=%v err=%v", page, err)
	}
}

func TestEngine_HiddenCutoffFiltersWindowAndHistory(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	convID := DirectConversationID("alice", "bob")

	if _, err := f.msgs.Append(ctx, AppendInput{
		ConversationID: convID, Class: ClassDirect, SenderID: "bob", RecipientID: "alice",
		Text: "before hide", Now: base,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.store.HideForUser(ctx, "alice", convID, base.Add(time.Minute)); err != nil {
		t.Fatalf("HideForUser: %v", err)
	}
	if _, err := f.msgs.Append(ctx, AppendInput{
		ConversationID: convID, Class: ClassDirect, SenderID: "bob", RecipientID: "alice",
		Text: "after hide", Now: base.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := f.engine.Open(ctx, ClassDirect, "bob"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].Text == "after hide"
	})

	// History paging stops at the hide marker instead of resurfacing it.
	page, err := f.engine.LoadOlder(ctx, convID)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("hidden history leaked: %v", page)
	}
	if f.engine.HasMore(convID) {
		t.Fatalf("history past the hide marker must read as exhausted")
	}
}

func TestEngine_EditRespectsWindowViaClock(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	f := newEngineFixture(t, Identity{ID: "alice"}, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sent, err := f.engine.Send(ctx, convID, "typo", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].ID == sent.ID
	})

	current = base.Add(EditWindow - time.Second)
	if err := f.engine.Edit(ctx, convID, sent.ID, "fixed"); err != nil {
		t.Fatalf("in-window edit: %v", err)
	}

	current = base.Add(EditWindow)
	if err := f.engine.Edit(ctx, convID, sent.ID, "too late"); !errors.Is(err, ErrEditTooOld) {
		t.Fatalf("boundary edit: got=%v want=%v", err, ErrEditTooOld)
	}
}

func TestEngine_SeenMarkerTracksPeerReadCursor(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, Identity{ID: "alice"}, WithClock(func() time.Time { return base }))
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassDirect, "bob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sent, err := f.engine.Send(ctx, convID, "seen yet?", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].ID == sent.ID
	})

	// Before the peer reads, there is no marker.
	if id, ok, err := f.engine.Seen(ctx, convID); err != nil || ok {
		t.Fatalf("premature seen marker: id=%q ok=%v err=%v", id, ok, err)
	}

	if err := f.index.MarkRead(ctx, convID, "bob", base.Add(time.Minute)); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	id, ok, err := f.engine.Seen(ctx, convID)
	if err != nil || !ok || id != sent.ID {
		t.Fatalf("Seen=%q,%v,%v want %q,true,nil", id, ok, err, sent.ID)
	}
}

func TestEngine_JumpToDeletedOriginal(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, Identity{ID: "alice"})
	ctx := context.Background()

	convID, err := f.engine.Open(ctx, ClassGlobal, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sent, err := f.engine.Send(ctx, convID, "origin", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitUntil(t, func() bool {
		out := f.engine.Messages(convID)
		return len(out) == 1 && out[0].ID == sent.ID
	})

	if got, err := f.engine.JumpTo(convID, sent.ID); err != nil || got.ID != sent.ID {
		t.Fatalf("JumpTo live message: %v %v", got, err)
	}

	if err := f.engine.Delete(ctx, convID, sent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitUntil(t, func() bool { return len(f.engine.Messages(convID)) == 0 })

	if _, err := f.engine.JumpTo(convID, sent.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("JumpTo deleted: got=%v want=%v", err, ErrNotFound)
	}
}
