package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Index maintains the per-viewer conversation list: denormalized tails,
// unread accounting, read cursors, per-viewer hiding, and the "seen" marker
// derivation.
type Index struct {
	log   *slog.Logger
	store Store

	mu       sync.Mutex
	watchers map[string]map[*ConversationSub]struct{}
}

// NewIndex constructs an Index over the given store.
func NewIndex(log *slog.Logger, store Store) (*Index, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		log:      log,
		store:    store,
		watchers: make(map[string]map[*ConversationSub]struct{}),
	}, nil
}

// ApplySend refreshes conversation metadata for a direct send and pushes the
// updated list to both participants.
func (x *Index) ApplySend(ctx context.Context, in ApplySendInput) (Conversation, error) {
	conv, err := x.store.ApplySend(ctx, in)
	if err != nil {
		return Conversation{}, err
	}
	x.notifyUser(ctx, in.SenderID)
	x.notifyUser(ctx, in.RecipientID)
	return conv, nil
}

// MarkRead resets the viewer's unread count and advances their read cursor
// as one atomic update. Idempotent: repeated calls with no intervening
// message leave the record unchanged apart from the cursor refresh.
func (x *Index) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error {
	if err := x.store.MarkRead(ctx, conversationID, userID, now); err != nil {
		return err
	}
	x.notifyUser(ctx, userID)
	return nil
}

// HideForViewer removes the conversation from the caller's view only. The
// shared log and the other participant's view persist; new messages make the
// conversation reappear.
func (x *Index) HideForViewer(ctx context.Context, userID, conversationID string, now time.Time) error {
	if err := x.store.HideForUser(ctx, userID, conversationID, now); err != nil {
		return err
	}
	x.notifyUser(ctx, userID)
	return nil
}

// Get returns one conversation record.
func (x *Index) Get(ctx context.Context, conversationID string) (Conversation, error) {
	return x.store.GetConversation(ctx, conversationID)
}

// Conversations returns the viewer's visible conversation list, newest
// first. Hidden conversations reappear only when they have messages newer
// than the hide marker. Unread counts are recomputed against the read
// cursor so a stale stored counter can never show a badge for an
// already-read conversation.
func (x *Index) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	list, err := x.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(list))
	for _, conv := range list {
		hiddenAt, err := x.store.HiddenAt(ctx, userID, conv.ID)
		if err != nil {
			return nil, err
		}
		if !hiddenAt.IsZero() && !conv.LastMessageTime.After(hiddenAt) {
			continue
		}

		lastRead := conv.LastRead[userID]
		if !lastRead.IsZero() && !conv.LastMessageTime.After(lastRead) {
			conv.UnreadCount[userID] = 0
		}
		out = append(out, conv)
	}
	return out, nil
}

// HiddenCutoff returns the effective message cutoff for a conversation: the
// latest hide timestamp across its participants. Messages at or before the
// cutoff stay hidden for both sides so a re-opened conversation starts
// fresh.
func (x *Index) HiddenCutoff(ctx context.Context, conversationID string, participants ...string) (time.Time, error) {
	var cutoff time.Time
	for _, p := range participants {
		at, err := x.store.HiddenAt(ctx, p, conversationID)
		if err != nil {
			return time.Time{}, err
		}
		if at.After(cutoff) {
			cutoff = at
		}
	}
	return cutoff, nil
}

// SeenMessageID derives the "seen" marker for userID: the most recent
// own-authored message whose timestamp is at or before the other
// participant's read cursor. Everything after it is "sent", not yet seen.
// Recomputed on every conversation push, never cached.
func SeenMessageID(window []Message, conv Conversation, userID string) (string, bool) {
	otherRead := conv.LastRead[conv.OtherParticipant(userID)]
	if otherRead.IsZero() {
		return "", false
	}
	for i := len(window) - 1; i >= 0; i-- {
		m := window[i]
		if m.SenderID != userID {
			continue
		}
		if !m.Timestamp.After(otherRead) {
			return m.ID, true
		}
	}
	return "", false
}

// ConversationSub is a subscription to one viewer's conversation-list pushes.
// Delivery is latest-wins, matching WindowSub.
type ConversationSub struct {
	C <-chan []Conversation

	c         chan []Conversation
	detach    func()
	closeOnce sync.Once
}

// Close detaches the subscription (idempotent).
func (s *ConversationSub) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(s.detach)
}

// WatchConversations subscribes to the viewer's conversation list. The
// current list is delivered immediately, then again after every change that
// affects the viewer.
func (x *Index) WatchConversations(ctx context.Context, userID string) (*ConversationSub, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	sub := &ConversationSub{c: make(chan []Conversation, 1)}
	sub.C = sub.c
	sub.detach = func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		if set := x.watchers[userID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(x.watchers, userID)
			}
		}
	}

	x.mu.Lock()
	if x.watchers[userID] == nil {
		x.watchers[userID] = make(map[*ConversationSub]struct{})
	}
	x.watchers[userID][sub] = struct{}{}
	x.mu.Unlock()

	list, err := x.Conversations(ctx, userID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	pushLatest(sub.c, list)

	return sub, nil
}

func (x *Index) notifyUser(ctx context.Context, userID string) {
	x.mu.Lock()
	subs := make([]*ConversationSub, 0, len(x.watchers[userID]))
	for sub := range x.watchers[userID] {
		subs = append(subs, sub)
	}
	x.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	list, err := x.Conversations(ctx, userID)
	if err != nil {
		x.log.Warn("index.notify.list_fail", "user_id", userID, "err", err)
		return
	}
	for _, sub := range subs {
		pushLatest(sub.c, list)
	}
}
