package presence

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// TypingDebounce is how long a typing flag stays up after the last
	// keystroke before the writer clears it.
	TypingDebounce = 2 * time.Second

	// TypingStale is the reader-side guard: a flag older than this is
	// ignored even if the writer's clear never arrived.
	TypingStale = 3 * time.Second
)

// TypingState is one user's typing flag within a conversation.
type TypingState struct {
	UserID    string    `json:"user_id"`
	Typing    bool      `json:"typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

type typingSlot struct {
	state TypingState
	timer *time.Timer

	// gen identifies the keystroke that armed the current timer. A fired
	// timer carrying a stale gen must not clear a re-raised flag.
	gen uint64
}

// TypingBroadcaster maintains debounced typing indicators per conversation.
//
// Each (conversation, user) pair holds a single clear timer. A keystroke
// while the flag is up reschedules that one timer rather than stacking a
// new one, so the flag drops exactly once, after the last keystroke.
type TypingBroadcaster struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	convs    map[string]map[string]*typingSlot // conversation -> user -> slot
	watchers map[string]map[*TypingSub]struct{}
}

// TypingOption configures a TypingBroadcaster.
type TypingOption func(*TypingBroadcaster)

// WithTypingClock overrides the broadcaster's time source (tests).
func WithTypingClock(now func() time.Time) TypingOption {
	return func(b *TypingBroadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// NewTypingBroadcaster constructs a TypingBroadcaster.
func NewTypingBroadcaster(log *slog.Logger, opts ...TypingOption) *TypingBroadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &TypingBroadcaster{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		convs:    make(map[string]map[string]*typingSlot),
		watchers: make(map[string]map[*TypingSub]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Keystroke raises the user's typing flag and (re)schedules the debounced
// clear.
func (b *TypingBroadcaster) Keystroke(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}

	b.mu.Lock()
	users := b.convs[conversationID]
	if users == nil {
		users = make(map[string]*typingSlot)
		b.convs[conversationID] = users
	}
	slot := users[userID]
	if slot == nil {
		slot = &typingSlot{}
		users[userID] = slot
	}
	slot.state = TypingState{UserID: userID, Typing: true, UpdatedAt: b.now()}
	slot.gen++
	gen := slot.gen
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.timer = time.AfterFunc(TypingDebounce, func() {
		b.expire(conversationID, userID, gen)
	})
	b.mu.Unlock()

	b.notify(conversationID)
}

// Clear drops the user's typing flag immediately. Sending a message calls
// this so the indicator never lingers past the send.
func (b *TypingBroadcaster) Clear(conversationID, userID string) {
	b.mu.Lock()
	cleared := b.clearLocked(conversationID, userID)
	b.mu.Unlock()

	if cleared {
		b.notify(conversationID)
	}
}

// expire is the debounce-timer path: it clears only if the flag still
// belongs to the keystroke that armed this timer.
func (b *TypingBroadcaster) expire(conversationID, userID string, gen uint64) {
	b.mu.Lock()
	slot := b.convs[conversationID][userID]
	if slot == nil || slot.gen != gen {
		b.mu.Unlock()
		return
	}
	cleared := b.clearLocked(conversationID, userID)
	b.mu.Unlock()

	if cleared {
		b.notify(conversationID)
	}
}

func (b *TypingBroadcaster) clearLocked(conversationID, userID string) bool {
	users := b.convs[conversationID]
	slot := users[userID]
	if slot == nil {
		return false
	}
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(b.convs, conversationID)
	}
	return true
}

// Typing returns the users currently typing in the conversation, excluding
// self and anything past the reader-side staleness guard.
func (b *TypingBroadcaster) Typing(conversationID, selfID string) []TypingState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []TypingState
	for userID, slot := range b.convs[conversationID] {
		if userID == selfID {
			continue
		}
		if !slot.state.Typing || now.Sub(slot.state.UpdatedAt) > TypingStale {
			continue
		}
		out = append(out, slot.state)
	}
	return out
}

// TypingSub is a subscription to one conversation's typing changes.
// Delivery is latest-wins, matching Sub.
type TypingSub struct {
	C <-chan []TypingState

	c         chan []TypingState
	detach    func()
	closeOnce sync.Once
}

// Close detaches the subscription (idempotent).
func (s *TypingSub) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(s.detach)
}

// Watch subscribes to typing changes for a conversation as seen by selfID.
func (b *TypingBroadcaster) Watch(conversationID, selfID string) *TypingSub {
	sub := &TypingSub{c: make(chan []TypingState, 1)}
	sub.C = sub.c
	sub.detach = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set := b.watchers[conversationID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.watchers, conversationID)
			}
		}
	}

	b.mu.Lock()
	if b.watchers[conversationID] == nil {
		b.watchers[conversationID] = make(map[*TypingSub]struct{})
	}
	b.watchers[conversationID][sub] = struct{}{}
	b.mu.Unlock()

	pushLatest(sub.c, b.Typing(conversationID, selfID))
	return sub
}

func (b *TypingBroadcaster) notify(conversationID string) {
	b.mu.Lock()
	subs := make([]*TypingSub, 0, len(b.watchers[conversationID]))
	for sub := range b.watchers[conversationID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		// Self-filtering happens reader side; the push carries everyone.
		pushLatest(sub.c, b.Typing(conversationID, ""))
	}
}
