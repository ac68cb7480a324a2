package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Log coordinates message-log mutations and fans the resulting window out to
// subscribers. Every mutation re-queries the fixed window and pushes it to
// all watchers of that conversation; subscribers therefore always re-derive
// display state from a full consistent snapshot, never from incremental
// diffs.
type Log struct {
	log   *slog.Logger
	store Store

	windowSize int

	mu       sync.Mutex
	watchers map[string]map[*WindowSub]struct{}
}

// LogOption configures a Log.
type LogOption func(*Log) error

// WithWindowSize overrides the subscribed window size (default 100).
func WithWindowSize(n int) LogOption {
	return func(l *Log) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		l.windowSize = n
		return nil
	}
}

// NewLog constructs a Log over the given store.
func NewLog(log *slog.Logger, store Store, opts ...LogOption) (*Log, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Log{
		log:        log,
		store:      store,
		windowSize: DefaultWindowSize,
		watchers:   make(map[string]map[*WindowSub]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// WindowSize returns the configured subscribed window size.
func (l *Log) WindowSize() int { return l.windowSize }

// Append validates and persists a message, then pushes the new window.
func (l *Log) Append(ctx context.Context, in AppendInput) (Message, error) {
	if utf8.RuneCountInString(in.Text) > MaxMessageChars {
		return Message{}, ErrInvalidInput
	}

	msg, err := l.store.Append(ctx, in)
	if err != nil {
		return Message{}, err
	}

	messagesAppended.WithLabelValues(string(msg.Class)).Inc()
	l.notify(ctx, msg.ConversationID)
	return msg, nil
}

// Edit applies an in-window text edit by the original sender.
//
// Policy failures (wrong editor, expired window) come back as sentinel
// errors so callers can present a state rather than retry. The update is
// field-scoped: concurrent reaction toggles are never clobbered.
func (l *Log) Edit(ctx context.Context, conversationID, messageID, editorID, newText string, now time.Time) error {
	// Replacement text is validated here so every backend agrees.
	if strings.TrimSpace(newText) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(newText) > MaxMessageChars {
		return ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	msg, err := l.store.Get(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != editorID {
		return ErrEditUnauthorized
	}
	if now.Sub(msg.Timestamp) >= EditWindow {
		return ErrEditTooOld
	}

	if err := l.store.UpdateText(ctx, conversationID, messageID, newText); err != nil {
		return err
	}

	messagesEdited.Inc()
	l.notify(ctx, conversationID)
	return nil
}

// Delete hard-deletes the requester's own message. There is no tombstone: the
// id simply disappears from the next pushed window. ReplyTo snapshots held by
// other messages remain valid copies.
func (l *Log) Delete(ctx context.Context, conversationID, messageID, requesterID string) error {
	msg, err := l.store.Get(ctx, conversationID, messageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrEditUnauthorized
	}

	if err := l.store.Delete(ctx, conversationID, messageID); err != nil {
		return err
	}

	messagesDeleted.Inc()
	l.notify(ctx, conversationID)
	return nil
}

// ToggleReaction toggles userID's reaction for one emoji and reports whether
// it is present afterwards. Transient store failures are wrapped as
// ErrReactionFailed so callers can surface a dismissible notice without
// blocking the message flow.
func (l *Log) ToggleReaction(ctx context.Context, conversationID, messageID, emoji, userID string) (bool, error) {
	added, err := l.store.ToggleReaction(ctx, conversationID, messageID, emoji, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
			return false, err
		}
		return false, fmt.Errorf("%w: %w", ErrReactionFailed, err)
	}

	reactionsToggled.Inc()
	l.notify(ctx, conversationID)
	return added, nil
}

// Window returns the current subscribed window, ascending by timestamp.
func (l *Log) Window(ctx context.Context, conversationID string) ([]Message, error) {
	return l.store.Window(ctx, conversationID, l.windowSize)
}

// Before returns a one-shot page strictly older than before, ascending.
func (l *Log) Before(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryPage
	}
	if limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}
	return l.store.Before(ctx, conversationID, before, limit)
}

// Report files a best-effort moderation report. Failures wrap
// ErrReportFailed and never block the primary message flow.
func (l *Log) Report(ctx context.Context, conversationID, messageID, reportedBy, reason string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	r := Report{
		ID:             uuid.NewString(),
		MessageID:      messageID,
		ConversationID: conversationID,
		ReportedBy:     reportedBy,
		Reason:         reason,
		Timestamp:      now,
	}
	if err := l.store.CreateReport(ctx, r); err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrReportFailed, err)
	}
	return nil
}

// WindowSub is a subscription to one conversation's window pushes.
//
// Delivery is latest-wins: a slow consumer observes the newest window, never
// a backlog. C is never closed by the Log; Close detaches the subscription.
type WindowSub struct {
	C <-chan []Message

	c         chan []Message
	detach    func()
	closeOnce sync.Once
}

// Close detaches the subscription (idempotent).
func (s *WindowSub) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(s.detach)
}

// WatchWindow subscribes to window pushes for a conversation. The current
// window is delivered immediately, then again after every change.
func (l *Log) WatchWindow(ctx context.Context, conversationID string) (*WindowSub, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}

	sub := &WindowSub{c: make(chan []Message, 1)}
	sub.C = sub.c
	sub.detach = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if set := l.watchers[conversationID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.watchers, conversationID)
			}
		}
		windowWatchers.Dec()
	}

	l.mu.Lock()
	if l.watchers[conversationID] == nil {
		l.watchers[conversationID] = make(map[*WindowSub]struct{})
	}
	l.watchers[conversationID][sub] = struct{}{}
	l.mu.Unlock()
	windowWatchers.Inc()

	win, err := l.Window(ctx, conversationID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	pushLatest(sub.c, win)

	return sub, nil
}

// notify re-queries the window and pushes it to every watcher.
// Fanout never blocks a mutation: each subscriber slot holds only the
// latest window.
func (l *Log) notify(ctx context.Context, conversationID string) {
	l.mu.Lock()
	subs := make([]*WindowSub, 0, len(l.watchers[conversationID]))
	for sub := range l.watchers[conversationID] {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	win, err := l.Window(ctx, conversationID)
	if err != nil {
		l.log.Warn("log.notify.window_query_fail", "conversation_id", conversationID, "err", err)
		return
	}

	for _, sub := range subs {
		pushLatest(sub.c, win)
	}
}

// pushLatest delivers v into a single-slot channel, replacing any stale
// undelivered value. Slow consumers observe the newest state, never a
// backlog.
func pushLatest[T any](c chan T, v T) {
	for {
		select {
		case c <- v:
			return
		default:
		}
		select {
		case <-c:
		default:
		}
	}
}
