package notify

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexuspc/cmd/internal/chat"
)

var (
	// ErrInvalidInput marks a malformed or missing argument.
	ErrInvalidInput = errors.New("notify: invalid input")

	// ErrNotFound marks a missing notification.
	ErrNotFound = errors.New("notify: not found")
)

// Notification is one inbox entry.
type Notification struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Kind            string    `json:"kind"`
	FromUserID      string    `json:"from_user_id"`
	FromUserName    string    `json:"from_user_name"`
	FromUserPhoto   string    `json:"from_user_photo,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	ReplySnippet    string    `json:"reply_snippet,omitempty"`
	OriginalSnippet string    `json:"original_snippet,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"created_at"`
}

// KindReply is the notification kind for replies to own messages.
const KindReply = "reply"

// Inbox stores per-user notifications in memory. It doubles as a
// ReplyDispatcher for single-process deployments, so replies land in the
// recipient's inbox without a broker round-trip.
type Inbox struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	byUser map[string][]Notification
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxClock overrides the inbox's time source (tests).
func WithInboxClock(now func() time.Time) InboxOption {
	return func(b *Inbox) {
		if now != nil {
			b.now = now
		}
	}
}

// NewInbox constructs an empty Inbox.
func NewInbox(log *slog.Logger, opts ...InboxOption) *Inbox {
	if log == nil {
		log = slog.Default()
	}
	b := &Inbox{
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		byUser: make(map[string][]Notification),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// DispatchReply files the reply notification into the recipient's inbox.
func (b *Inbox) DispatchReply(ctx context.Context, n chat.ReplyNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.RecipientID == "" {
		return ErrInvalidInput
	}
	b.Add(Notification{
		UserID:          n.RecipientID,
		Kind:            KindReply,
		FromUserID:      n.FromUserID,
		FromUserName:    n.FromUserName,
		FromUserPhoto:   n.FromUserPhoto,
		MessageID:       n.MessageID,
		ConversationID:  n.ConversationID,
		ReplySnippet:    chat.TruncateRunes(n.ReplySnippet, chat.SnippetRunes),
		OriginalSnippet: chat.TruncateRunes(n.OriginalSnippet, chat.SnippetRunes),
	})
	return nil
}

// Add files a notification; id and creation time are assigned here.
func (b *Inbox) Add(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = b.now()
	}

	b.mu.Lock()
	b.byUser[n.UserID] = append(b.byUser[n.UserID], n)
	b.mu.Unlock()

	b.log.Debug("notify.inbox.added", "user_id", n.UserID, "kind", n.Kind)
	return n
}

// List returns the user's notifications, newest first.
func (b *Inbox) List(userID string) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := append([]Notification(nil), b.byUser[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UnreadCount returns the number of unread notifications for the user.
func (b *Inbox) UnreadCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, item := range b.byUser[userID] {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one notification read.
func (b *Inbox) MarkRead(userID, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.byUser[userID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// MarkAllRead marks every notification for the user read.
func (b *Inbox) MarkAllRead(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.byUser[userID]
	for i := range list {
		list[i].Read = true
	}
}

// Delete removes one notification. Absent ids are not an error.
func (b *Inbox) Delete(userID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.byUser[userID]
	for i := range list {
		if list[i].ID == id {
			b.byUser[userID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Clear removes every notification for the user.
func (b *Inbox) Clear(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byUser, userID)
}
