package chat

import (
	"context"
	"time"
)

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	Class          Class
	SenderID       string
	RecipientID    string
	Text           string
	ImageURL       string
	BuildPayload   string
	ReplyTo        *ReplyRef
	Now            time.Time
}

// MessageStore persists and queries the append-only, timestamp-ordered
// message log of a conversation.
//
// Requirements:
//   - Append assigns the authoritative id and timestamp.
//   - Window/Before return ascending-timestamp slices.
//   - UpdateText and ToggleReaction are field-scoped: they mutate only the
//     named sub-resource so concurrent edits and reaction toggles on the
//     same message never clobber each other.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (Message, error)

	// Get returns one message or ErrNotFound.
	Get(ctx context.Context, conversationID, messageID string) (Message, error)

	// Window returns the newest limit messages, ascending by timestamp.
	Window(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Before returns up to limit messages strictly older than before,
	// ascending by timestamp.
	Before(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error)

	// UpdateText sets text and the edited flag, leaving all sibling fields
	// untouched.
	UpdateText(ctx context.Context, conversationID, messageID, newText string) error

	// ToggleReaction adds or removes userID from the emoji's member set and
	// reports whether the reaction is present afterwards. An emptied member
	// set removes the emoji key entirely.
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji, userID string) (bool, error)

	// Delete hard-deletes the message. Deleting an absent id is not an error.
	Delete(ctx context.Context, conversationID, messageID string) error
}

// ApplySendInput describes the conversation metadata update issued
// atomically with a direct-message send.
type ApplySendInput struct {
	ConversationID string
	SenderID       string
	RecipientID    string
	Preview        string
	Now            time.Time
}

// ConversationStore persists per-pair conversation metadata: the
// denormalized tail, unread counts, read cursors, and per-viewer hiding.
type ConversationStore interface {
	// ApplySend refreshes lastMessage/lastMessageTime and increments the
	// recipient's unread count (never the sender's) as one atomic update.
	// The conversation is created lazily on first send.
	ApplySend(ctx context.Context, in ApplySendInput) (Conversation, error)

	// MarkRead sets lastRead[userID]=now and unreadCount[userID]=0 as a
	// single atomic multi-field update. Safe to call redundantly.
	MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error

	// GetConversation returns one conversation or ErrNotFound.
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)

	// ListForUser returns every conversation userID participates in,
	// including ones the viewer has hidden (filtering is the Index's job).
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)

	// HideForUser records a per-viewer deletion marker. The shared log and
	// the other participant's view are untouched.
	HideForUser(ctx context.Context, userID, conversationID string, now time.Time) error

	// HiddenAt returns the viewer's hide timestamp, zero if never hidden.
	HiddenAt(ctx context.Context, userID, conversationID string) (time.Time, error)
}

// BlockStore is the per-user block set, point-readable before a send.
type BlockStore interface {
	Block(ctx context.Context, userID, blockedID string) error
	Unblock(ctx context.Context, userID, blockedID string) error

	// IsBlocked reports whether userID has blocked otherID (one direction).
	IsBlocked(ctx context.Context, userID, otherID string) (bool, error)
}

// Report is a moderation report record.
type Report struct {
	ID             string
	MessageID      string
	ConversationID string
	ReportedBy     string
	Reason         string
	Timestamp      time.Time
}

// ReportStore persists best-effort moderation reports.
type ReportStore interface {
	CreateReport(ctx context.Context, r Report) error
}

// Store is the full persistence boundary for the chat domain.
type Store interface {
	MessageStore
	ConversationStore
	BlockStore
	ReportStore
	Close() error
}
