// Package chat contains NexusPC's conversation model, persistence
// boundaries, and the client-side message synchronization engine.
package chat

import (
	"sort"
	"strings"
	"time"
)

// Class identifies which kind of conversation a message belongs to.
type Class string

const (
	// ClassGlobal is the single shared community room.
	ClassGlobal Class = "global"
	// ClassDirect is a two-participant conversation.
	ClassDirect Class = "direct"
)

// GlobalConversationID addresses the shared room. The global room is modeled
// as one ordinary conversation so the same log and window machinery applies.
const GlobalConversationID = "global"

// Status is the client-local delivery state of an optimistic entry.
// It is never persisted.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// ReplyRef is a denormalized snapshot of a replied-to message.
// It is a copy, not a live reference, so it survives deletion of the original.
type ReplyRef struct {
	MessageID  string
	Text       string
	SenderID   string
	SenderName string
}

// Message is the canonical message representation.
//
// ID is store-assigned (ULID, so assignment order is preserved in the id
// itself). TempID is a client-side correlation token used only before the
// authoritative id is known; stores must never persist it.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	Class          Class
	SenderID       string
	RecipientID    string
	Text           string
	ImageURL       string
	BuildPayload   string
	Timestamp      time.Time
	ReplyTo        *ReplyRef
	Reactions      map[string][]string
	Edited         bool

	// Status is client-local delivery state; stores ignore it.
	Status Status
}

// ValidateBody enforces the message body invariant: exactly one of
// {text, image url, build payload} must be present.
func ValidateBody(text, imageURL, buildPayload string) error {
	n := 0
	if strings.TrimSpace(text) != "" {
		n++
	}
	if strings.TrimSpace(imageURL) != "" {
		n++
	}
	if strings.TrimSpace(buildPayload) != "" {
		n++
	}
	switch n {
	case 0:
		return ErrEmptyMessage
	case 1:
		return nil
	default:
		return ErrInvalidInput
	}
}

// Preview returns the text used for conversation tails and notification
// snippets: message text, or a placeholder for media/build payloads.
func (m Message) Preview() string {
	switch {
	case m.Text != "":
		return m.Text
	case m.ImageURL != "":
		return "[image]"
	case m.BuildPayload != "":
		return "[pc build]"
	default:
		return ""
	}
}

// DirectConversationID derives the canonical id for a participant pair.
// It is order-independent so both sides converge on the same id without
// coordination.
func DirectConversationID(a, b string) string {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}

// HasReacted reports whether userID is in the member set for emoji.
func HasReacted(reactions map[string][]string, emoji, userID string) bool {
	for _, id := range reactions[emoji] {
		if id == userID {
			return true
		}
	}
	return false
}

// ReactionCount returns the member count for emoji.
func ReactionCount(reactions map[string][]string, emoji string) int {
	return len(reactions[emoji])
}

// Conversation is the denormalized per-pair metadata record.
type Conversation struct {
	ID              string
	Participants    []string
	LastMessage     string
	LastMessageTime time.Time

	// UnreadCount maps participant -> pending-read count. Incremented for
	// the non-sender on every send, reset by MarkRead.
	UnreadCount map[string]int

	// LastRead maps participant -> the timestamp up to which they have read.
	// Used for the "seen" marker, not for unread badges.
	LastRead map[string]time.Time
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// TruncateRunes bounds s to at most n runes. Used for notification snippets.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
