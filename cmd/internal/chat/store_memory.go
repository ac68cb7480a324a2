package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nexuspc/cmd/internal/ids"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the dev/test Store implementation.
//
// Field-scoped updates are trivially atomic here because every mutation
// holds the store mutex; the interface contract (mutate only the named
// sub-resource) is still honored so behavior matches the durable backends.
type InMemoryStore struct {
	mu      sync.Mutex
	msgs    map[string][]Message            // conversation -> ascending by (timestamp, id)
	convs   map[string]*Conversation        // conversation id -> metadata
	hides   map[string]map[string]time.Time // user -> conversation -> hide time
	blocks  map[string]map[string]bool      // user -> blocked user -> true
	reports []Report
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs:   make(map[string][]Message),
		convs:  make(map[string]*Conversation),
		hides:  make(map[string]map[string]time.Time),
		blocks: make(map[string]map[string]bool),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message, assigning the authoritative id and timestamp.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.ConversationID == "" || in.SenderID == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ValidateBody(in.Text, in.ImageURL, in.BuildPayload); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Class:          in.Class,
		SenderID:       in.SenderID,
		RecipientID:    in.RecipientID,
		Text:           in.Text,
		ImageURL:       in.ImageURL,
		BuildPayload:   in.BuildPayload,
		Timestamp:      now,
		ReplyTo:        copyReplyRef(in.ReplyTo),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.msgs[in.ConversationID], msg)
	sortMessages(list)
	if len(list) > memMaxMessagesPerConversation {
		list = list[len(list)-memMaxMessagesPerConversation:]
	}
	s.msgs[in.ConversationID] = list

	return copyMessage(msg), nil
}

// Get returns one message or ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, conversationID, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.locate(conversationID, messageID)
	if !ok {
		return Message{}, ErrNotFound
	}
	return copyMessage(s.msgs[conversationID][i]), nil
}

// Window returns the newest limit messages, ascending by timestamp.
func (s *InMemoryStore) Window(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultWindowSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[conversationID]
	start := len(list) - limit
	if start < 0 {
		start = 0
	}
	return copyMessages(list[start:]), nil
}

// Before returns up to limit messages strictly older than before, ascending.
func (s *InMemoryStore) Before(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if conversationID == "" || before.IsZero() {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryPage
	}
	if limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.msgs[conversationID]
	end := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(before) })
	start := end - limit
	if start < 0 {
		start = 0
	}
	return copyMessages(list[start:end]), nil
}

// UpdateText sets text and the edited flag, leaving sibling fields untouched.
func (s *InMemoryStore) UpdateText(ctx context.Context, conversationID, messageID, newText string) error {
	if strings.TrimSpace(newText) == "" {
		return ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.locate(conversationID, messageID)
	if !ok {
		return ErrNotFound
	}
	s.msgs[conversationID][i].Text = newText
	s.msgs[conversationID][i].Edited = true
	return nil
}

// ToggleReaction adds or removes userID from the emoji's member set.
func (s *InMemoryStore) ToggleReaction(ctx context.Context, conversationID, messageID, emoji, userID string) (bool, error) {
	if emoji == "" || userID == "" {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.locate(conversationID, messageID)
	if !ok {
		return false, ErrNotFound
	}

	msg := &s.msgs[conversationID][i]
	members := msg.Reactions[emoji]
	for j, id := range members {
		if id == userID {
			members = append(members[:j:j], members[j+1:]...)
			if len(members) == 0 {
				delete(msg.Reactions, emoji)
				if len(msg.Reactions) == 0 {
					msg.Reactions = nil
				}
			} else {
				msg.Reactions[emoji] = members
			}
			return false, nil
		}
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	msg.Reactions[emoji] = append(append([]string(nil), members...), userID)
	return true, nil
}

// Delete hard-deletes the message. Absent ids are not an error.
func (s *InMemoryStore) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.locate(conversationID, messageID)
	if !ok {
		return nil
	}
	list := s.msgs[conversationID]
	s.msgs[conversationID] = append(list[:i:i], list[i+1:]...)
	return nil
}

// ApplySend refreshes the conversation tail and increments the recipient's
// unread count as one atomic update.
func (s *InMemoryStore) ApplySend(ctx context.Context, in ApplySendInput) (Conversation, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.RecipientID == "" {
		return Conversation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &Conversation{
			ID:           in.ConversationID,
			Participants: sortedPair(in.SenderID, in.RecipientID),
			UnreadCount:  make(map[string]int),
			LastRead:     make(map[string]time.Time),
		}
		s.convs[in.ConversationID] = c
	}

	c.LastMessage = in.Preview
	c.LastMessageTime = now
	c.UnreadCount[in.RecipientID]++

	return copyConversation(*c), nil
}

// MarkRead resets the viewer's unread count and advances their read cursor.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error {
	if conversationID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		// Marking a not-yet-created conversation read is a no-op, not an error.
		return nil
	}
	c.UnreadCount[userID] = 0
	c.LastRead[userID] = now
	return nil
}

// GetConversation returns one conversation or ErrNotFound.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return Conversation{}, ErrNotFound
	}
	return copyConversation(*c), nil
}

// ListForUser returns every conversation userID participates in.
func (s *InMemoryStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, c := range s.convs {
		for _, p := range c.Participants {
			if p == userID {
				out = append(out, copyConversation(*c))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTime.After(out[j].LastMessageTime) })
	return out, nil
}

// HideForUser records a per-viewer deletion marker.
func (s *InMemoryStore) HideForUser(ctx context.Context, userID, conversationID string, now time.Time) error {
	if userID == "" || conversationID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hides[userID] == nil {
		s.hides[userID] = make(map[string]time.Time)
	}
	s.hides[userID][conversationID] = now

	// Hiding also clears the viewer's own unread badge.
	if c := s.convs[conversationID]; c != nil {
		c.UnreadCount[userID] = 0
	}
	return nil
}

// HiddenAt returns the viewer's hide timestamp, zero if never hidden.
func (s *InMemoryStore) HiddenAt(ctx context.Context, userID, conversationID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hides[userID][conversationID], nil
}

// Block adds blockedID to userID's block set.
func (s *InMemoryStore) Block(ctx context.Context, userID, blockedID string) error {
	if userID == "" || blockedID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blocks[userID] == nil {
		s.blocks[userID] = make(map[string]bool)
	}
	s.blocks[userID][blockedID] = true
	return nil
}

// Unblock removes blockedID from userID's block set.
func (s *InMemoryStore) Unblock(ctx context.Context, userID, blockedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks[userID], blockedID)
	return nil
}

// IsBlocked reports whether userID has blocked otherID.
func (s *InMemoryStore) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[userID][otherID], nil
}

// CreateReport stores a moderation report.
func (s *InMemoryStore) CreateReport(ctx context.Context, r Report) error {
	if r.MessageID == "" || r.ReportedBy == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

// Reports returns a snapshot of stored reports (test/inspection helper).
func (s *InMemoryStore) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// locate returns the index of messageID in conversationID. Caller holds mu.
func (s *InMemoryStore) locate(conversationID, messageID string) (int, bool) {
	for i, m := range s.msgs[conversationID] {
		if m.ID == messageID {
			return i, true
		}
	}
	return 0, false
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}

func sortedPair(a, b string) []string {
	if a > b {
		a, b = b, a
	}
	return []string{a, b}
}

func copyReplyRef(r *ReplyRef) *ReplyRef {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func copyMessage(m Message) Message {
	cp := m
	cp.ReplyTo = copyReplyRef(m.ReplyTo)
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, members := range m.Reactions {
			cp.Reactions[emoji] = append([]string(nil), members...)
		}
	}
	return cp
}

func copyMessages(list []Message) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, copyMessage(m))
	}
	return out
}

func copyConversation(c Conversation) Conversation {
	cp := c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		cp.UnreadCount[k] = v
	}
	cp.LastRead = make(map[string]time.Time, len(c.LastRead))
	for k, v := range c.LastRead {
		cp.LastRead[k] = v
	}
	return cp
}
