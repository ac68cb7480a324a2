package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"nexuspc/cmd/internal/ids"
)

// PebbleStore is a Store backed by an embedded Pebble database, for
// single-node deployments that need durability without an external server.
//
// Key layout:
//
//	msg/<conv>/<unixnano %020d>-<id>  -> Message JSON
//	msgref/<conv>/<id>                -> full message key
//	conv/<conv>                       -> Conversation JSON
//	uconv/<user>/<conv>               -> (empty) membership index
//	hide/<user>/<conv>                -> RFC3339 hide time
//	block/<blocker>/<blocked>         -> (empty)
//	report/<id>                       -> Report JSON
//
// The nanosecond prefix keeps lexicographic key order equal to timestamp
// order, so windows and history pages are plain range scans.
//
// Concurrency model: read-modify-write sequences (reaction toggles,
// conversation metadata) serialize on a process-wide mutex. Pebble itself is
// single-process, so no cross-process coordination is needed.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// encodeStoredMessage marshals a message for the record value. Status and
// TempID are client-local and never reach disk; the shadow fields drop the
// keys from the encoding.
func encodeStoredMessage(m Message) ([]byte, error) {
	return json.Marshal(struct {
		Message
		Status any `json:",omitempty"`
		TempID any `json:",omitempty"`
	}{Message: m})
}

func decodeStoredMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	m.Status = StatusSent
	return m, nil
}

func msgKey(conversationID string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d-%s", conversationID, ts.UnixNano(), id))
}

func msgPrefix(conversationID string) ([]byte, []byte) {
	lower := []byte("msg/" + conversationID + "/")
	upper := []byte("msg/" + conversationID + "0") // '0' is '/'+1
	return lower, upper
}

func msgRefKey(conversationID, id string) []byte {
	return []byte("msgref/" + conversationID + "/" + id)
}

func convKey(conversationID string) []byte {
	return []byte("conv/" + conversationID)
}

func userConvKey(userID, conversationID string) []byte {
	return []byte("uconv/" + userID + "/" + conversationID)
}

func hideKey(userID, conversationID string) []byte {
	return []byte("hide/" + userID + "/" + conversationID)
}

func blockKey(blockerID, blockedID string) []byte {
	return []byte("block/" + blockerID + "/" + blockedID)
}

// Append durably appends a message under the store mutex, which keeps id
// assignment order strictly serialized.
func (s *PebbleStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.db == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" || in.SenderID == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

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
		Status:         StatusSent,
	}

	data, err := encodeStoredMessage(msg)
	if err != nil {
		return Message{}, err
	}

	key := msgKey(in.ConversationID, now, id)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return Message{}, err
	}
	if err := batch.Set(msgRefKey(in.ConversationID, id), key, nil); err != nil {
		return Message{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *PebbleStore) getRaw(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *PebbleStore) getMessageLocked(conversationID, messageID string) (Message, []byte, error) {
	key, err := s.getRaw(msgRefKey(conversationID, messageID))
	if err != nil {
		return Message{}, nil, err
	}
	data, err := s.getRaw(key)
	if err != nil {
		return Message{}, nil, err
	}
	m, err := decodeStoredMessage(data)
	if err != nil {
		return Message{}, nil, err
	}
	return m, key, nil
}

// Get returns one message by id.
func (s *PebbleStore) Get(ctx context.Context, conversationID, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _, err := s.getMessageLocked(conversationID, messageID)
	return m, err
}

// Window returns the newest limit messages, ascending by timestamp.
func (s *PebbleStore) Window(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultWindowSize
	}

	lower, upper := msgPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Message, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		m, err := decodeStoredMessage(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// Before returns up to limit messages strictly older than before, ascending.
func (s *PebbleStore) Before(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryPage
	}

	lower, _ := msgPrefix(conversationID)
	upper := []byte(fmt.Sprintf("msg/%s/%020d", conversationID, before.UnixNano()))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Message, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		m, err := decodeStoredMessage(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// UpdateText rewrites the text field and sets the edited flag. Sibling
// fields (reactions included) are re-read under the lock, never clobbered.
func (s *PebbleStore) UpdateText(ctx context.Context, conversationID, messageID, newText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, key, err := s.getMessageLocked(conversationID, messageID)
	if err != nil {
		return err
	}
	m.Text = newText
	m.Edited = true
	data, err := encodeStoredMessage(m)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// ToggleReaction flips userID's membership in the emoji's member set.
func (s *PebbleStore) ToggleReaction(ctx context.Context, conversationID, messageID, emoji, userID string) (bool, error) {
	if emoji == "" || userID == "" {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, key, err := s.getMessageLocked(conversationID, messageID)
	if err != nil {
		return false, err
	}

	members := m.Reactions[emoji]
	added := true
	for j, id := range members {
		if id == userID {
			members = append(members[:j:j], members[j+1:]...)
			added = false
			break
		}
	}
	if added {
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		members = append(members, userID)
	}
	if len(members) == 0 {
		delete(m.Reactions, emoji)
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
	} else {
		m.Reactions[emoji] = members
	}

	data, err := encodeStoredMessage(m)
	if err != nil {
		return false, err
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return false, err
	}
	return added, nil
}

// Delete removes a message. Deleting an absent id is a no-op.
func (s *PebbleStore) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.getRaw(msgRefKey(conversationID, messageID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(key, nil); err != nil {
		return err
	}
	if err := batch.Delete(msgRefKey(conversationID, messageID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) readConversationLocked(conversationID string) (Conversation, error) {
	data, err := s.getRaw(convKey(conversationID))
	if err != nil {
		return Conversation{}, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return Conversation{}, err
	}
	if conv.UnreadCount == nil {
		conv.UnreadCount = make(map[string]int)
	}
	if conv.LastRead == nil {
		conv.LastRead = make(map[string]time.Time)
	}
	return conv, nil
}

func (s *PebbleStore) writeConversationLocked(conv Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.db.Set(convKey(conv.ID), data, pebble.Sync)
}

// ApplySend refreshes the conversation tail, increments the recipient's
// unread count, and maintains the per-user membership index.
func (s *PebbleStore) ApplySend(ctx context.Context, in ApplySendInput) (Conversation, error) {
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

	conv, err := s.readConversationLocked(in.ConversationID)
	if errors.Is(err, ErrNotFound) {
		conv = Conversation{
			ID:           in.ConversationID,
			Participants: sortedPair(in.SenderID, in.RecipientID),
			UnreadCount:  make(map[string]int),
			LastRead:     make(map[string]time.Time),
		}
		for _, p := range conv.Participants {
			if err := s.db.Set(userConvKey(p, in.ConversationID), nil, pebble.Sync); err != nil {
				return Conversation{}, err
			}
		}
	} else if err != nil {
		return Conversation{}, err
	}

	conv.LastMessage = in.Preview
	conv.LastMessageTime = now
	conv.UnreadCount[in.RecipientID]++

	if err := s.writeConversationLocked(conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// MarkRead zeroes the viewer's unread counter and advances their read cursor
// as one write. Marking an absent conversation is a no-op.
func (s *PebbleStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error {
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

	conv, err := s.readConversationLocked(conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	conv.UnreadCount[userID] = 0
	conv.LastRead[userID] = now
	return s.writeConversationLocked(conv)
}

// GetConversation returns one conversation record.
func (s *PebbleStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readConversationLocked(conversationID)
}

// ListForUser returns the user's conversations, newest last message first.
func (s *PebbleStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lower := []byte("uconv/" + userID + "/")
	upper := []byte("uconv/" + userID + "0")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Conversation
	for ok := iter.First(); ok; ok = iter.Next() {
		conversationID := string(iter.Key()[len(lower):])
		conv, err := s.readConversationLocked(conversationID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTime.After(out[j].LastMessageTime) })
	return out, nil
}

// HideForUser records the viewer's hide marker and zeroes their unread.
func (s *PebbleStore) HideForUser(ctx context.Context, userID, conversationID string, now time.Time) error {
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

	if err := s.db.Set(hideKey(userID, conversationID), []byte(now.UTC().Format(time.RFC3339Nano)), pebble.Sync); err != nil {
		return err
	}

	conv, err := s.readConversationLocked(conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	conv.UnreadCount[userID] = 0
	return s.writeConversationLocked(conv)
}

// HiddenAt returns the user's hide marker, zero when never hidden.
func (s *PebbleStore) HiddenAt(ctx context.Context, userID, conversationID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.getRaw(hideKey(userID, conversationID))
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(data))
}

// Block records a one-direction block. Blocking twice is a no-op.
func (s *PebbleStore) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Set(blockKey(blockerID, blockedID), nil, pebble.Sync)
}

// Unblock removes a one-direction block.
func (s *PebbleStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(blockKey(blockerID, blockedID), pebble.Sync)
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (s *PebbleStore) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, closer, err := s.db.Get(blockKey(blockerID, blockedID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// CreateReport files a moderation report.
func (s *PebbleStore) CreateReport(ctx context.Context, r Report) error {
	if r.ID == "" || r.MessageID == "" || r.ReportedBy == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Set([]byte("report/"+r.ID), data, pebble.Sync)
}
