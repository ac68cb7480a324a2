package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nexuspc/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Message appends and conversation metadata updates serialize on a
//     per-conversation transactional advisory lock.
//   - Reaction toggles and read-cursor updates are row-scoped: they touch only
//     their own columns, so concurrent edits are never clobbered.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "nexuspc").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "nexuspc",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `conversation_id, id, class, sender_id, recipient_id, text, image_url, build_payload, reply, reactions, edited, ts`

// Append durably appends a message. Per-conversation advisory locking keeps
// assignment order strictly serialized, so ids (time-ordered ULIDs) and
// timestamps never interleave out of order within one conversation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	var replyJSON []byte
	if in.ReplyTo != nil {
		replyJSON, err = json.Marshal(in.ReplyTo)
		if err != nil {
			return Message{}, err
		}
	}

	messages := pgIdent(s.schema, "messages")
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, id, class, sender_id, recipient_id, text, image_url, build_payload, reply, reactions, edited, ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '{}'::jsonb, FALSE, $10)`,
		in.ConversationID, id, string(in.Class), in.SenderID, nullable(in.RecipientID),
		in.Text, nullable(in.ImageURL), nullable(in.BuildPayload), replyJSON, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
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
	}, nil
}

// Get returns one message by id.
func (s *PostgresStore) Get(ctx context.Context, conversationID, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// Window returns the newest limit messages, ascending by timestamp.
func (s *PostgresStore) Window(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultWindowSize
	}
	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY ts DESC, id DESC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// Before returns up to limit messages strictly older than before, ascending.
func (s *PostgresStore) Before(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryPage
	}
	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1 AND ts < $2
		  ORDER BY ts DESC, id DESC
		  LIMIT $3`,
		conversationID, before, limit,
	)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// UpdateText rewrites the text column and sets the edited flag. No other
// column is touched.
func (s *PostgresStore) UpdateText(ctx context.Context, conversationID, messageID, newText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET text = $3, edited = TRUE WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID, newText,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleReaction flips userID's membership in the emoji's reactor set. The
// row is locked for the read-modify-write; only the reactions column is
// written back.
func (s *PostgresStore) ToggleReaction(ctx context.Context, conversationID, messageID, emoji, userID string) (bool, error) {
	if emoji == "" || userID == "" {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT reactions FROM `+messages+` WHERE conversation_id = $1 AND id = $2 FOR UPDATE`,
		conversationID, messageID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	reactions := make(map[string][]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reactions); err != nil {
			return false, err
		}
	}

	members := reactions[emoji]
	added := true
	for j, id := range members {
		if id == userID {
			members = append(members[:j:j], members[j+1:]...)
			added = false
			break
		}
	}
	if added {
		members = append(members, userID)
	}
	if len(members) == 0 {
		delete(reactions, emoji)
	} else {
		reactions[emoji] = members
	}

	out, err := json.Marshal(reactions)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+` SET reactions = $3 WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID, out,
	); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return added, nil
}

// Delete removes a message. Deleting an absent id is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	messages := pgIdent(s.schema, "messages")
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+messages+` WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	)
	return err
}

// ApplySend upserts the conversation record for a direct send: tail preview,
// last-message time, and the recipient's unread counter, in one transaction
// under the conversation's advisory lock.
func (s *PostgresStore) ApplySend(ctx context.Context, in ApplySendInput) (Conversation, error) {
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Conversation{}, fmt.Errorf("advisory lock: %w", err)
	}

	conversations := pgIdent(s.schema, "conversations")
	pair := sortedPair(in.SenderID, in.RecipientID)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participants, last_message, last_message_time, unread, last_read)
		 VALUES ($1, $2, '', $3, '{}'::jsonb, '{}'::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		in.ConversationID, pair, now,
	); err != nil {
		return Conversation{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $2,
		        last_message_time = $3,
		        unread = jsonb_set(unread, ARRAY[$4], to_jsonb(COALESCE((unread->>$4)::int, 0) + 1))
		  WHERE id = $1`,
		in.ConversationID, in.Preview, now, in.RecipientID,
	); err != nil {
		return Conversation{}, err
	}

	conv, err := readConversation(ctx, tx, conversations, in.ConversationID)
	if err != nil {
		return Conversation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// MarkRead zeroes the viewer's unread counter and advances their read cursor
// in a single statement. Marking an absent conversation is a no-op.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error {
	if conversationID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET unread = jsonb_set(unread, ARRAY[$2], '0'::jsonb),
		        last_read = jsonb_set(last_read, ARRAY[$2], to_jsonb($3::timestamptz))
		  WHERE id = $1`,
		conversationID, userID, now,
	)
	return err
}

// GetConversation returns one conversation record.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	conversations := pgIdent(s.schema, "conversations")
	conv, err := readConversation(ctx, s.pool, conversations, conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return conv, err
}

// ListForUser returns the user's conversations, newest last message first.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conversations := pgIdent(s.schema, "conversations")
	rows, err := s.pool.Query(ctx,
		`SELECT id, participants, last_message, last_message_time, unread, last_read
		   FROM `+conversations+`
		  WHERE participants @> ARRAY[$1]
		  ORDER BY last_message_time DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// HideForUser records the viewer's hide marker and zeroes their unread.
func (s *PostgresStore) HideForUser(ctx context.Context, userID, conversationID string, now time.Time) error {
	if userID == "" || conversationID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	hidden := pgIdent(s.schema, "hidden_conversations")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+hidden+` (user_id, conversation_id, hidden_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, conversation_id) DO UPDATE SET hidden_at = EXCLUDED.hidden_at`,
		userID, conversationID, now,
	); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET unread = jsonb_set(unread, ARRAY[$2], '0'::jsonb) WHERE id = $1`,
		conversationID, userID,
	)
	return err
}

// HiddenAt returns the user's hide marker, zero when never hidden.
func (s *PostgresStore) HiddenAt(ctx context.Context, userID, conversationID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	hidden := pgIdent(s.schema, "hidden_conversations")
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT hidden_at FROM `+hidden+` WHERE user_id = $1 AND conversation_id = $2`,
		userID, conversationID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return at, err
}

// Block records a one-direction block. Blocking twice is a no-op.
func (s *PostgresStore) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	blocks := pgIdent(s.schema, "blocks")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+blocks+` (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		blockerID, blockedID,
	)
	return err
}

// Unblock removes a one-direction block.
func (s *PostgresStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blocks := pgIdent(s.schema, "blocks")
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+blocks+` WHERE blocker_id = $1 AND blocked_id = $2`,
		blockerID, blockedID,
	)
	return err
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (s *PostgresStore) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	blocks := pgIdent(s.schema, "blocks")
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+blocks+` WHERE blocker_id = $1 AND blocked_id = $2)`,
		blockerID, blockedID,
	).Scan(&exists)
	return exists, err
}

// CreateReport files a moderation report.
func (s *PostgresStore) CreateReport(ctx context.Context, r Report) error {
	if r.ID == "" || r.MessageID == "" || r.ReportedBy == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	reports := pgIdent(s.schema, "message_reports")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+reports+` (id, message_id, conversation_id, reported_by, reason, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.MessageID, r.ConversationID, r.ReportedBy, r.Reason, r.Timestamp,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m            Message
		class        string
		recipient    *string
		imageURL     *string
		buildPayload *string
		replyRaw     []byte
		reactionsRaw []byte
	)
	if err := row.Scan(
		&m.ConversationID, &m.ID, &class, &m.SenderID, &recipient,
		&m.Text, &imageURL, &buildPayload, &replyRaw, &reactionsRaw, &m.Edited, &m.Timestamp,
	); err != nil {
		return Message{}, err
	}
	m.Class = Class(class)
	m.Status = StatusSent
	if recipient != nil {
		m.RecipientID = *recipient
	}
	if imageURL != nil {
		m.ImageURL = *imageURL
	}
	if buildPayload != nil {
		m.BuildPayload = *buildPayload
	}
	if len(replyRaw) > 0 {
		var ref ReplyRef
		if err := json.Unmarshal(replyRaw, &ref); err != nil {
			return Message{}, err
		}
		m.ReplyTo = &ref
	}
	if len(reactionsRaw) > 0 {
		reactions := make(map[string][]string)
		if err := json.Unmarshal(reactionsRaw, &reactions); err != nil {
			return Message{}, err
		}
		if len(reactions) > 0 {
			m.Reactions = reactions
		}
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		conv        Conversation
		unreadRaw   []byte
		lastReadRaw []byte
	)
	if err := row.Scan(
		&conv.ID, &conv.Participants, &conv.LastMessage, &conv.LastMessageTime, &unreadRaw, &lastReadRaw,
	); err != nil {
		return Conversation{}, err
	}
	conv.UnreadCount = make(map[string]int)
	if len(unreadRaw) > 0 {
		if err := json.Unmarshal(unreadRaw, &conv.UnreadCount); err != nil {
			return Conversation{}, err
		}
	}
	conv.LastRead = make(map[string]time.Time)
	if len(lastReadRaw) > 0 {
		if err := json.Unmarshal(lastReadRaw, &conv.LastRead); err != nil {
			return Conversation{}, err
		}
	}
	return conv, nil
}

func readConversation(ctx context.Context, q rowQuerier, table, conversationID string) (Conversation, error) {
	return scanConversation(q.QueryRow(ctx,
		`SELECT id, participants, last_message, last_message_time, unread, last_read FROM `+table+` WHERE id = $1`,
		conversationID,
	))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
