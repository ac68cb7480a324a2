package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nexuspc/cmd/internal/ids"
)

// Identity describes the local user an Engine acts for.
type Identity struct {
	ID       string
	Name     string
	PhotoURL string
}

// ReplyNotification is the side-channel alert produced when a reply
// references another user's message. Dispatch is fire-and-forget.
type ReplyNotification struct {
	RecipientID     string
	FromUserID      string
	FromUserName    string
	FromUserPhoto   string
	MessageID       string
	ReplySnippet    string
	OriginalSnippet string
	Class           Class
	ConversationID  string
}

// ReplyDispatcher is the notification collaborator. Failures must never fail
// the send that triggered them.
type ReplyDispatcher interface {
	DispatchReply(ctx context.Context, n ReplyNotification) error
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	ReplyTo      *ReplyRef
	ImageURL     string
	BuildPayload string
}

// Engine reconciles a client's optimistic local view of conversations with
// the authoritative store pushes.
//
// The local overlay is single-writer (owned by this client) and is strictly
// reconciled away once the authoritative entry is observed, never merged.
// All state is guarded by one mutex, the Go stand-in for the original's
// single-threaded event loop: store pushes and timer callbacks interleave,
// they never truly race on view state.
type Engine struct {
	log        *slog.Logger
	msgs       *Log
	index      *Index
	blocks     BlockStore
	dispatcher ReplyDispatcher
	self       Identity
	now        func() time.Time

	onNewMessage func(conversationID string, m Message)
	onWindow     func(conversationID string, msgs []Message)

	mu     sync.Mutex
	online bool
	views  map[string]*view
}

// entry is the tagged-union element of a view: either a client-local
// optimistic message (correlated by tempId) or a store-confirmed one.
type entry struct {
	local     *Message
	confirmed *Message
}

func (e entry) timestamp() time.Time {
	if e.local != nil {
		return e.local.Timestamp
	}
	return e.confirmed.Timestamp
}

type view struct {
	conversationID string
	class          Class
	peerID         string

	entries   []entry
	older     []Message // prepended history pages, oldest first
	seen      map[string]struct{}
	latest    time.Time // newest confirmed timestamp observed
	cutoff    time.Time // per-viewer hidden cutoff, fixed at open
	exhausted bool      // loadOlder returned empty; never re-queried

	sub          *WindowSub
	consumerStop context.CancelFunc
	activeStop   context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDispatcher sets the reply-notification dispatcher.
func WithDispatcher(d ReplyDispatcher) EngineOption {
	return func(e *Engine) { e.dispatcher = d }
}

// WithClock overrides the engine's time source (tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithNewMessageHook sets the side effect invoked exactly once per incoming
// message that is newer than everything held and authored by someone else.
func WithNewMessageHook(fn func(conversationID string, m Message)) EngineOption {
	return func(e *Engine) { e.onNewMessage = fn }
}

// WithWindowHook sets the callback invoked with the merged display list
// after every reconciled push for an open conversation.
func WithWindowHook(fn func(conversationID string, msgs []Message)) EngineOption {
	return func(e *Engine) { e.onWindow = fn }
}

// NewEngine constructs an Engine for one client identity. The connectivity
// state starts online; the runtime's online/offline signal drives SetOnline.
func NewEngine(log *slog.Logger, self Identity, msgs *Log, index *Index, blocks BlockStore, opts ...EngineOption) (*Engine, error) {
	if self.ID == "" || msgs == nil || index == nil || blocks == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:    log,
		msgs:   msgs,
		index:  index,
		blocks: blocks,
		self:   self,
		now:    func() time.Time { return time.Now().UTC() },
		online: true,
		views:  make(map[string]*view),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Open subscribes to a conversation and begins reconciling its window.
// For direct conversations peerID identifies the other participant; the
// conversation id is derived locally, no round-trip needed.
func (e *Engine) Open(ctx context.Context, class Class, peerID string) (string, error) {
	var convID string
	switch class {
	case ClassGlobal:
		convID = GlobalConversationID
	case ClassDirect:
		if peerID == "" || peerID == e.self.ID {
			return "", ErrInvalidInput
		}
		convID = DirectConversationID(e.self.ID, peerID)
	default:
		return "", ErrInvalidInput
	}

	e.mu.Lock()
	if _, ok := e.views[convID]; ok {
		e.mu.Unlock()
		return convID, nil
	}
	e.mu.Unlock()

	var cutoff time.Time
	if class == ClassDirect {
		var err error
		cutoff, err = e.index.HiddenCutoff(ctx, convID, e.self.ID, peerID)
		if err != nil {
			return "", err
		}
	}

	sub, err := e.msgs.WatchWindow(ctx, convID)
	if err != nil {
		return "", err
	}

	consumerCtx, stop := context.WithCancel(context.Background())
	v := &view{
		conversationID: convID,
		class:          class,
		peerID:         peerID,
		seen:           make(map[string]struct{}),
		cutoff:         cutoff,
		sub:            sub,
		consumerStop:   stop,
	}

	e.mu.Lock()
	e.views[convID] = v
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-consumerCtx.Done():
				return
			case win := <-sub.C:
				e.applyWindow(convID, win)
			}
		}
	}()

	return convID, nil
}

// CloseConversation tears down one conversation subscription.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	v := e.views[conversationID]
	delete(e.views, conversationID)
	e.mu.Unlock()

	if v == nil {
		return
	}
	if v.activeStop != nil {
		v.activeStop()
	}
	v.consumerStop()
	v.sub.Close()
}

// Close tears down every subscription and timer.
func (e *Engine) Close() {
	e.mu.Lock()
	views := make([]*view, 0, len(e.views))
	for _, v := range e.views {
		views = append(views, v)
	}
	e.views = make(map[string]*view)
	e.mu.Unlock()

	for _, v := range views {
		if v.activeStop != nil {
			v.activeStop()
		}
		v.consumerStop()
		v.sub.Close()
	}
}

// Send issues a message into an open conversation.
//
// The optimistic local entry is spliced in synchronously before any
// suspension point, which is what gives the zero-latency feel. Offline sends
// stay pending until SetOnline(true) flushes them; online sends that fail
// the durable append are rolled back and reported as ErrSendFailed.
func (e *Engine) Send(ctx context.Context, conversationID, text string, opts SendOptions) (Message, error) {
	if err := ValidateBody(text, opts.ImageURL, opts.BuildPayload); err != nil {
		return Message{}, err
	}

	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return Message{}, ErrInvalidInput
	}
	class, peerID := v.class, v.peerID
	online := e.online
	e.mu.Unlock()

	// Policy check happens before any state is mutated. Offline sends defer
	// the check to flush time, since the block set cannot be read offline.
	if online && class == ClassDirect {
		if err := e.checkBlocked(ctx, peerID); err != nil {
			return Message{}, err
		}
	}

	now := e.now()
	tempID, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	local := Message{
		TempID:         tempID,
		ConversationID: conversationID,
		Class:          class,
		SenderID:       e.self.ID,
		RecipientID:    peerID,
		Text:           text,
		ImageURL:       opts.ImageURL,
		BuildPayload:   opts.BuildPayload,
		Timestamp:      now,
		ReplyTo:        copyReplyRef(opts.ReplyTo),
		Status:         StatusSent,
	}
	if !online {
		local.Status = StatusPending
	}

	e.mu.Lock()
	if v = e.views[conversationID]; v == nil {
		e.mu.Unlock()
		return Message{}, ErrInvalidInput
	}
	v.entries = append(v.entries, entry{local: &local})
	sortEntries(v.entries)
	e.mu.Unlock()

	if !online {
		return local, nil
	}

	msg, err := e.persist(ctx, conversationID, local)
	if err != nil {
		e.removeLocal(conversationID, tempID)
		sendsFailed.Inc()
		return Message{}, err
	}
	// The optimistic entry stays tagged until the push carrying msg is
	// reconciled; the returned message is the durable record.
	msg.TempID = tempID
	return msg, nil
}

// persist issues the durable append plus the conversation metadata update
// and the best-effort reply notification.
func (e *Engine) persist(ctx context.Context, conversationID string, local Message) (Message, error) {
	msg, err := e.msgs.Append(ctx, AppendInput{
		ConversationID: conversationID,
		Class:          local.Class,
		SenderID:       local.SenderID,
		RecipientID:    local.RecipientID,
		Text:           local.Text,
		ImageURL:       local.ImageURL,
		BuildPayload:   local.BuildPayload,
		ReplyTo:        local.ReplyTo,
		Now:            local.Timestamp,
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if local.Class == ClassDirect {
		if _, err := e.index.ApplySend(ctx, ApplySendInput{
			ConversationID: conversationID,
			SenderID:       local.SenderID,
			RecipientID:    local.RecipientID,
			Preview:        msg.Preview(),
			Now:            local.Timestamp,
		}); err != nil {
			// The message is durable; a stale tail repairs itself on the
			// next send.
			e.log.Warn("engine.send.metadata_fail", "conversation_id", conversationID, "err", err)
		}
	}

	if local.ReplyTo != nil && local.ReplyTo.SenderID != "" && local.ReplyTo.SenderID != e.self.ID {
		e.dispatchReply(msg, *local.ReplyTo)
	}
	return msg, nil
}

// dispatchReply fires the reply notification without blocking or failing the
// send path.
func (e *Engine) dispatchReply(msg Message, ref ReplyRef) {
	if e.dispatcher == nil {
		return
	}
	n := ReplyNotification{
		RecipientID:     ref.SenderID,
		FromUserID:      e.self.ID,
		FromUserName:    e.self.Name,
		FromUserPhoto:   e.self.PhotoURL,
		MessageID:       msg.ID,
		ReplySnippet:    TruncateRunes(msg.Preview(), SnippetRunes),
		OriginalSnippet: TruncateRunes(ref.Text, SnippetRunes),
		Class:           msg.Class,
		ConversationID:  msg.ConversationID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.dispatcher.DispatchReply(ctx, n); err != nil {
			e.log.Warn("engine.reply_notify.fail", "recipient", n.RecipientID, "err", err)
		}
	}()
}

// SetOnline feeds the runtime's connectivity signal. The offline->online
// transition flushes pending messages in original timestamp order.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online && !was {
		e.flushPending(ctx)
	}
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) flushPending(ctx context.Context) {
	type pendingRef struct {
		conversationID string
		msg            Message
	}

	e.mu.Lock()
	var pending []pendingRef
	for _, v := range e.views {
		for _, en := range v.entries {
			if en.local != nil && en.local.Status == StatusPending {
				pending = append(pending, pendingRef{v.conversationID, *en.local})
			}
		}
	}
	e.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].msg.Timestamp.Before(pending[j].msg.Timestamp) })

	for _, p := range pending {
		if p.msg.Class == ClassDirect {
			if err := e.checkBlocked(ctx, p.msg.RecipientID); err != nil {
				e.log.Warn("engine.flush.blocked", "conversation_id", p.conversationID)
				e.removeLocal(p.conversationID, p.msg.TempID)
				continue
			}
		}
		if _, err := e.persist(ctx, p.conversationID, p.msg); err != nil {
			e.log.Warn("engine.flush.fail", "conversation_id", p.conversationID, "err", err)
			e.markLocalFailed(p.conversationID, p.msg.TempID)
			continue
		}
		e.markLocalSent(p.conversationID, p.msg.TempID)
		pendingFlushed.Inc()
	}
}

// checkBlocked point-reads both directions of the block relationship.
func (e *Engine) checkBlocked(ctx context.Context, peerID string) error {
	if peerID == "" {
		return nil
	}
	for _, pair := range [][2]string{{e.self.ID, peerID}, {peerID, e.self.ID}} {
		blocked, err := e.blocks.IsBlocked(ctx, pair[0], pair[1])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		if blocked {
			return ErrBlocked
		}
	}
	return nil
}

// applyWindow reconciles a pushed window with the local overlay.
func (e *Engine) applyWindow(conversationID string, win []Message) {
	e.mu.Lock()

	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return
	}

	// Per-viewer hiding: messages at or before the cutoff never surface.
	if !v.cutoff.IsZero() {
		filtered := win[:0:0]
		for _, m := range win {
			if m.Timestamp.After(v.cutoff) {
				filtered = append(filtered, m)
			}
		}
		win = filtered
	}

	// Collect surviving locals before rebuilding.
	locals := make([]*Message, 0, 2)
	for _, en := range v.entries {
		if en.local != nil {
			locals = append(locals, en.local)
		}
	}

	var newest Message
	var sawNew bool
	entries := make([]entry, 0, len(win)+len(locals))
	windowIDs := make(map[string]struct{}, len(win))

	for i := range win {
		m := win[i]
		windowIDs[m.ID] = struct{}{}

		if _, known := v.seen[m.ID]; !known {
			v.seen[m.ID] = struct{}{}

			// Reconcile: a newly observed confirmed entry consumes the first
			// local whose payload matches, exactly once.
			if m.SenderID == e.self.ID {
				locals = consumeMatchingLocal(locals, m)
			}

			// The sole unread/new-message trigger: newer than everything
			// held, authored by someone else.
			if m.SenderID != e.self.ID && m.Timestamp.After(v.latest) {
				if !sawNew || m.Timestamp.After(newest.Timestamp) {
					newest = m
					sawNew = true
				}
			}
		}

		entries = append(entries, entry{confirmed: &win[i]})
	}

	for _, l := range locals {
		entries = append(entries, entry{local: l})
	}
	sortEntries(entries)
	v.entries = entries

	// Drop prepended history that re-entered the window (dedupe), and track
	// the newest confirmed timestamp.
	if len(win) > 0 {
		last := win[len(win)-1].Timestamp
		if last.After(v.latest) {
			v.latest = last
		}
		trimmed := v.older[:0:0]
		for _, m := range v.older {
			if _, dup := windowIDs[m.ID]; !dup {
				trimmed = append(trimmed, m)
			}
		}
		v.older = trimmed
	}

	var merged []Message
	if e.onWindow != nil {
		merged = make([]Message, 0, len(v.older)+len(v.entries))
		merged = append(merged, v.older...)
		for _, en := range v.entries {
			if en.local != nil {
				merged = append(merged, *en.local)
			} else {
				merged = append(merged, *en.confirmed)
			}
		}
	}
	e.mu.Unlock()

	if e.onWindow != nil {
		e.onWindow(conversationID, merged)
	}
	if sawNew && e.onNewMessage != nil {
		// Invoked without the lock to keep side effects reentrant.
		cb, m := e.onNewMessage, newest
		go cb(conversationID, m)
	}
}

// consumeMatchingLocal removes the first local whose payload matches m.
func consumeMatchingLocal(locals []*Message, m Message) []*Message {
	for i, l := range locals {
		if l.Text == m.Text && l.ImageURL == m.ImageURL && l.BuildPayload == m.BuildPayload {
			return append(locals[:i:i], locals[i+1:]...)
		}
	}
	return locals
}

// Messages returns the merged display list: prepended history, the current
// window, and any not-yet-confirmed local entries, ascending by timestamp.
func (e *Engine) Messages(conversationID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.views[conversationID]
	if v == nil {
		return nil
	}

	out := make([]Message, 0, len(v.older)+len(v.entries))
	out = append(out, v.older...)
	for _, en := range v.entries {
		if en.local != nil {
			out = append(out, *en.local)
		} else {
			out = append(out, *en.confirmed)
		}
	}
	return out
}

// LoadOlder fetches one page of history strictly older than the oldest held
// message and prepends it. An empty page sets the exhausted sentinel: the
// conversation is never re-queried this session. A non-contiguous page (a
// timestamp hole against the held view) is discarded rather than rendered.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) ([]Message, error) {
	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return nil, ErrInvalidInput
	}
	if v.exhausted {
		e.mu.Unlock()
		return nil, nil
	}
	before := e.now()
	if len(v.older) > 0 {
		before = v.older[0].Timestamp
	} else {
		for _, en := range v.entries {
			if en.confirmed != nil {
				before = en.confirmed.Timestamp
				break
			}
		}
	}
	cutoff := v.cutoff
	e.mu.Unlock()

	page, err := e.msgs.Before(ctx, conversationID, before, DefaultHistoryPage)
	if err != nil {
		return nil, err
	}

	if !cutoff.IsZero() {
		filtered := page[:0:0]
		for _, m := range page {
			if m.Timestamp.After(cutoff) {
				filtered = append(filtered, m)
			}
		}
		// Everything older than the hide marker stays hidden; reaching it
		// means history is exhausted for this viewer.
		if len(filtered) < len(page) {
			e.setExhausted(conversationID)
		}
		page = filtered
	}

	if len(page) == 0 {
		e.setExhausted(conversationID)
		return nil, nil
	}

	// Contiguity: the page must butt up against the oldest held message.
	for _, m := range page {
		if !m.Timestamp.Before(before) {
			e.log.Warn("engine.history.gap_discarded", "conversation_id", conversationID)
			return nil, nil
		}
	}

	e.mu.Lock()
	if v = e.views[conversationID]; v != nil {
		v.older = append(append([]Message(nil), page...), v.older...)
		for _, m := range page {
			v.seen[m.ID] = struct{}{}
		}
	}
	e.mu.Unlock()

	return page, nil
}

// HasMore reports whether older history may remain for the conversation.
func (e *Engine) HasMore(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[conversationID]
	return v != nil && !v.exhausted
}

func (e *Engine) setExhausted(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v := e.views[conversationID]; v != nil {
		v.exhausted = true
	}
}

// Edit applies an in-window edit to an own message.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, newText string) error {
	return e.msgs.Edit(ctx, conversationID, messageID, e.self.ID, newText, e.now())
}

// Delete hard-deletes an own message.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	return e.msgs.Delete(ctx, conversationID, messageID, e.self.ID)
}

// ToggleReaction toggles the local user's reaction for one emoji.
func (e *Engine) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (bool, error) {
	return e.msgs.ToggleReaction(ctx, conversationID, messageID, emoji, e.self.ID)
}

// Report files a best-effort moderation report for a message.
func (e *Engine) Report(ctx context.Context, conversationID, messageID, reason string) error {
	return e.msgs.Report(ctx, conversationID, messageID, e.self.ID, reason, e.now())
}

// JumpTo resolves a reply-preview jump target. A deleted original degrades
// to ErrNotFound; it never panics and never renders a hole.
func (e *Engine) JumpTo(conversationID, messageID string) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.views[conversationID]
	if v == nil {
		return Message{}, ErrInvalidInput
	}
	for _, m := range v.older {
		if m.ID == messageID {
			return m, nil
		}
	}
	for _, en := range v.entries {
		if en.confirmed != nil && en.confirmed.ID == messageID {
			return *en.confirmed, nil
		}
	}
	return Message{}, ErrNotFound
}

// MarkRead records the conversation as read now. Failures are non-critical
// and must not stall rendering; the caller decides whether to surface them.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.index.MarkRead(ctx, conversationID, e.self.ID, e.now())
}

// Activate marks the conversation as the active view: it is marked read
// immediately and then on a periodic tick, keeping read-state accurate under
// tab switching without relying on an explicit close event.
func (e *Engine) Activate(ctx context.Context, conversationID string) {
	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return
	}
	if v.activeStop != nil {
		v.activeStop()
	}
	tickCtx, stop := context.WithCancel(context.Background())
	v.activeStop = stop
	e.mu.Unlock()

	mark := func() {
		if err := e.MarkRead(ctx, conversationID); err != nil {
			e.log.Warn("engine.mark_read.fail", "conversation_id", conversationID, "err", err)
		}
	}
	mark()

	go func() {
		t := time.NewTicker(MarkReadInterval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-t.C:
				mark()
			}
		}
	}()
}

// Deactivate stops the periodic read refresh for the conversation.
func (e *Engine) Deactivate(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v := e.views[conversationID]; v != nil && v.activeStop != nil {
		v.activeStop()
		v.activeStop = nil
	}
}

// Seen derives the id of the newest own message the other participant has
// read, recomputed from the latest conversation record on every call.
func (e *Engine) Seen(ctx context.Context, conversationID string) (string, bool, error) {
	conv, err := e.index.Get(ctx, conversationID)
	if err != nil {
		return "", false, err
	}
	id, ok := SeenMessageID(e.Messages(conversationID), conv, e.self.ID)
	return id, ok, nil
}

func (e *Engine) removeLocal(conversationID, tempID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[conversationID]
	if v == nil {
		return
	}
	for i, en := range v.entries {
		if en.local != nil && en.local.TempID == tempID {
			v.entries = append(v.entries[:i:i], v.entries[i+1:]...)
			return
		}
	}
}

func (e *Engine) markLocalSent(conversationID, tempID string) {
	e.setLocalStatus(conversationID, tempID, StatusSent)
}

func (e *Engine) markLocalFailed(conversationID, tempID string) {
	e.setLocalStatus(conversationID, tempID, StatusFailed)
}

func (e *Engine) setLocalStatus(conversationID, tempID string, st Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[conversationID]
	if v == nil {
		return
	}
	for _, en := range v.entries {
		if en.local != nil && en.local.TempID == tempID {
			en.local.Status = st
			return
		}
	}
}

func sortEntries(entries []entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].timestamp().Before(entries[j].timestamp())
	})
}
