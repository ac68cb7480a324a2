package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"nexuspc/cmd/internal/chat"
	"nexuspc/cmd/internal/presence"
	v1 "nexuspc/shared/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "nexuspc.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxFrameBytes = 256 << 10 // build payloads ride in message frames

	wsDefaultHeartbeatEvery   = 30 * time.Second
	wsDefaultHeartbeatTimeout = 10 * time.Second
	wsMaxPingFailures         = 3

	wsDefaultRateEvents = 60
	wsDefaultRateWindow = 10 * time.Second

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for NexusPC chat.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and hosts one chat.Engine per authenticated session: the
// engine owns the conversation view, the gateway translates between
// envelopes and engine calls.
type WSGateway struct {
	log        *slog.Logger
	msgs       *chat.Log
	index      *chat.Index
	store      chat.Store
	tracker    *presence.Tracker
	typing     *presence.TypingBroadcaster
	dispatcher chat.ReplyDispatcher

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	namesMu sync.Mutex
	names   map[string]string // userID -> display name, bound at hello
}

// NewWSGateway constructs a gateway with secure defaults. When store or
// collaborators are nil, in-memory implementations are used for dev.
func NewWSGateway(log *slog.Logger, msgs *chat.Log, index *chat.Index, store chat.Store, tracker *presence.Tracker, typing *presence.TypingBroadcaster, dispatcher chat.ReplyDispatcher) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if store == nil {
		store = chat.NewInMemoryStore()
	}
	if msgs == nil {
		var err error
		msgs, err = chat.NewLog(log, store)
		if err != nil {
			return nil, err
		}
	}
	if index == nil {
		var err error
		index, err = chat.NewIndex(log, store)
		if err != nil {
			return nil, err
		}
	}
	if tracker == nil {
		tracker = presence.NewTracker(log)
	}
	if typing == nil {
		typing = presence.NewTypingBroadcaster(log)
	}

	g := &WSGateway{
		log:        log,
		msgs:       msgs,
		index:      index,
		store:      store,
		tracker:    tracker,
		typing:     typing,
		dispatcher: dispatcher,
		names:      make(map[string]string),
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("NEXUS_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("NEXUS_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("NEXUS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns. The patterns are derived from
	// the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("NEXUS_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("NEXUS_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("NEXUS_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("NEXUS_WS_HEARTBEAT_INTERVAL", wsDefaultHeartbeatEvery)
	g.heartbeatTimeout = envDurationWS("NEXUS_WS_HEARTBEAT_TIMEOUT", wsDefaultHeartbeatTimeout)

	g.rateEvents = envIntWS("NEXUS_WS_RATE_EVENTS", wsDefaultRateEvents)
	g.rateWindow = envDurationWS("NEXUS_WS_RATE_WINDOW", wsDefaultRateWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state bound between hello and teardown.
type session struct {
	client *Client
	engine *chat.Engine

	joinedConv string
	joinedPeer string

	typingStop   context.CancelFunc
	presenceStop context.CancelFunc
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(wsMaxFrameBytes)

	sessionID := NewRandomHex(10)
	client := NewClient(sessionID, g.sendQueueSize)
	sess := &session{client: client}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: producers may
	// still be racing, and Done gates them.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.leaveConversation(sess)
			if sess.engine != nil {
				sess.engine.Close()
			}
			if id := client.UserID(); id != "" {
				g.tracker.SetOffline(id)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	limiter := rate.NewLimiter(rate.Every(g.rateWindow/time.Duration(g.rateEvents)), g.rateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				if id := client.UserID(); id != "" {
					g.tracker.Heartbeat(id)
				}
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !limiter.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		// Any frame is a liveness signal once the session is bound.
		if id := client.UserID(); id != "" {
			g.tracker.Heartbeat(id)
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationJoin:
			if sess.engine == nil {
				g.trySendError(ctx, client, "not_greeted", "hello first")
				continue readLoop
			}
			if err := g.onJoin(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

		case v1.TypeMessageSend:
			if sess.joinedConv == "" {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, sendErrCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageEdit:
			if sess.joinedConv == "" {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageEdit(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, editErrCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageDelete:
			if sess.joinedConv == "" {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageDelete(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, editErrCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeReactionToggle:
			if sess.joinedConv == "" {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onReactionToggle(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "reaction_failed", err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if sess.joinedConv == "" {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, sess); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
				continue readLoop
			}

		case v1.TypeMarkRead:
			if sess.joinedConv == "" {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := sess.engine.MarkRead(ctx, sess.joinedConv); err != nil {
				g.log.Warn("ws.mark_read.fail", "session_id", sessionID, "err", err)
			}

		case v1.TypeTypingSet:
			if sess.joinedConv == "" {
				continue readLoop
			}
			g.onTypingSet(sess, env)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	if sess.engine != nil {
		return errors.New("already greeted")
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return errors.New("missing user_id")
	}

	client := sess.client
	eng, err := chat.NewEngine(
		g.log,
		chat.Identity{ID: userID, Name: p.DisplayName},
		g.msgs, g.index, g.store,
		chat.WithDispatcher(g.dispatcher),
		chat.WithWindowHook(func(conversationID string, msgs []chat.Message) {
			g.pushWindow(ctx, client, conversationID, msgs)
		}),
	)
	if err != nil {
		return err
	}

	sess.engine = eng
	client.BindIdentity(userID, p.DisplayName)
	g.setName(userID, p.DisplayName)
	g.tracker.Heartbeat(userID)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, "", ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello.ack")
	}

	g.log.Info("ws.session.bound", "session_id", client.SessionID, "user_id", userID)
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	var class chat.Class
	switch p.Kind {
	case "global":
		class = chat.ClassGlobal
	case "direct":
		class = chat.ClassDirect
	default:
		return fmt.Errorf("unknown kind: %q", p.Kind)
	}

	convID, err := sess.engine.Open(ctx, class, p.PeerID)
	if err != nil {
		return err
	}

	// Membership stability: leave the old conversation before switching.
	if sess.joinedConv != "" && sess.joinedConv != convID {
		g.leaveConversation(sess)
	}
	sess.joinedConv = convID
	sess.joinedPeer = p.PeerID

	sess.engine.Activate(ctx, convID)
	g.startTypingForward(ctx, sess, convID)
	if class == chat.ClassDirect {
		g.startPresenceForward(ctx, sess, p.PeerID)
	}

	echoPayload, _ := json.Marshal(v1.ConversationJoinPayload{Kind: p.Kind, PeerID: p.PeerID})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeConversationJoin, convID, echoPayload, time.Now().UTC())) {
		g.leaveConversation(sess)
		return errors.New("backpressure: join echo")
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	var replyTo *chat.ReplyRef
	if p.ReplyTo != nil {
		replyTo = &chat.ReplyRef{
			MessageID:  p.ReplyTo.MessageID,
			Text:       p.ReplyTo.Text,
			SenderID:   p.ReplyTo.SenderID,
			SenderName: p.ReplyTo.SenderName,
		}
	}

	msg, err := sess.engine.Send(ctx, sess.joinedConv, strings.TrimSpace(p.Text), chat.SendOptions{
		ReplyTo:      replyTo,
		ImageURL:     p.ImageURL,
		BuildPayload: p.BuildPayload,
	})
	if err != nil {
		return err
	}

	g.typing.Clear(sess.joinedConv, sess.client.UserID())

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		TempID:       p.TempID,
		MessageID:    msg.ID,
		ServerTS:     msg.Timestamp,
		Conversation: sess.joinedConv,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeMessageAck, sess.joinedConv, ackPayload, msg.Timestamp)) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *WSGateway) onMessageEdit(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" || strings.TrimSpace(p.NewText) == "" {
		return chat.ErrInvalidInput
	}
	return sess.engine.Edit(ctx, sess.joinedConv, p.MessageID, p.NewText)
}

func (g *WSGateway) onMessageDelete(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return chat.ErrInvalidInput
	}
	return sess.engine.Delete(ctx, sess.joinedConv, p.MessageID)
}

func (g *WSGateway) onReactionToggle(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ReactionTogglePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	_, err := sess.engine.ToggleReaction(ctx, sess.joinedConv, p.MessageID, p.Emoji)
	return err
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, sess *session) error {
	page, err := sess.engine.LoadOlder(ctx, sess.joinedConv)
	if err != nil {
		return err
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		Conversation: sess.joinedConv,
		Messages:     wireMessages(page),
		HasMore:      sess.engine.HasMore(sess.joinedConv),
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeHistoryChunk, sess.joinedConv, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (g *WSGateway) onTypingSet(sess *session, env v1.Envelope) {
	var p v1.TypingSetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.IsTyping {
		g.typing.Keystroke(sess.joinedConv, sess.client.UserID())
	} else {
		g.typing.Clear(sess.joinedConv, sess.client.UserID())
	}
}

// ---- forwarders ----

// pushWindow translates a reconciled engine view into a window envelope.
func (g *WSGateway) pushWindow(ctx context.Context, client *Client, conversationID string, msgs []chat.Message) {
	payload, err := json.Marshal(v1.WindowPayload{
		Conversation: conversationID,
		Messages:     wireMessages(msgs),
	})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeWindow, conversationID, payload, time.Now().UTC()))
}

func (g *WSGateway) startTypingForward(ctx context.Context, sess *session, conversationID string) {
	sub := g.typing.Watch(conversationID, sess.client.UserID())
	fwdCtx, stop := context.WithCancel(context.Background())
	sess.typingStop = func() {
		stop()
		sub.Close()
	}

	client := sess.client
	go func() {
		for {
			select {
			case <-fwdCtx.Done():
				return
			case <-client.Done():
				return
			case states := <-sub.C:
				users := make([]v1.TypingUserPayload, 0, len(states))
				for _, st := range states {
					if st.UserID == client.UserID() {
						continue
					}
					users = append(users, v1.TypingUserPayload{
						UserID:      st.UserID,
						DisplayName: g.displayName(st.UserID),
					})
				}
				payload, _ := json.Marshal(v1.TypingStatePayload{Conversation: conversationID, Users: users})
				_ = g.enqueue(ctx, client, newEnvelope(v1.TypeTypingState, conversationID, payload, time.Now().UTC()))
			}
		}
	}()
}

func (g *WSGateway) startPresenceForward(ctx context.Context, sess *session, peerID string) {
	sub := g.tracker.Watch()
	fwdCtx, stop := context.WithCancel(context.Background())
	sess.presenceStop = func() {
		stop()
		sub.Close()
	}

	client := sess.client
	go func() {
		for {
			select {
			case <-fwdCtx.Done():
				return
			case <-client.Done():
				return
			case snap := <-sub.C:
				for _, st := range snap {
					if st.UserID != peerID {
						continue
					}
					payload, _ := json.Marshal(v1.PresenceStatePayload{
						UserID:     st.UserID,
						IsOnline:   st.Online,
						LastOnline: st.LastSeen,
					})
					_ = g.enqueue(ctx, client, newEnvelope(v1.TypePresenceState, "", payload, time.Now().UTC()))
				}
			}
		}
	}()
}

func (g *WSGateway) leaveConversation(sess *session) {
	if sess.typingStop != nil {
		sess.typingStop()
		sess.typingStop = nil
	}
	if sess.presenceStop != nil {
		sess.presenceStop()
		sess.presenceStop = nil
	}
	if sess.joinedConv != "" && sess.engine != nil {
		if id := sess.client.UserID(); id != "" {
			g.typing.Clear(sess.joinedConv, id)
		}
		sess.engine.Deactivate(sess.joinedConv)
		sess.engine.CloseConversation(sess.joinedConv)
	}
	sess.joinedConv = ""
	sess.joinedPeer = ""
}

// ---- name registry ----

func (g *WSGateway) setName(userID, name string) {
	if name == "" {
		return
	}
	g.namesMu.Lock()
	g.names[userID] = name
	g.namesMu.Unlock()
}

func (g *WSGateway) displayName(userID string) string {
	g.namesMu.Lock()
	defer g.namesMu.Unlock()
	if name, ok := g.names[userID]; ok {
		return name
	}
	return userID
}

// ---- send helpers ----

func sendErrCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrBlocked):
		return "blocked"
	case errors.Is(err, chat.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, chat.ErrInvalidInput):
		return "bad_payload"
	default:
		return "send_failed"
	}
}

func editErrCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrEditTooOld):
		return "edit_too_old"
	case errors.Is(err, chat.ErrEditUnauthorized):
		return "unauthorized"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrInvalidInput):
		return "bad_payload"
	default:
		return "edit_failed"
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, "", p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func wireMessages(msgs []chat.Message) []v1.WireMessage {
	out := make([]v1.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := v1.WireMessage{
			ID:           m.ID,
			SenderID:     m.SenderID,
			Text:         m.Text,
			ImageURL:     m.ImageURL,
			BuildPayload: m.BuildPayload,
			Timestamp:    m.Timestamp,
			Reactions:    m.Reactions,
			Edited:       m.Edited,
		}
		if wm.ID == "" {
			// Optimistic entries ride with the temp id until confirmed.
			wm.ID = m.TempID
		}
		if m.ReplyTo != nil {
			wm.ReplyTo = &v1.ReplyRefPayload{
				MessageID:  m.ReplyTo.MessageID,
				Text:       m.ReplyTo.Text,
				SenderID:   m.ReplyTo.SenderID,
				SenderName: m.ReplyTo.SenderName,
			}
		}
		out = append(out, wm)
	}
	return out
}

func newEnvelope(typ, convID string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		ConvID:  convID,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Only hosts extracted from the allowlist are
	// accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
