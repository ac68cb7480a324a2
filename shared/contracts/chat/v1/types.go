// Package v1 defines the NexusPC Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin joins a conversation (client -> server).
	TypeConversationJoin = "conversation_join"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageEdit requests an in-window text edit (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete requests a hard delete of an own message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeReactionToggle toggles one emoji reaction on a message (client -> server).
	TypeReactionToggle = "reaction_toggle"

	// TypeWindow pushes the full ordered message window (server -> client).
	TypeWindow = "window"
	// TypeHistoryFetch requests a page strictly older than a timestamp (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a history page (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeMarkRead marks the joined conversation read (client -> server).
	TypeMarkRead = "mark_read"
	// TypeTypingSet sets the sender's typing flag (client -> server).
	TypeTypingSet = "typing_set"
	// TypeTypingState pushes the conversation's typing users (server -> client).
	TypeTypingState = "typing_state"
	// TypePresenceState pushes a user's presence record (server -> client).
	TypePresenceState = "presence_state"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageEdit,
		TypeMessageDelete,
		TypeReactionToggle,
		TypeWindow,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeMarkRead,
		TypeTypingSet,
		TypeTypingState,
		TypePresenceState,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationJoinPayload requests membership in a conversation.
// Kind is "global" or "direct"; for direct joins PeerID identifies the
// other participant and the conversation id is derived server-side.
type ConversationJoinPayload struct {
	Kind   string `json:"kind"`
	PeerID string `json:"peer_id,omitempty"`
}

// ReplyRefPayload is a denormalized snapshot of the replied-to message.
type ReplyRefPayload struct {
	MessageID  string `json:"message_id"`
	Text       string `json:"text"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

// MessageSendPayload requests sending a message into the joined conversation.
type MessageSendPayload struct {
	TempID       string           `json:"temp_id"`
	Text         string           `json:"text,omitempty"`
	ImageURL     string           `json:"image_url,omitempty"`
	BuildPayload string           `json:"build_payload,omitempty"`
	ReplyTo      *ReplyRefPayload `json:"reply_to,omitempty"`
}

// MessageAckPayload acknowledges a send request with the canonical server id.
type MessageAckPayload struct {
	TempID      string    `json:"temp_id"`
	MessageID   string    `json:"message_id"`
	ServerTS    time.Time `json:"server_ts"`
	Conversation string   `json:"conversation_id"`
}

// MessageEditPayload requests a text edit within the edit window.
type MessageEditPayload struct {
	MessageID string `json:"message_id"`
	NewText   string `json:"new_text"`
}

// MessageDeletePayload requests a hard delete.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// ReactionTogglePayload toggles one emoji reaction for the session user.
type ReactionTogglePayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// WireMessage is the canonical message representation on the wire.
type WireMessage struct {
	ID           string              `json:"id"`
	SenderID     string              `json:"sender_id"`
	Text         string              `json:"text,omitempty"`
	ImageURL     string              `json:"image_url,omitempty"`
	BuildPayload string              `json:"build_payload,omitempty"`
	Timestamp    time.Time           `json:"ts"`
	ReplyTo      *ReplyRefPayload    `json:"reply_to,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
	Edited       bool                `json:"edited,omitempty"`
}

// WindowPayload carries the full ordered window after any change.
type WindowPayload struct {
	Conversation string        `json:"conversation_id"`
	Messages     []WireMessage `json:"messages"`
}

// HistoryFetchPayload requests a page strictly older than Before.
type HistoryFetchPayload struct {
	Before time.Time `json:"before"`
	Limit  int       `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	Conversation string        `json:"conversation_id"`
	Messages     []WireMessage `json:"messages"`
	HasMore      bool          `json:"has_more"`
}

// MarkReadPayload marks the joined conversation read for the session user.
type MarkReadPayload struct{}

// TypingSetPayload sets the typing flag for the session user.
type TypingSetPayload struct {
	IsTyping bool `json:"is_typing"`
}

// TypingUserPayload is one typing entry in a typing state push.
type TypingUserPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// TypingStatePayload pushes everyone currently typing in the conversation.
type TypingStatePayload struct {
	Conversation string              `json:"conversation_id"`
	Users        []TypingUserPayload `json:"users"`
}

// PresenceStatePayload pushes a user's presence record.
type PresenceStatePayload struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastOnline time.Time `json:"last_online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
