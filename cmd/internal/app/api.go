package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"nexuspc/cmd/internal/chat"
	"nexuspc/cmd/internal/friends"
	"nexuspc/cmd/internal/notify"
	"nexuspc/cmd/internal/profile"
)

// registerAPI mounts the JSON REST surface: conversation index, friend
// graph, notification inbox, blocks, reports, presence, and profiles.
// The realtime message flow itself rides the WebSocket.
func registerAPI(mux *http.ServeMux, a *App) {
	// Conversation index.
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		list, err := a.index.Conversations(r.Context(), userID)
		if err != nil {
			writeErr(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("POST /api/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if !readBody(w, r, &body) || body.UserID == "" {
			badRequest(w, "user_id required")
			return
		}
		if err := a.index.MarkRead(r.Context(), r.PathValue("id"), body.UserID, time.Now().UTC()); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/conversations/{id}/hide", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if !readBody(w, r, &body) || body.UserID == "" {
			badRequest(w, "user_id required")
			return
		}
		if err := a.index.HideForViewer(r.Context(), body.UserID, r.PathValue("id"), time.Now().UTC()); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Friend graph.
	mux.HandleFunc("GET /api/friends", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		list, err := a.friends.Friends(r.Context(), userID)
		if err != nil {
			writeErr(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("DELETE /api/friends", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		friendID := r.URL.Query().Get("friend")
		if userID == "" || friendID == "" {
			badRequest(w, "user and friend required")
			return
		}
		if err := a.friends.Remove(r.Context(), userID, friendID); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/friends/requests", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		var (
			list []friends.Request
			err  error
		)
		if r.URL.Query().Get("direction") == "sent" {
			list, err = a.friends.SentRequests(r.Context(), userID)
		} else {
			list, err = a.friends.PendingRequests(r.Context(), userID)
		}
		if err != nil {
			writeErr(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("POST /api/friends/requests", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FromID string `json:"from_id"`
			ToID   string `json:"to_id"`
		}
		if !readBody(w, r, &body) {
			return
		}
		req, err := a.friends.SendRequest(r.Context(), friends.SendInput{FromID: body.FromID, ToID: body.ToID})
		if err != nil {
			writeErr(w, a, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	})

	mux.HandleFunc("POST /api/friends/requests/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if err := a.friends.Accept(r.Context(), r.PathValue("id"), body.UserID, time.Now().UTC()); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/friends/requests/{id}/decline", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if err := a.friends.Decline(r.Context(), r.PathValue("id"), body.UserID); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/friends/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		if err := a.friends.Cancel(r.Context(), r.PathValue("id"), userID); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Notification inbox.
	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Notifications []notify.Notification `json:"notifications"`
			Unread        int                   `json:"unread"`
		}{a.inbox.List(userID), a.inbox.UnreadCount(userID)})
	})

	mux.HandleFunc("POST /api/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if !readBody(w, r, &body) || body.UserID == "" {
			badRequest(w, "user_id required")
			return
		}
		a.inbox.MarkAllRead(body.UserID)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if !readBody(w, r, &body) || body.UserID == "" {
			badRequest(w, "user_id required")
			return
		}
		if err := a.inbox.MarkRead(body.UserID, r.PathValue("id")); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		a.inbox.Delete(userID, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireQuery(w, r, "user")
		if !ok {
			return
		}
		a.inbox.Clear(userID)
		w.WriteHeader(http.StatusNoContent)
	})

	// Blocks.
	mux.HandleFunc("POST /api/blocks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BlockerID string `json:"blocker_id"`
			BlockedID string `json:"blocked_id"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if err := a.store.Block(r.Context(), body.BlockerID, body.BlockedID); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/blocks", func(w http.ResponseWriter, r *http.Request) {
		blocker := r.URL.Query().Get("blocker")
		blocked := r.URL.Query().Get("blocked")
		if blocker == "" || blocked == "" {
			badRequest(w, "blocker and blocked required")
			return
		}
		if err := a.store.Unblock(r.Context(), blocker, blocked); err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Moderation reports.
	mux.HandleFunc("POST /api/reports", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConversationID string `json:"conversation_id"`
			MessageID      string `json:"message_id"`
			ReportedBy     string `json:"reported_by"`
			Reason         string `json:"reason"`
		}
		if !readBody(w, r, &body) {
			return
		}
		err := a.msgs.Report(r.Context(), body.ConversationID, body.MessageID, body.ReportedBy, body.Reason, time.Now().UTC())
		if err != nil {
			writeErr(w, a, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Presence.
	mux.HandleFunc("GET /api/presence/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := a.tracker.Get(r.PathValue("id"))
		if !ok {
			http.Error(w, "unknown user", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	// Profiles.
	mux.HandleFunc("GET /api/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := a.profiles.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		badRequest(w, key+" required")
		return "", false
	}
	return v, true
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func writeErr(w http.ResponseWriter, a *App, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound),
		errors.Is(err, friends.ErrNotFound),
		errors.Is(err, notify.ErrNotFound),
		errors.Is(err, profile.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, friends.ErrInvalidInput),
		errors.Is(err, notify.ErrInvalidInput),
		errors.Is(err, profile.ErrInvalidInput),
		errors.Is(err, friends.ErrSelfRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, friends.ErrAlreadyFriends),
		errors.Is(err, friends.ErrRequestExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, friends.ErrNotRecipient),
		errors.Is(err, friends.ErrNotSender):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		a.log.Error("api.internal", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
