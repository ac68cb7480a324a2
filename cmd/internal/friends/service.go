// Package friends manages the friend graph: pending requests and confirmed
// friendships.
package friends

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"nexuspc/cmd/internal/ids"
)

// SendInput describes a new friend request.
type SendInput struct {
	FromID string
	ToID   string
	Now    time.Time
}

// Service manages friend request lifecycle and the confirmed friend graph.
type Service struct {
	log   *slog.Logger
	store Store
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, store: store}, nil
}

// SendRequest creates a pending request from one user to another. Requests
// to self, to an existing friend, or duplicating a pending request in either
// direction are rejected before anything is written.
func (s *Service) SendRequest(ctx context.Context, in SendInput) (Request, error) {
	if s == nil || s.store == nil {
		return Request{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}

	from := strings.TrimSpace(in.FromID)
	to := strings.TrimSpace(in.ToID)
	if from == "" || to == "" {
		return Request{}, ErrInvalidInput
	}
	if from == to {
		return Request{}, ErrSelfRequest
	}

	already, err := s.store.AreFriends(ctx, from, to)
	if err != nil {
		return Request{}, err
	}
	if already {
		return Request{}, ErrAlreadyFriends
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Request{}, err
	}

	r := Request{ID: id, FromID: from, ToID: to, CreatedAt: now}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return Request{}, err
	}

	s.log.Info("friends.request.sent", "from", from, "to", to)
	return r, nil
}

// Accept confirms a pending request. Only the recipient may accept; the
// request is consumed and the friendship recorded in both directions.
func (s *Service) Accept(ctx context.Context, requestID, userID string, now time.Time) error {
	if s == nil || s.store == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.ToID != userID {
		return ErrNotRecipient
	}

	if err := s.store.AddFriendship(ctx, r.FromID, r.ToID, now); err != nil {
		return err
	}
	if err := s.store.DeleteRequest(ctx, requestID); err != nil {
		return err
	}

	s.log.Info("friends.request.accepted", "from", r.FromID, "to", r.ToID)
	return nil
}

// Decline removes a pending request without creating a friendship. Only the
// recipient may decline.
func (s *Service) Decline(ctx context.Context, requestID, userID string) error {
	if s == nil || s.store == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.ToID != userID {
		return ErrNotRecipient
	}
	if err := s.store.DeleteRequest(ctx, requestID); err != nil {
		return err
	}

	s.log.Info("friends.request.declined", "from", r.FromID, "to", r.ToID)
	return nil
}

// Cancel withdraws a pending request. Only the sender may cancel.
func (s *Service) Cancel(ctx context.Context, requestID, userID string) error {
	if s == nil || s.store == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.FromID != userID {
		return ErrNotSender
	}
	return s.store.DeleteRequest(ctx, requestID)
}

// Remove deletes a confirmed friendship in both directions.
func (s *Service) Remove(ctx context.Context, userID, friendID string) error {
	if s == nil || s.store == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" || friendID == "" {
		return ErrInvalidInput
	}
	if err := s.store.RemoveFriendship(ctx, userID, friendID); err != nil {
		return err
	}
	s.log.Info("friends.removed", "user", userID, "friend", friendID)
	return nil
}

// Friends returns userID's confirmed friends, most recent first.
func (s *Service) Friends(ctx context.Context, userID string) ([]Friendship, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	list, err := s.store.Friends(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Since.After(list[j].Since) })
	return list, nil
}

// PendingRequests returns requests addressed to userID, newest first.
func (s *Service) PendingRequests(ctx context.Context, userID string) ([]Request, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	return s.store.IncomingRequests(ctx, userID)
}

// SentRequests returns requests sent by userID, newest first.
func (s *Service) SentRequests(ctx context.Context, userID string) ([]Request, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	return s.store.OutgoingRequests(ctx, userID)
}

// AreFriends reports whether a confirmed edge exists between the two users.
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if s == nil || s.store == nil {
		return false, ErrInvalidInput
	}
	return s.store.AreFriends(ctx, a, b)
}
