package friends

import (
	"context"
	"time"
)

// Request is a pending friend request.
type Request struct {
	ID        string
	FromID    string
	ToID      string
	CreatedAt time.Time
}

// Friendship is one confirmed friend edge as seen from one side.
type Friendship struct {
	UserID   string
	FriendID string
	Since    time.Time
}

// Store is the persistence boundary for the friend graph.
type Store interface {
	// CreateRequest inserts a pending request. A pending request between
	// the same pair, in either direction, fails with ErrRequestExists.
	CreateRequest(ctx context.Context, r Request) error

	// GetRequest returns one pending request by id.
	GetRequest(ctx context.Context, id string) (Request, error)

	// DeleteRequest removes a pending request. Absent ids are not an error.
	DeleteRequest(ctx context.Context, id string) error

	// IncomingRequests returns pending requests addressed to userID,
	// newest first.
	IncomingRequests(ctx context.Context, userID string) ([]Request, error)

	// OutgoingRequests returns pending requests sent by userID, newest
	// first.
	OutgoingRequests(ctx context.Context, userID string) ([]Request, error)

	// AddFriendship records the confirmed edge in both directions.
	AddFriendship(ctx context.Context, a, b string, now time.Time) error

	// RemoveFriendship removes both directions of the edge. Removing an
	// absent edge is a no-op.
	RemoveFriendship(ctx context.Context, a, b string) error

	// AreFriends reports whether a confirmed edge exists.
	AreFriends(ctx context.Context, a, b string) (bool, error)

	// Friends returns userID's confirmed friends.
	Friends(ctx context.Context, userID string) ([]Friendship, error)

	Close() error
}
