package friends

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a Store for tests and single-process deployments.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[string]Request             // id -> request
	edges    map[string]map[string]time.Time // user -> friend -> since
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests: make(map[string]Request),
		edges:    make(map[string]map[string]time.Time),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// CreateRequest inserts a pending request, rejecting duplicates in either
// direction.
func (s *InMemoryStore) CreateRequest(ctx context.Context, r Request) error {
	if r.ID == "" || r.FromID == "" || r.ToID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.requests {
		samePair := (existing.FromID == r.FromID && existing.ToID == r.ToID) ||
			(existing.FromID == r.ToID && existing.ToID == r.FromID)
		if samePair {
			return ErrRequestExists
		}
	}
	s.requests[r.ID] = r
	return nil
}

// GetRequest returns one pending request by id.
func (s *InMemoryStore) GetRequest(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

// DeleteRequest removes a pending request. Absent ids are not an error.
func (s *InMemoryStore) DeleteRequest(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// IncomingRequests returns pending requests addressed to userID, newest first.
func (s *InMemoryStore) IncomingRequests(ctx context.Context, userID string) ([]Request, error) {
	return s.listRequests(ctx, func(r Request) bool { return r.ToID == userID })
}

// OutgoingRequests returns pending requests sent by userID, newest first.
func (s *InMemoryStore) OutgoingRequests(ctx context.Context, userID string) ([]Request, error) {
	return s.listRequests(ctx, func(r Request) bool { return r.FromID == userID })
}

func (s *InMemoryStore) listRequests(ctx context.Context, keep func(Request) bool) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AddFriendship records the confirmed edge in both directions.
func (s *InMemoryStore) AddFriendship(ctx context.Context, a, b string, now time.Time) error {
	if a == "" || b == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdge(a, b, now)
	s.addEdge(b, a, now)
	return nil
}

func (s *InMemoryStore) addEdge(from, to string, since time.Time) {
	if s.edges[from] == nil {
		s.edges[from] = make(map[string]time.Time)
	}
	s.edges[from][to] = since
}

// RemoveFriendship removes both directions of the edge.
func (s *InMemoryStore) RemoveFriendship(ctx context.Context, a, b string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges[a], b)
	delete(s.edges[b], a)
	return nil
}

// AreFriends reports whether a confirmed edge exists.
func (s *InMemoryStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.edges[a][b]
	return ok, nil
}

// Friends returns userID's confirmed friends.
func (s *InMemoryStore) Friends(ctx context.Context, userID string) ([]Friendship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Friendship
	for friendID, since := range s.edges[userID] {
		out = append(out, Friendship{UserID: userID, FriendID: friendID, Since: since})
	}
	return out, nil
}
