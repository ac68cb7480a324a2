package friends

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL. The pool is owned by the
// caller; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "nexuspc").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("friends: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "nexuspc"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("friends: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// CreateRequest inserts a pending request. The unique index on the
// normalized pair rejects duplicates in either direction.
func (s *PostgresStore) CreateRequest(ctx context.Context, r Request) error {
	if r.ID == "" || r.FromID == "" || r.ToID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("friend_requests")+` (id, from_id, to_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		r.ID, r.FromID, r.ToID, r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrRequestExists
	}
	return err
}

// GetRequest returns one pending request by id.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	var r Request
	err := s.pool.QueryRow(ctx,
		`SELECT id, from_id, to_id, created_at FROM `+s.table("friend_requests")+` WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.FromID, &r.ToID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

// DeleteRequest removes a pending request. Absent ids are not an error.
func (s *PostgresStore) DeleteRequest(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("friend_requests")+` WHERE id = $1`, id,
	)
	return err
}

// IncomingRequests returns pending requests addressed to userID, newest first.
func (s *PostgresStore) IncomingRequests(ctx context.Context, userID string) ([]Request, error) {
	return s.listRequests(ctx, `to_id`, userID)
}

// OutgoingRequests returns pending requests sent by userID, newest first.
func (s *PostgresStore) OutgoingRequests(ctx context.Context, userID string) ([]Request, error) {
	return s.listRequests(ctx, `from_id`, userID)
}

func (s *PostgresStore) listRequests(ctx context.Context, col, userID string) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, from_id, to_id, created_at FROM `+s.table("friend_requests")+`
		  WHERE `+col+` = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddFriendship records the confirmed edge in both directions.
func (s *PostgresStore) AddFriendship(ctx context.Context, a, b string, now time.Time) error {
	if a == "" || b == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("friendships")+` (user_id, friend_id, since)
		 VALUES ($1, $2, $3), ($2, $1, $3)
		 ON CONFLICT (user_id, friend_id) DO NOTHING`,
		a, b, now,
	)
	return err
}

// RemoveFriendship removes both directions of the edge.
func (s *PostgresStore) RemoveFriendship(ctx context.Context, a, b string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("friendships")+`
		  WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)`,
		a, b,
	)
	return err
}

// AreFriends reports whether a confirmed edge exists.
func (s *PostgresStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("friendships")+` WHERE user_id = $1 AND friend_id = $2)`,
		a, b,
	).Scan(&exists)
	return exists, err
}

// Friends returns userID's confirmed friends.
func (s *PostgresStore) Friends(ctx context.Context, userID string) ([]Friendship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, friend_id, since FROM `+s.table("friendships")+` WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Friendship
	for rows.Next() {
		var f Friendship
		if err := rows.Scan(&f.UserID, &f.FriendID, &f.Since); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
