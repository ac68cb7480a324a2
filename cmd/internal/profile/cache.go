// Package profile resolves user display profiles with a small LRU cache in
// front of the loader, so chat rendering does not point-read the same
// profiles over and over.
package profile

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidInput marks a malformed or missing argument.
	ErrInvalidInput = errors.New("profile: invalid input")

	// ErrNotFound marks an unknown user.
	ErrNotFound = errors.New("profile: not found")
)

// Profile is a user's public display profile.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Loader fetches a profile from the backing source.
type Loader func(ctx context.Context, userID string) (Profile, error)

// DefaultCapacity bounds the cache when no capacity option is given.
const DefaultCapacity = 512

// DefaultTTL bounds how long a cached profile is served before re-loading.
const DefaultTTL = 5 * time.Minute

type cacheEntry struct {
	userID   string
	profile  Profile
	loadedAt time.Time
}

// Cache is a bounded LRU over a Loader. Concurrent lookups of the same cold
// key each invoke the loader; the last write wins. Negative results are not
// cached.
type Cache struct {
	load     Loader
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	order *list.List               // front = most recent
	items map[string]*list.Element // userID -> *cacheEntry element
}

// CacheOption configures a Cache.
type CacheOption func(*Cache) error

// WithCapacity bounds the number of cached profiles.
func WithCapacity(n int) CacheOption {
	return func(c *Cache) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		c.capacity = n
		return nil
	}
}

// WithTTL bounds how long a cached profile is served.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		c.ttl = d
		return nil
	}
}

// WithCacheClock overrides the cache's time source (tests).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

// NewCache constructs a Cache over the given loader.
func NewCache(load Loader, opts ...CacheOption) (*Cache, error) {
	if load == nil {
		return nil, ErrInvalidInput
	}
	c := &Cache{
		load:     load,
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		now:      func() time.Time { return time.Now().UTC() },
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the user's profile, from cache when fresh.
func (c *Cache) Get(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	c.mu.Lock()
	if el, ok := c.items[userID]; ok {
		entry := el.Value.(*cacheEntry)
		if c.now().Sub(entry.loadedAt) < c.ttl {
			c.order.MoveToFront(el)
			p := entry.profile
			c.mu.Unlock()
			return p, nil
		}
		c.order.Remove(el)
		delete(c.items, userID)
	}
	c.mu.Unlock()

	p, err := c.load(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	c.put(userID, p)
	return p, nil
}

// Invalidate drops the cached entry so the next Get re-loads it.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[userID]; ok {
		c.order.Remove(el)
		delete(c.items, userID)
	}
}

// Len returns the number of cached profiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) put(userID string, p Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[userID]; ok {
		entry := el.Value.(*cacheEntry)
		entry.profile = p
		entry.loadedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{userID: userID, profile: p, loadedAt: c.now()})
	c.items[userID] = el

	for len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.items, entry.userID)
	}
}
