// Package presence tracks user online state and transient typing
// indicators. Both are ephemeral: nothing here touches durable storage.
package presence

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// StaleAfter is how long a heartbeat stays credible. A record older
	// than this reads as offline even if no disconnect was ever observed.
	StaleAfter = 90 * time.Second
)

// Status is one user's presence record.
type Status struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// Tracker maintains heartbeat-driven presence for all connected users.
type Tracker struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	statuses map[string]Status
	watchers map[*Sub]struct{}
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the tracker's time source (tests).
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a Tracker.
func NewTracker(log *slog.Logger, opts ...TrackerOption) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		statuses: make(map[string]Status),
		watchers: make(map[*Sub]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Heartbeat records a liveness signal for the user.
func (t *Tracker) Heartbeat(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	prev := t.statuses[userID]
	t.statuses[userID] = Status{UserID: userID, Online: true, LastSeen: t.now()}
	t.mu.Unlock()

	if !prev.Online {
		t.log.Debug("presence.online", "user_id", userID)
	}
	t.notify()
}

// SetOffline records a clean disconnect, preserving the last-seen time.
func (t *Tracker) SetOffline(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	t.statuses[userID] = Status{UserID: userID, Online: false, LastSeen: t.now()}
	t.mu.Unlock()

	t.log.Debug("presence.offline", "user_id", userID)
	t.notify()
}

// Online reports whether the user currently reads as online: flagged online
// and heartbeated within the staleness window. A crashed client that never
// sent a disconnect decays to offline on its own.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[userID]
	return ok && st.Online && t.now().Sub(st.LastSeen) < StaleAfter
}

// Get returns the user's presence record; LastSeen stays meaningful for
// "last seen at" displays even when offline.
func (t *Tracker) Get(userID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[userID]
	if ok && st.Online && t.now().Sub(st.LastSeen) >= StaleAfter {
		st.Online = false
	}
	return st, ok
}

// Snapshot returns every known presence record with staleness applied.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Status, 0, len(t.statuses))
	for _, st := range t.statuses {
		if st.Online && now.Sub(st.LastSeen) >= StaleAfter {
			st.Online = false
		}
		out = append(out, st)
	}
	return out
}

// Sub is a subscription to presence snapshots. Delivery is latest-wins: a
// slow consumer observes the newest snapshot, never a backlog. C is never
// closed by the Tracker; Close detaches the subscription.
type Sub struct {
	C <-chan []Status

	c         chan []Status
	detach    func()
	closeOnce sync.Once
}

// Close detaches the subscription (idempotent).
func (s *Sub) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(s.detach)
}

// Watch subscribes to presence changes. The current snapshot is delivered
// immediately, then again after every change.
func (t *Tracker) Watch() *Sub {
	sub := &Sub{c: make(chan []Status, 1)}
	sub.C = sub.c
	sub.detach = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.watchers, sub)
	}

	t.mu.Lock()
	t.watchers[sub] = struct{}{}
	t.mu.Unlock()

	pushLatest(sub.c, t.Snapshot())
	return sub
}

func (t *Tracker) notify() {
	t.mu.Lock()
	subs := make([]*Sub, 0, len(t.watchers))
	for sub := range t.watchers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snap := t.Snapshot()
	for _, sub := range subs {
		pushLatest(sub.c, snap)
	}
}

// pushLatest delivers v into a single-slot channel, replacing any stale
// undelivered value.
func pushLatest[T any](c chan T, v T) {
	for {
		select {
		case c <- v:
			return
		default:
		}
		select {
		case <-c:
		default:
		}
	}
}
