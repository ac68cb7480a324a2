// Package realtime contains the WebSocket gateway that fronts the chat
// engine for remote clients.
package realtime

import (
	"sync"

	v1 "nexuspc/shared/contracts/chat/v1"
)

// Client is one connected WebSocket session.
//
// Send is a bounded queue drained by the session's writer goroutine. The
// gateway never closes Send; producers drop on backpressure instead of
// blocking, and Done signals teardown.
type Client struct {
	SessionID string

	Send chan v1.Envelope

	// Identity is bound once by the hello handshake. The heartbeat and
	// forwarder goroutines read it concurrently with the read loop, so
	// access goes through the mutex.
	mu          sync.Mutex
	userID      string
	displayName string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, queueSize),
		done:      make(chan struct{}),
	}
}

// BindIdentity records the hello identity.
func (c *Client) BindIdentity(userID, displayName string) {
	c.mu.Lock()
	c.userID = userID
	c.displayName = displayName
	c.mu.Unlock()
}

// UserID returns the bound user id, empty before hello.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// DisplayName returns the bound display name, empty before hello.
func (c *Client) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// Done is closed when the session is torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals teardown (idempotent). Send stays open so racing producers
// never panic.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
