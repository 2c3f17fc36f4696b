package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Client is one live WebSocket connection of one user.
//
// Send is never closed by the server: fanout may still be enqueueing when the
// connection goes away. done signals the writer and heartbeat goroutines instead.
type Client struct {
	ConnectionID string
	UserID       string
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &Client{
		ConnectionID: connectionID,
		UserID:       userID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close is idempotent and leaves Send open.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// enqueue is non-blocking: a full queue is backpressure, reported as false.
func (c *Client) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
