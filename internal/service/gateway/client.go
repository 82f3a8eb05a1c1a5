package gateway

import (
	"sync"
	"time"

	"github.com/zhouzirui/presence-relay/backend/internal/model/presence"
)

// Client is the hub's view of one live connection. The transport drains
// Send and closes the socket once the channel is closed.
type Client struct {
	ID          string
	Username    string
	ConnectedAt time.Time

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	dropped int
}

func newClient(id, username string, buffer int, now time.Time) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:          id,
		Username:    username,
		ConnectedAt: now,
		send:        make(chan []byte, buffer),
	}
}

// Send returns the outbound queue. It is closed when the hub lets go of the
// client.
func (c *Client) Send() <-chan []byte { return c.send }

// Dropped returns how many frames were discarded because the queue was full.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// enqueue never blocks the hub loop; a full queue drops the frame.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped++
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ConnectRequest is what the transport learned from the handshake.
type ConnectRequest struct {
	ConnectionID string
	Username     string
	Info         presence.Info
}
