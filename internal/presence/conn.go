package presence

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live websocket session. The registry owns it from Register until
// Unregister or forced replacement.
type Conn struct {
	ID            string
	UID           int64
	WS            *websocket.Conn
	Out           chan []byte // bounded outbound queue (backpressure)
	EstablishedAt time.Time

	mu     sync.Mutex
	closed bool
}

// Send queues a packet without blocking. A full queue drops the packet and
// reports false; slow consumers must not stall the event path. Send after
// Close is a no-op, a broadcast may race a disconnect.
func (c *Conn) Send(packet []byte) bool {
	if c == nil || packet == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Out <- packet:
		return true
	default:
		return false
	}
}

// Close shuts the outbound queue exactly once. The write loop drains what is
// already queued and then closes the underlying websocket.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Out)
}
