package hub

import (
	"sync"
	"time"
)

// Outbound is a serialized wire message queued for delivery on a connection.
// Critical messages (errors, connection lifecycle) are never evicted when the
// queue is full; regular event pushes are best-effort.
type Outbound struct {
	Data     []byte
	Critical bool
}

// Conn is one authenticated persistent channel between a client and the
// server. A Conn belongs to exactly one user and one brand for its lifetime.
// The transport (read/write pumps) lives in the ws package; Conn only owns
// identity, liveness and the bounded send queue.
type Conn struct {
	ID        string
	UserID    string
	BrandID   string
	CreatedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	queue    []Outbound
	limit    int
	wake     chan struct{}
	closed   bool
}

// NewConn creates a connection with a bounded send queue.
func NewConn(id, userID, brandID string, queueSize int, now time.Time) *Conn {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Conn{
		ID:        id,
		UserID:    userID,
		BrandID:   brandID,
		CreatedAt: now,
		lastSeen:  now,
		limit:     queueSize,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue appends a message to the send queue and wakes the writer.
// When the queue is full the oldest non-critical message is evicted to make
// room; if every queued message is critical, a non-critical newcomer is
// dropped instead. Critical messages are always accepted.
// Returns false if the message was dropped or the connection is closed.
func (c *Conn) Enqueue(data []byte, critical bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if len(c.queue) >= c.limit {
		evicted := false
		for i, m := range c.queue {
			if !m.Critical {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && !critical {
			c.mu.Unlock()
			return false
		}
	}

	c.queue = append(c.queue, Outbound{Data: data, Critical: critical})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Next pops the oldest queued message. Returns false when the queue is empty.
func (c *Conn) Next() (Outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return Outbound{}, false
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m, true
}

// Wake returns the channel signalled whenever a message is enqueued or the
// connection is closed. The write pump selects on it.
func (c *Conn) Wake() <-chan struct{} {
	return c.wake
}

// Close marks the connection closed and wakes the writer so it can exit.
// Messages already queued stay readable through Next: the write pump drains
// them (error replies in particular) before sending its close frame.
// Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Touch refreshes the liveness timestamp. Called on every pong.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// LastSeen returns the last liveness timestamp.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// QueueLen returns the number of queued messages.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
