// Package hub holds the transient real-time state of the server: the live
// connection table, the subscription table, and the event router that fans
// domain events out to interested connections. Everything here is in-memory
// and process-local; after a restart clients rebuild it by reconnecting and
// resubscribing.
package hub

import (
	"fmt"
	"log/slog"
	"time"
)

// Hub ties the connection and subscription registries together so that the
// detach path is a single operation: a connection leaving the registry always
// loses its subscriptions before Detach returns, and the router can never
// resolve a dead connection.
type Hub struct {
	conns *ConnRegistry
	subs  *SubRegistry
	now   func() time.Time
}

// New creates a Hub with empty registries.
func New() *Hub {
	return &Hub{
		conns: NewConnRegistry(),
		subs:  NewSubRegistry(),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// Conns exposes the connection registry for router construction and direct
// per-user lookups.
func (h *Hub) Conns() *ConnRegistry { return h.conns }

// Subs exposes the subscription registry.
func (h *Hub) Subs() *SubRegistry { return h.subs }

// Attach registers a freshly authenticated connection.
func (h *Hub) Attach(c *Conn) error {
	return h.conns.Register(c)
}

// Detach unregisters the connection, purges all of its subscriptions and
// closes its send queue. Every teardown path (client disconnect, protocol
// error, heartbeat timeout) funnels through here. Detaching an unknown id is
// a no-op so racing cleanup paths stay harmless.
func (h *Hub) Detach(id string) *Conn {
	c, err := h.conns.Unregister(id)
	if err != nil {
		return nil
	}
	h.subs.PurgeConnection(id)
	c.Close()
	return c
}

// Subscribe adds a subscription for a live connection. The caller has already
// verified brand membership and entity read access.
func (h *Hub) Subscribe(connID string, key Key, mode Mode) error {
	if _, ok := h.conns.Get(connID); !ok {
		return fmt.Errorf("subscribing %s to %s: %w", connID, key, ErrConnectionNotFound)
	}
	h.subs.Subscribe(connID, key, mode)
	return nil
}

// Unsubscribe removes a subscription; idempotent.
func (h *Hub) Unsubscribe(connID string, key Key) {
	h.subs.Unsubscribe(connID, key)
}

// ReapStale detaches every connection whose last liveness timestamp is older
// than maxIdle. Returns the reaped connections. Runs from a periodic timer
// independent of message traffic.
func (h *Hub) ReapStale(maxIdle time.Duration) []*Conn {
	cutoff := h.now().Add(-maxIdle)

	var reaped []*Conn
	for _, c := range h.conns.Stale(cutoff) {
		if detached := h.Detach(c.ID); detached != nil {
			slog.Info("reaped stale connection",
				"conn_id", c.ID,
				"user_id", c.UserID,
				"brand_id", c.BrandID,
				"last_seen", c.LastSeen())
			reaped = append(reaped, detached)
		}
	}
	return reaped
}
