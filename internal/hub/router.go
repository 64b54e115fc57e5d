package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Event is one domain mutation to be fanned out to live connections.
// Recipients optionally targets users directly (by their open sessions in the
// event's brand) in addition to subscription-based resolution.
type Event struct {
	BrandID    string
	EntityType string
	EntityID   string
	Kind       string
	Payload    json.RawMessage
	Recipients []string
}

// eventMessage is the wire shape pushed for matched subscriptions.
type eventMessage struct {
	Op         string          `json:"op"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ts         time.Time       `json:"ts"`
}

// Router translates one domain event into wire messages on the send queues of
// every interested live connection. It never blocks on a slow connection: a
// full queue evicts its oldest non-critical message instead of exerting
// backpressure on the caller.
type Router struct {
	conns *ConnRegistry
	subs  *SubRegistry
	now   func() time.Time
}

// NewRouter creates a Router over the given registries.
func NewRouter(conns *ConnRegistry, subs *SubRegistry) *Router {
	return &Router{conns: conns, subs: subs, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Route resolves the event to its candidate connections, verifies each
// candidate's brand, and enqueues one shared serialized payload per match.
// Returns the number of connections the message was enqueued on.
//
// Candidates are the union of the entity-scoped key, the brand-wide key, and
// any open session of an explicit recipient. A candidate whose stored brand
// differs from the event's brand is silently dropped: stale or forged
// subscriptions must never leak events across tenants.
func (r *Router) Route(ev Event) (int, error) {
	targets := make(map[string]*Conn)

	for id, mode := range r.subs.Resolve(Key{ev.EntityType, ev.EntityID}) {
		if !mode.Matches(ev.Kind) {
			continue
		}
		if c, ok := r.conns.Get(id); ok {
			targets[id] = c
		}
	}
	for id, mode := range r.subs.Resolve(BrandKey(ev.BrandID)) {
		if !mode.Matches(ev.Kind) {
			continue
		}
		if c, ok := r.conns.Get(id); ok {
			targets[id] = c
		}
	}
	for _, userID := range ev.Recipients {
		for _, c := range r.conns.FindByUserAndBrand(userID, ev.BrandID) {
			targets[c.ID] = c
		}
	}

	if len(targets) == 0 {
		return 0, nil
	}

	// Serialize once, share the bytes across every recipient queue.
	data, err := json.Marshal(eventMessage{
		Op:         "event",
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		Ts:         r.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("serializing event %s %s: %w", ev.Kind, ev.EntityID, err)
	}

	delivered := 0
	for _, c := range targets {
		if c.BrandID != ev.BrandID {
			slog.Debug("dropping cross-brand candidate",
				"conn_id", c.ID,
				"conn_brand", c.BrandID,
				"event_brand", ev.BrandID)
			continue
		}
		if c.Enqueue(data, false) {
			delivered++
		}
	}
	return delivered, nil
}
