package hub

import (
	"fmt"
	"sync"
	"time"
)

// userBrand is the secondary index key for direct per-user pushes.
type userBrand struct {
	userID  string
	brandID string
}

// ConnRegistry tracks every live connection with O(1) lookup by connection id
// and by (user, brand). It holds no transport state and never blocks on I/O.
type ConnRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[userBrand]map[string]*Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		byID:   make(map[string]*Conn),
		byUser: make(map[userBrand]map[string]*Conn),
	}
}

// Register adds a new connection. A duplicate id is an invariant violation.
func (r *ConnRegistry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[c.ID]; exists {
		return fmt.Errorf("registering connection %q: %w", c.ID, ErrDuplicateConnection)
	}

	r.byID[c.ID] = c
	ub := userBrand{c.UserID, c.BrandID}
	if r.byUser[ub] == nil {
		r.byUser[ub] = make(map[string]*Conn)
	}
	r.byUser[ub][c.ID] = c
	return nil
}

// Unregister removes and returns the connection. Cleanup paths may race, so a
// missing id returns ErrConnectionNotFound but is not treated as fatal by
// callers.
func (r *ConnRegistry) Unregister(id string) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("unregistering connection %q: %w", id, ErrConnectionNotFound)
	}

	delete(r.byID, id)
	ub := userBrand{c.UserID, c.BrandID}
	if set := r.byUser[ub]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, ub)
		}
	}
	return c, nil
}

// Get returns the connection with the given id.
func (r *ConnRegistry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// FindByUserAndBrand returns every live connection for the pair. Used to push
// direct notifications to any open session without an explicit subscription.
func (r *ConnRegistry) FindByUserAndBrand(userID, brandID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userBrand{userID, brandID}]
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Stale returns connections whose last liveness timestamp is before cutoff.
func (r *ConnRegistry) Stale(cutoff time.Time) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Conn
	for _, c := range r.byID {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale
}

// Len returns the number of registered connections.
func (r *ConnRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
