package hub

import (
	"strings"
	"sync"
)

// Key identifies what a subscription covers: a specific entity ("task:123")
// or every event in a brand (the brand-wide key). Resolution never cascades
// between the two; routing resolves both keys and unions the results.
type Key struct {
	EntityType string
	EntityID   string
}

// BrandKey returns the brand-wide wildcard key.
func BrandKey(brandID string) Key {
	return Key{EntityType: "brand", EntityID: brandID}
}

func (k Key) String() string {
	return k.EntityType + ":" + k.EntityID
}

// Mode narrows which event kinds a subscription receives. ModeAll matches
// everything; any other value matches event kinds whose category (the part
// before the first dot, e.g. "comment" in "comment.created") equals the mode.
type Mode string

// ModeAll receives every event kind for the subscribed key.
const ModeAll Mode = "all"

// Matches reports whether an event kind passes this subscription mode.
func (m Mode) Matches(kind string) bool {
	if m == "" || m == ModeAll {
		return true
	}
	category, _, _ := strings.Cut(kind, ".")
	return string(m) == category
}

// SubRegistry maintains the many-to-many mapping between subscription keys
// and connections. It performs no authorization: callers prove brand
// membership and entity read access before subscribing.
//
// A forward index (key → conn ids) serves resolution; a reverse index
// (conn id → keys) makes PurgeConnection O(k) in that connection's
// subscription count.
type SubRegistry struct {
	mu     sync.RWMutex
	byKey  map[Key]map[string]Mode
	byConn map[string]map[Key]struct{}
}

// NewSubRegistry creates an empty registry.
func NewSubRegistry() *SubRegistry {
	return &SubRegistry{
		byKey:  make(map[Key]map[string]Mode),
		byConn: make(map[string]map[Key]struct{}),
	}
}

// Subscribe adds the mapping. Re-subscribing the same (connection, key) is a
// no-op apart from updating the mode.
func (s *SubRegistry) Subscribe(connID string, key Key, mode Mode) {
	if mode == "" {
		mode = ModeAll
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byKey[key] == nil {
		s.byKey[key] = make(map[string]Mode)
	}
	s.byKey[key][connID] = mode

	if s.byConn[connID] == nil {
		s.byConn[connID] = make(map[Key]struct{})
	}
	s.byConn[connID][key] = struct{}{}
}

// Unsubscribe removes the mapping; idempotent if absent.
func (s *SubRegistry) Unsubscribe(connID string, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set := s.byKey[key]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.byKey, key)
		}
	}
	if keys := s.byConn[connID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byConn, connID)
		}
	}
}

// Resolve returns a snapshot of the connection ids subscribed to exactly this
// key, with their modes. The copy means concurrent mutation never corrupts an
// in-flight routing pass.
func (s *SubRegistry) Resolve(key Key) map[string]Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byKey[key]
	out := make(map[string]Mode, len(set))
	for id, mode := range set {
		out[id] = mode
	}
	return out
}

// PurgeConnection removes every mapping owned by the connection. Called from
// the connection-unregister path.
func (s *SubRegistry) PurgeConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.byConn[connID] {
		if set := s.byKey[key]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(s.byKey, key)
			}
		}
	}
	delete(s.byConn, connID)
}

// Keys returns the keys the connection currently holds.
func (s *SubRegistry) Keys(connID string) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.byConn[connID]))
	for k := range s.byConn[connID] {
		keys = append(keys, k)
	}
	return keys
}
