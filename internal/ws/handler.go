// Package ws carries the client-facing WebSocket surface: the authenticated
// connect handshake, the per-connection read/write pumps, and the typed
// message dispatch table.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kolapsis/beacon/internal/auth"
	"github.com/kolapsis/beacon/internal/config"
	"github.com/kolapsis/beacon/internal/hub"
	"github.com/kolapsis/beacon/internal/store"
)

// Authorizer answers the permission questions the handshake and subscribe
// paths need. Entity-level ACLs live with the CRUD layer; beacon checks what
// it can see.
type Authorizer interface {
	IsMember(userID, brandID string) (bool, error)
	CanReadEntity(userID, brandID, entityType, entityID string) (bool, error)
}

// MembershipAuthorizer authorizes on active brand membership alone. Entity
// read access follows membership until a finer-grained permission service is
// wired in.
type MembershipAuthorizer struct {
	store store.Store
}

// NewMembershipAuthorizer wraps the store's membership lookups.
func NewMembershipAuthorizer(st store.Store) *MembershipAuthorizer {
	return &MembershipAuthorizer{store: st}
}

func (a *MembershipAuthorizer) IsMember(userID, brandID string) (bool, error) {
	return a.store.IsMember(userID, brandID)
}

func (a *MembershipAuthorizer) CanReadEntity(userID, brandID, _, _ string) (bool, error) {
	return a.store.IsMember(userID, brandID)
}

// opHandler processes one inbound op for a session. Adding a message kind
// means adding a table entry, not growing a switch.
type opHandler func(s *session, msg inbound) error

// Handler upgrades HTTP requests into registered hub connections.
type Handler struct {
	hub      *hub.Hub
	verifier auth.Verifier
	authz    Authorizer
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	handlers map[string]opHandler
	now      func() time.Time
}

// NewHandler creates the WebSocket handler.
func NewHandler(h *hub.Hub, verifier auth.Verifier, authz Authorizer, cfg config.WebSocketConfig) *Handler {
	handler := &Handler{
		hub:      h,
		verifier: verifier,
		authz:    authz,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the CORS layer in front of
			// the upgrade; token auth is what gates the connection.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
	handler.handlers = map[string]opHandler{
		"subscribe":   (*session).handleSubscribe,
		"unsubscribe": (*session).handleUnsubscribe,
		"pong":        (*session).handlePong,
	}
	return handler
}

// SetClock overrides the time source. Test hook.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// maxIdle is how long a connection may go without a pong before the reaper
// detaches it.
func (h *Handler) maxIdle() time.Duration {
	return time.Duration(h.cfg.MissedPings) * h.cfg.PingInterval
}

// ServeHTTP performs the connect handshake: verify the token, confirm active
// brand membership, upgrade, and register the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	brandID := r.URL.Query().Get("brand")

	claims, err := h.verifier.Verify(token)
	if err != nil {
		reason := ReasonInvalidToken
		if errors.Is(err, auth.ErrInactiveUser) {
			reason = ReasonInactiveUser
		}
		rejectHandshake(w, http.StatusUnauthorized, reason)
		return
	}

	member, err := h.authz.IsMember(claims.UserID, brandID)
	if err != nil {
		slog.Error("membership check failed", "user_id", claims.UserID, "brand_id", brandID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !member {
		rejectHandshake(w, http.StatusForbidden, ReasonNoBrandAccess)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := hub.NewConn(uuid.NewString(), claims.UserID, brandID, h.cfg.SendQueueSize, h.now())
	if err := h.hub.Attach(conn); err != nil {
		// Duplicate UUID: a process-level bug, not a client problem.
		slog.Error("attaching connection", "conn_id", conn.ID, "error", err)
		_ = sock.Close()
		return
	}

	slog.Info("connection established",
		"conn_id", conn.ID,
		"user_id", claims.UserID,
		"brand_id", brandID)

	conn.Enqueue(marshalConnected(conn.ID), true)

	s := &session{handler: h, conn: conn, sock: sock}
	go s.writePump()
	s.readPump()
}

// RunReaper periodically detaches connections that missed their heartbeats.
// The same cleanup path as an explicit disconnect.
func (h *Handler) RunReaper(done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.hub.ReapStale(h.maxIdle())
		}
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(header, "Bearer "); found {
		return token
	}
	return ""
}

func rejectHandshake(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(marshalError(reason))
}

// session binds a hub connection to its socket for the lifetime of the
// connection.
type session struct {
	handler *Handler
	conn    *hub.Conn
	sock    *websocket.Conn
}

// readPump consumes client messages until the socket closes, a protocol
// error occurs, or the read deadline (tied to the heartbeat window) expires.
// Teardown always funnels through hub.Detach.
func (s *session) readPump() {
	// The write pump owns the socket close: Detach wakes it, it drains the
	// remaining queue (error replies included), sends the close frame and
	// closes the socket.
	defer func() {
		s.handler.hub.Detach(s.conn.ID)
		slog.Info("connection closed", "conn_id", s.conn.ID)
	}()

	s.sock.SetReadLimit(s.handler.cfg.MaxMessageSize)

	for {
		_ = s.sock.SetReadDeadline(s.handler.now().Add(s.handler.maxIdle() + s.handler.cfg.PingInterval))

		_, data, err := s.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read error", "conn_id", s.conn.ID, "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are a protocol error: close the connection.
			s.conn.Enqueue(marshalError("malformed message"), true)
			return
		}

		handle, ok := s.handler.handlers[msg.Op]
		if !ok {
			s.conn.Enqueue(marshalError(fmt.Sprintf("unknown op %q", msg.Op)), true)
			continue
		}

		if err := handle(s, msg); err != nil {
			// Handler errors are for this connection only; never
			// crash the process over one client.
			slog.Warn("op failed", "conn_id", s.conn.ID, "op", msg.Op, "error", err)
			s.conn.Enqueue(marshalError(msg.Op+" failed"), true)
		}
	}
}

// writePump drains the send queue onto the socket and emits periodic pings.
// It exits when the connection is closed (detached) or a write fails.
func (s *session) writePump() {
	ticker := time.NewTicker(s.handler.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.sock.Close()
	}()

	for {
		select {
		case <-s.conn.Wake():
			for {
				msg, ok := s.conn.Next()
				if !ok {
					break
				}
				if err := s.write(msg.Data); err != nil {
					return
				}
			}
			if s.conn.Closed() {
				_ = s.sock.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					s.handler.now().Add(s.handler.cfg.WriteTimeout))
				return
			}
		case <-ticker.C:
			if err := s.write(marshalPing(s.handler.now())); err != nil {
				return
			}
		}
	}
}

func (s *session) write(data []byte) error {
	_ = s.sock.SetWriteDeadline(s.handler.now().Add(s.handler.cfg.WriteTimeout))
	return s.sock.WriteMessage(websocket.TextMessage, data)
}

// handleSubscribe validates access and adds the subscription. Entity-scoped
// keys require read access to the entity; the brand-wide key is always the
// connection's own brand, whatever the client claims.
func (s *session) handleSubscribe(msg inbound) error {
	if msg.EntityType == "" {
		s.conn.Enqueue(marshalError("subscribe requires entityType"), true)
		return nil
	}

	key := hub.Key{EntityType: msg.EntityType, EntityID: msg.EntityID}
	if msg.EntityType == "brand" {
		key = hub.BrandKey(s.conn.BrandID)
	} else {
		if msg.EntityID == "" {
			s.conn.Enqueue(marshalError("subscribe requires entityId"), true)
			return nil
		}
		ok, err := s.handler.authz.CanReadEntity(s.conn.UserID, s.conn.BrandID, msg.EntityType, msg.EntityID)
		if err != nil {
			return fmt.Errorf("checking read access: %w", err)
		}
		if !ok {
			s.conn.Enqueue(marshalError("forbidden"), true)
			return nil
		}
	}

	if err := s.handler.hub.Subscribe(s.conn.ID, key, hub.Mode(msg.Mode)); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	s.conn.Enqueue(marshalAck("subscribed", key.EntityType, key.EntityID), true)
	return nil
}

func (s *session) handleUnsubscribe(msg inbound) error {
	key := hub.Key{EntityType: msg.EntityType, EntityID: msg.EntityID}
	if msg.EntityType == "brand" {
		key = hub.BrandKey(s.conn.BrandID)
	}
	s.handler.hub.Unsubscribe(s.conn.ID, key)
	s.conn.Enqueue(marshalAck("unsubscribed", key.EntityType, key.EntityID), true)
	return nil
}

func (s *session) handlePong(_ inbound) error {
	s.conn.Touch(s.handler.now())
	return nil
}
