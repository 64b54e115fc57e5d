package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/beacon/internal/auth"
	"github.com/kolapsis/beacon/internal/config"
	"github.com/kolapsis/beacon/internal/hub"
	"github.com/kolapsis/beacon/internal/store"
)

const testSecret = "ws-test-secret"

type testEnv struct {
	server *httptest.Server
	store  *store.SQLiteStore
	hub    *hub.Hub
	router *hub.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := hub.New()
	cfg := config.WebSocketConfig{
		PingInterval:   time.Second,
		MissedPings:    3,
		SendQueueSize:  16,
		MaxMessageSize: 4096,
		WriteTimeout:   time.Second,
	}
	handler := NewHandler(h, auth.NewJWTVerifier(testSecret), NewMembershipAuthorizer(st), cfg)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnv{
		server: server,
		store:  st,
		hub:    h,
		router: hub.NewRouter(h.Conns(), h.Subs()),
	}
}

func (e *testEnv) wsURL(token, brand string) string {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	return url + "?token=" + token + "&brand=" + brand
}

func (e *testEnv) addMember(t *testing.T, userID, brandID string) {
	t.Helper()
	require.NoError(t, e.store.AddMember(&store.Member{BrandID: brandID, UserID: userID, Active: true}))
}

// dial connects as the given user and consumes the initial connected message.
func (e *testEnv) dial(t *testing.T, userID, brandID string) *websocket.Conn {
	t.Helper()

	token, err := auth.GenerateToken(testSecret, userID, time.Hour)
	require.NoError(t, err)

	sock, _, err := websocket.DefaultDialer.Dial(e.wsURL(token, brandID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	msg := readOp(t, sock)
	require.Equal(t, "connected", msg["op"])
	require.NotEmpty(t, msg["connectionId"])
	return sock
}

// readOp reads the next non-ping message as a generic map.
func readOp(t *testing.T, sock *websocket.Conn) map[string]any {
	t.Helper()

	for {
		require.NoError(t, sock.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := sock.ReadMessage()
		require.NoError(t, err)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["op"] == "ping" {
			continue
		}
		return msg
	}
}

func send(t *testing.T, sock *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, sock.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, sock.WriteJSON(msg))
}

func TestHandshake_Success(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")

	env.dial(t, "alice", "acme")
	assert.Equal(t, 1, env.hub.Conns().Len())
}

func TestHandshake_InvalidToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("not-a-token", "acme"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshake_InactiveUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID:   "alice",
		Disabled: true,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token, "acme"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshake_NonMemberRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	token, err := auth.GenerateToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token, "acme"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandshake_BearerHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")

	token, err := auth.GenerateToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?brand=acme"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	sock, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer sock.Close()

	msg := readOp(t, sock)
	assert.Equal(t, "connected", msg["op"])
}

func TestSubscribe_ReceivesRoutedEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	send(t, sock, map[string]string{"op": "subscribe", "entityType": "task", "entityId": "123"})
	ack := readOp(t, sock)
	require.Equal(t, "subscribed", ack["op"])
	assert.Equal(t, "task", ack["entityType"])
	assert.Equal(t, "123", ack["entityId"])

	delivered, err := env.router.Route(hub.Event{
		BrandID:    "acme",
		EntityType: "task",
		EntityID:   "123",
		Kind:       "task.updated",
		Payload:    json.RawMessage(`{"status":"done"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	ev := readOp(t, sock)
	assert.Equal(t, "event", ev["op"])
	assert.Equal(t, "task.updated", ev["kind"])
	assert.Equal(t, "123", ev["entityId"])
}

func TestSubscribe_BrandWideUsesOwnBrand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	// The entityId the client claims is ignored for brand subscriptions.
	send(t, sock, map[string]string{"op": "subscribe", "entityType": "brand", "entityId": "other-brand"})
	ack := readOp(t, sock)
	require.Equal(t, "subscribed", ack["op"])
	assert.Equal(t, "acme", ack["entityId"])

	delivered, err := env.router.Route(hub.Event{
		BrandID:    "acme",
		EntityType: "comment",
		EntityID:   "7",
		Kind:       "comment.created",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestSubscribe_MissingEntityID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	send(t, sock, map[string]string{"op": "subscribe", "entityType": "task"})
	msg := readOp(t, sock)
	assert.Equal(t, "error", msg["op"])
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	send(t, sock, map[string]string{"op": "subscribe", "entityType": "task", "entityId": "123"})
	require.Equal(t, "subscribed", readOp(t, sock)["op"])

	send(t, sock, map[string]string{"op": "unsubscribe", "entityType": "task", "entityId": "123"})
	require.Equal(t, "unsubscribed", readOp(t, sock)["op"])

	delivered, err := env.router.Route(hub.Event{
		BrandID:    "acme",
		EntityType: "task",
		EntityID:   "123",
		Kind:       "task.updated",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestUnknownOp_ErrorReply(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	send(t, sock, map[string]string{"op": "bogus"})
	msg := readOp(t, sock)
	assert.Equal(t, "error", msg["op"])
	assert.Contains(t, msg["reason"], "unknown op")
}

func TestMalformedFrame_ErrorReplyThenClose(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	require.NoError(t, sock.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The error reply reaches the client before the connection is torn down.
	msg := readOp(t, sock)
	assert.Equal(t, "error", msg["op"])
	assert.Equal(t, "malformed message", msg["reason"])

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := sock.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	require.Eventually(t, func() bool {
		return env.hub.Conns().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnect_PurgesRegistry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.addMember(t, "alice", "acme")
	sock := env.dial(t, "alice", "acme")

	send(t, sock, map[string]string{"op": "subscribe", "entityType": "task", "entityId": "123"})
	require.Equal(t, "subscribed", readOp(t, sock)["op"])

	require.NoError(t, sock.Close())

	require.Eventually(t, func() bool {
		return env.hub.Conns().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	delivered, err := env.router.Route(hub.Event{
		BrandID:    "acme",
		EntityType: "task",
		EntityID:   "123",
		Kind:       "task.updated",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}
