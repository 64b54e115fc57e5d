package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/beacon/internal/hub"
	"github.com/kolapsis/beacon/internal/store"
)

// fakeTransport fails the first failures attempts, then succeeds.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *fakeTransport) Deliver(_ context.Context, _ store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("smtp: connection refused")
	}
	return nil
}

func (f *fakeTransport) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.SQLiteStore, *hub.Hub) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := hub.New()
	d := New(st, hub.NewRouter(h.Conns(), h.Subs()), Options{MaxRetries: 3})
	d.SetSleep(func(context.Context, time.Duration) error { return nil })
	return d, st, h
}

func createNotification(t *testing.T, st *store.SQLiteStore, methods ...string) store.Notification {
	t.Helper()
	require.NoError(t, st.AddMember(&store.Member{BrandID: "acme", UserID: "alice", Active: true}))
	n := store.Notification{
		BrandID:     "acme",
		RecipientID: "alice",
		Type:        "task_assigned",
		Title:       "Task assigned",
		Methods:     methods,
	}
	require.NoError(t, st.CreateNotification(&n))
	return n
}

func TestDispatcher_InApp_DeliveredWithoutLiveConnections(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t)
	n := createNotification(t, st, store.MethodInApp)

	d.Dispatch(n)
	d.Wait()

	got, err := st.GetNotification(n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDelivered, got.Delivery[store.MethodInApp])
}

func TestDispatcher_InApp_PushesToOpenSession(t *testing.T) {
	t.Parallel()
	d, st, h := newTestDispatcher(t)
	n := createNotification(t, st, store.MethodInApp)

	c := hub.NewConn("c1", "alice", "acme", 8, time.Now())
	require.NoError(t, h.Attach(c))

	d.Dispatch(n)
	d.Wait()

	// Direct push reaches the recipient's session without any subscription.
	msg, ok := c.Next()
	require.True(t, ok)
	assert.Contains(t, string(msg.Data), `"notification.created"`)
	assert.Contains(t, string(msg.Data), n.ID)
}

func TestDispatcher_External_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t)
	n := createNotification(t, st, store.MethodEmail)

	transport := &fakeTransport{failures: 2}
	d.RegisterTransport(store.MethodEmail, transport)

	d.Dispatch(n)
	d.Wait()

	assert.Equal(t, 3, transport.Attempts())
	got, err := st.GetNotification(n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDelivered, got.Delivery[store.MethodEmail])
}

func TestDispatcher_External_ExhaustedRetriesMarkFailed(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t)
	n := createNotification(t, st, store.MethodInApp, store.MethodEmail)

	transport := &fakeTransport{failures: 100}
	d.RegisterTransport(store.MethodEmail, transport)

	d.Dispatch(n)
	d.Wait()

	// 1 initial attempt + 3 retries.
	assert.Equal(t, 4, transport.Attempts())

	got, err := st.GetNotification(n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.Delivery[store.MethodEmail])
	// The record itself is untouched and the in_app method unaffected.
	assert.Equal(t, store.StateDelivered, got.Delivery[store.MethodInApp])

	// Still queryable and deletable after a failed method.
	page, err := st.ListForRecipient("alice", "acme", store.Filter{})
	require.NoError(t, err)
	require.Len(t, page.Notifications, 1)
	require.NoError(t, st.DeleteNotification(n.ID, "alice"))
}

func TestDispatcher_External_MissingTransportMarksFailed(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t)
	n := createNotification(t, st, store.MethodSMS)

	d.Dispatch(n)
	d.Wait()

	got, err := st.GetNotification(n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.Delivery[store.MethodSMS])
}

func TestDispatcher_Close_AbortsRetries(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t)
	d.SetSleep(sleepCtx)
	n := createNotification(t, st, store.MethodEmail)

	transport := &fakeTransport{failures: 100}
	d.RegisterTransport(store.MethodEmail, transport)

	d.Dispatch(n)
	d.Close()

	// The first attempt runs before any backoff sleep; Close cancels the
	// sleep before a retry happens.
	assert.Equal(t, 1, transport.Attempts())
	got, err := st.GetNotification(n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.Delivery[store.MethodEmail])
}
