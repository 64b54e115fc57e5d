package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_Detach_PurgesEverySubscription(t *testing.T) {
	t.Parallel()
	h := New()

	attach(t, h, "a", "alice", "acme")
	keys := []Key{{"task", "1"}, {"task", "2"}, {"comment", "7"}, BrandKey("acme")}
	for _, k := range keys {
		require.NoError(t, h.Subscribe("a", k, ModeAll))
	}

	c := h.Detach("a")
	require.NotNil(t, c)
	assert.True(t, c.Closed())

	for _, k := range keys {
		assert.Empty(t, h.Subs().Resolve(k), "key %s still resolves after detach", k)
	}
	_, ok := h.Conns().Get("a")
	assert.False(t, ok)
}

func TestHub_Detach_UnknownIDIsNoOp(t *testing.T) {
	t.Parallel()
	h := New()

	assert.Nil(t, h.Detach("ghost"))
}

func TestHub_Subscribe_UnknownConnectionFails(t *testing.T) {
	t.Parallel()
	h := New()

	err := h.Subscribe("ghost", Key{"task", "1"}, ModeAll)
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestHub_ReapStale_DetachesTimedOutConnections(t *testing.T) {
	t.Parallel()
	h := New()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return now })

	// Missed three 25s ping intervals.
	dead := NewConn("dead", "alice", "acme", 4, now.Add(-90*time.Second))
	live := NewConn("live", "bob", "acme", 4, now.Add(-10*time.Second))
	require.NoError(t, h.Attach(dead))
	require.NoError(t, h.Attach(live))
	require.NoError(t, h.Subscribe("dead", Key{"task", "1"}, ModeAll))

	reaped := h.ReapStale(75 * time.Second)
	require.Len(t, reaped, 1)
	assert.Equal(t, "dead", reaped[0].ID)

	_, ok := h.Conns().Get("dead")
	assert.False(t, ok)
	assert.Empty(t, h.Subs().Resolve(Key{"task", "1"}))

	_, ok = h.Conns().Get("live")
	assert.True(t, ok)
}
