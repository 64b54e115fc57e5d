package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()
	r := NewConnRegistry()

	c := NewConn("c1", "alice", "acme", 4, time.Now())
	require.NoError(t, r.Register(c))

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, 1, r.Len())
}

func TestConnRegistry_Register_DuplicateIDFails(t *testing.T) {
	t.Parallel()
	r := NewConnRegistry()

	require.NoError(t, r.Register(NewConn("c1", "alice", "acme", 4, time.Now())))
	err := r.Register(NewConn("c1", "bob", "acme", 4, time.Now()))
	require.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestConnRegistry_Unregister_ReturnsConn(t *testing.T) {
	t.Parallel()
	r := NewConnRegistry()

	require.NoError(t, r.Register(NewConn("c1", "alice", "acme", 4, time.Now())))

	c, err := r.Unregister("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, 0, r.Len())

	// Double-unregister is tolerated by cleanup paths.
	_, err = r.Unregister("c1")
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestConnRegistry_FindByUserAndBrand(t *testing.T) {
	t.Parallel()
	r := NewConnRegistry()

	require.NoError(t, r.Register(NewConn("c1", "alice", "acme", 4, time.Now())))
	require.NoError(t, r.Register(NewConn("c2", "alice", "acme", 4, time.Now())))
	require.NoError(t, r.Register(NewConn("c3", "alice", "globex", 4, time.Now())))
	require.NoError(t, r.Register(NewConn("c4", "bob", "acme", 4, time.Now())))

	conns := r.FindByUserAndBrand("alice", "acme")
	assert.Len(t, conns, 2)

	assert.Empty(t, r.FindByUserAndBrand("carol", "acme"))

	// Unregistering keeps the index consistent.
	_, err := r.Unregister("c2")
	require.NoError(t, err)
	assert.Len(t, r.FindByUserAndBrand("alice", "acme"), 1)
}

func TestConnRegistry_Stale(t *testing.T) {
	t.Parallel()
	r := NewConnRegistry()

	now := time.Now()
	old := NewConn("c1", "alice", "acme", 4, now.Add(-2*time.Minute))
	fresh := NewConn("c2", "bob", "acme", 4, now)
	require.NoError(t, r.Register(old))
	require.NoError(t, r.Register(fresh))

	stale := r.Stale(now.Add(-time.Minute))
	require.Len(t, stale, 1)
	assert.Equal(t, "c1", stale[0].ID)
}
