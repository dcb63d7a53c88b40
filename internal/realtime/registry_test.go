package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(userID uint, id string) *Client {
	return &Client{
		UserID: userID,
		ID:     id,
		Send:   make(chan []byte, 10),
	}
}

func TestRegistry_RegisterFirstAndLast(t *testing.T) {
	r := NewRegistry(0)

	phone := newTestClient(1, "phone")
	laptop := newTestClient(1, "laptop")

	first, err := r.Register(phone)
	require.NoError(t, err)
	assert.True(t, first, "first connection should report the online edge")

	first, err = r.Register(laptop)
	require.NoError(t, err)
	assert.False(t, first, "second device must not re-report online")

	assert.True(t, r.IsOnline(1))
	assert.Equal(t, 2, r.Count())

	_, last := r.Unregister(1, "phone")
	assert.False(t, last, "user still has the laptop")
	assert.True(t, r.IsOnline(1))

	_, last = r.Unregister(1, "laptop")
	assert.True(t, last, "last connection should report the offline edge")
	assert.False(t, r.IsOnline(1))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry(0)
	c := newTestClient(1, "a")

	first, err := r.Register(c)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = r.Register(c)
	require.NoError(t, err)
	assert.False(t, first, "duplicate register must be a no-op")
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_UnregisterUnknownIsSafe(t *testing.T) {
	r := NewRegistry(0)

	removed, last := r.Unregister(1, "ghost")
	assert.Nil(t, removed)
	assert.False(t, last)

	c := newTestClient(1, "a")
	_, err := r.Register(c)
	require.NoError(t, err)

	removed, last = r.Unregister(1, "a")
	assert.Same(t, c, removed)
	assert.True(t, last)

	// Double unregister after the connection is gone.
	removed, last = r.Unregister(1, "a")
	assert.Nil(t, removed)
	assert.False(t, last)
}

func TestRegistry_PerUserCap(t *testing.T) {
	r := NewRegistry(2)

	_, err := r.Register(newTestClient(1, "a"))
	require.NoError(t, err)
	_, err = r.Register(newTestClient(1, "b"))
	require.NoError(t, err)

	_, err = r.Register(newTestClient(1, "c"))
	assert.Error(t, err, "third connection should be refused")

	// Another user is unaffected by the first user's cap.
	_, err = r.Register(newTestClient(2, "a"))
	assert.NoError(t, err)
}

func TestRegistry_ConnectionsOf(t *testing.T) {
	r := NewRegistry(0)
	a := newTestClient(7, "a")
	b := newTestClient(7, "b")
	_, _ = r.Register(a)
	_, _ = r.Register(b)

	conns := r.ConnectionsOf(7)
	assert.Len(t, conns, 2)
	assert.Nil(t, r.ConnectionsOf(8))
}
