package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroups_JoinLeavePerConnection(t *testing.T) {
	g := NewGroups()
	phone := newTestClient(1, "phone")
	laptop := newTestClient(1, "laptop")

	assert.True(t, g.Join(101, phone), "first connection is the first viewer")
	assert.False(t, g.Join(101, laptop), "second device joins silently")
	assert.False(t, g.Join(101, laptop), "rejoining is a no-op")

	assert.True(t, g.IsViewing(101, 1))

	assert.False(t, g.Leave(101, phone), "laptop is still attached")
	assert.True(t, g.IsViewing(101, 1))

	assert.True(t, g.Leave(101, laptop), "last connection vacates the user")
	assert.False(t, g.IsViewing(101, 1))

	// Leaving something never joined is safe.
	assert.False(t, g.Leave(999, phone))
}

func TestGroups_SnapshotClients(t *testing.T) {
	g := NewGroups()
	a := newTestClient(1, "a")
	b := newTestClient(2, "b")
	g.Join(101, a)
	g.Join(101, b)

	snap := g.SnapshotClients(101)
	assert.Len(t, snap, 2)

	// A membership change after the snapshot does not alter the copy.
	g.Leave(101, b)
	assert.Len(t, snap, 2)
	assert.Len(t, g.SnapshotClients(101), 1)
}

func TestGroups_DropClient(t *testing.T) {
	g := NewGroups()
	phone := newTestClient(1, "phone")
	laptop := newTestClient(1, "laptop")

	g.Join(101, phone)
	g.Join(102, phone)
	g.Join(101, laptop)

	vacated := g.DropClient(phone)
	// 102 had only the phone; 101 still has the laptop.
	assert.ElementsMatch(t, []uint{102}, vacated)
	assert.True(t, g.IsViewing(101, 1))
	assert.False(t, g.IsViewing(102, 1))

	vacated = g.DropClient(laptop)
	assert.ElementsMatch(t, []uint{101}, vacated)
	assert.False(t, g.IsViewing(101, 1))
}

func TestGroups_EvictUser(t *testing.T) {
	g := NewGroups()
	phone := newTestClient(1, "phone")
	laptop := newTestClient(1, "laptop")
	other := newTestClient(2, "a")

	g.Join(101, phone)
	g.Join(101, laptop)
	g.Join(101, other)

	evicted := g.EvictUser(101, 1)
	assert.Len(t, evicted, 2, "both devices must be evicted")
	assert.False(t, g.IsViewing(101, 1))
	assert.True(t, g.IsViewing(101, 2), "other participants keep their attachment")

	assert.Nil(t, g.EvictUser(101, 1), "evicting an absent user is a no-op")
}

func TestGroups_ViewingUserIDs(t *testing.T) {
	g := NewGroups()
	g.Join(101, newTestClient(1, "a"))
	g.Join(101, newTestClient(2, "b"))

	assert.ElementsMatch(t, []uint{1, 2}, g.ViewingUserIDs(101))
	assert.Empty(t, g.ViewingUserIDs(999))
}
