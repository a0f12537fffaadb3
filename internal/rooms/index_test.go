package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/socketd/api"
)

func TestJoinRoomImpliesNamespace(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	x.JoinRoom(1, "/chat", "r1")

	ns, ok := x.Namespace(1)
	require.True(t, ok)
	assert.Equal(t, "/chat", ns)
	assert.ElementsMatch(t, []api.ClientID{1}, x.ClientsInRoom("/chat", "r1"))
	assert.ElementsMatch(t, []string{"r1"}, x.Rooms(1))
}

func TestNamespaceContainsRoomlessClients(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	x.JoinNamespace(1, "/")
	x.JoinRoom(2, "/", "r1")

	assert.ElementsMatch(t, []api.ClientID{1, 2}, x.ClientsInNamespace("/"))
	assert.ElementsMatch(t, []api.ClientID{2}, x.ClientsInRoom("/", "r1"))
}

func TestJoinNamespaceLeavesOldRooms(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	x.JoinRoom(1, "/chat", "r1")
	x.JoinRoom(1, "/chat", "r2")
	x.JoinNamespace(1, "/game")

	assert.Empty(t, x.Rooms(1))
	assert.Empty(t, x.ClientsInRoom("/chat", "r1"))
	assert.Empty(t, x.ClientsInNamespace("/chat"))
	assert.ElementsMatch(t, []api.ClientID{1}, x.ClientsInNamespace("/game"))
}

func TestLeaveRoomKeepsNamespace(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	x.JoinRoom(1, "/", "r1")
	x.LeaveRoom(1, "r1")

	assert.Empty(t, x.Rooms(1))
	assert.ElementsMatch(t, []api.ClientID{1}, x.ClientsInNamespace("/"))
}

func TestRemoveErasesEverything(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	x.JoinRoom(7, "/", "r1")
	x.Remove(7)

	_, ok := x.Namespace(7)
	assert.False(t, ok)
	assert.Empty(t, x.Rooms(7))
	assert.Empty(t, x.ClientsInRoom("/", "r1"))
	assert.Empty(t, x.ClientsInNamespace("/"))

	// second remove is a no-op, no state corruption
	x.Remove(7)
	assert.Empty(t, x.ClientsInNamespace("/"))
}

func TestRoomsNeverNil(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	rooms := x.Rooms(99)
	require.NotNil(t, rooms)
	assert.Empty(t, rooms)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	x := NewIndex()
	x.JoinRoom(1, "/", "r1")
	x.JoinRoom(2, "/", "r1")

	snap := x.ClientsInRoom("/", "r1")
	require.Len(t, snap, 2)

	// mutations during fan-out must not disturb an already-taken snapshot
	x.LeaveRoom(1, "r1")
	x.JoinRoom(3, "/", "r1")
	assert.Len(t, snap, 2)
	assert.ElementsMatch(t, []api.ClientID{2, 3}, x.ClientsInRoom("/", "r1"))
}
