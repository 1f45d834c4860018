package room

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertExclusive checks that every id in ids is in exactly one members set
// and that the reverse mapping agrees.
func assertExclusive(t *testing.T, r *Registry, ids []int64) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]string)
	for name, rm := range r.rooms {
		for id := range rm.members {
			if prev, dup := seen[id]; dup {
				t.Fatalf("session %d is in both %q and %q", id, prev, name)
			}
			seen[id] = name
		}
	}
	for _, id := range ids {
		name, ok := seen[id]
		require.Truef(t, ok, "session %d is in no room", id)
		assert.Equal(t, name, r.members[id])
	}
}

func TestRegistry_GeneralExistsAndIsPermanent(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.RoomExists(General))

	_, err := r.DeleteRoom(General, AdminID)
	assert.ErrorIs(t, err, ErrPermanentRoom)
	assert.True(t, r.RoomExists(General))

	info, ok := r.RoomInfo(General)
	require.True(t, ok)
	assert.Equal(t, "Welcome to the chat server!", info.Topic)
}

func TestRegistry_CreateRoom(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateRoom("sports", 1, false, ""))
	assert.ErrorIs(t, r.CreateRoom("sports", 2, false, ""), ErrRoomExists)
	assert.ErrorIs(t, r.CreateRoom(General, 2, false, ""), ErrRoomExists)
	assert.ErrorIs(t, r.CreateRoom("", 2, false, ""), ErrInvalidName)
}

func TestRegistry_JoinMovesMembershipAtomically(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateRoom("sports", 1, false, ""))
	require.NoError(t, r.JoinRoom(General, 1, ""))
	require.NoError(t, r.JoinRoom(General, 2, ""))

	require.NoError(t, r.JoinRoom("sports", 1, ""))

	assert.Equal(t, []int64{2}, r.GetRoomMembers(General))
	assert.Equal(t, []int64{1}, r.GetRoomMembers("sports"))
	current, _ := r.ClientRoom(1)
	assert.Equal(t, "sports", current)

	assert.ErrorIs(t, r.JoinRoom("nowhere", 1, ""), ErrRoomNotFound)
	current, _ = r.ClientRoom(1)
	assert.Equal(t, "sports", current, "failed join keeps the previous room")
}

func TestRegistry_PrivateRoomRequiresPassword(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateRoom("secret", 1, true, "hunter2"))

	assert.ErrorIs(t, r.JoinRoom("secret", 2, ""), ErrWrongPassword)
	assert.ErrorIs(t, r.JoinRoom("secret", 2, "nope"), ErrWrongPassword)
	require.NoError(t, r.JoinRoom("secret", 2, "hunter2"))

	for _, info := range r.ListRooms() {
		assert.NotEqual(t, "secret", info.Name, "private rooms are not listed")
	}
}

func TestRegistry_DeleteMigratesMembersToGeneral(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateRoom("sports", 1, false, ""))
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, r.JoinRoom("sports", id, ""))
	}

	_, err := r.DeleteRoom("sports", 2)
	assert.ErrorIs(t, err, ErrNotOwner)

	moved, err := r.DeleteRoom("sports", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, moved)
	assert.False(t, r.RoomExists("sports"))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, r.GetRoomMembers(General))
	assertExclusive(t, r, moved)

	_, err = r.DeleteRoom("sports", AdminID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRegistry_AdminMayDeleteAndSetTopic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateRoom("ops", 7, false, ""))

	assert.ErrorIs(t, r.SetTopic("ops", "hi", 8), ErrNotOwner)
	require.NoError(t, r.SetTopic("ops", "owner topic", 7))
	require.NoError(t, r.SetTopic("ops", "admin topic", AdminID))
	info, _ := r.RoomInfo("ops")
	assert.Equal(t, "admin topic", info.Topic)

	_, err := r.DeleteRoom("ops", AdminID)
	require.NoError(t, err)
}

func TestRegistry_ListRoomsSortedWithCounts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateRoom("zeta", 1, false, ""))
	require.NoError(t, r.CreateRoom("alpha", 1, false, ""))
	require.NoError(t, r.JoinRoom("alpha", 1, ""))

	rooms := r.ListRooms()
	require.Len(t, rooms, 3)
	assert.Equal(t, "alpha", rooms[0].Name)
	assert.Equal(t, 1, rooms[0].Members)
	assert.Equal(t, General, rooms[1].Name)
	assert.Equal(t, "zeta", rooms[2].Name)
}

func TestRegistry_LeaveRoom(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.JoinRoom(General, 1, ""))

	name, ok := r.LeaveRoom(1)
	require.True(t, ok)
	assert.Equal(t, General, name)
	assert.Empty(t, r.GetRoomMembers(General))

	_, ok = r.LeaveRoom(1)
	assert.False(t, ok)
}

func TestRegistry_ConcurrentJoinsKeepMembershipExclusive(t *testing.T) {
	r := NewRegistry()
	names := []string{General, "a", "b", "c"}
	for _, n := range names[1:] {
		require.NoError(t, r.CreateRoom(n, AdminID, false, ""))
	}

	const sessions = 20
	ids := make([]int64, 0, sessions)
	for id := int64(1); id <= sessions; id++ {
		require.NoError(t, r.JoinRoom(General, id, ""))
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				id := ids[rng.Intn(len(ids))]
				_ = r.JoinRoom(names[rng.Intn(len(names))], id, "")
			}
		}(int64(w))
	}
	wg.Wait()

	assertExclusive(t, r, ids)

	total := 0
	for _, n := range names {
		total += len(r.GetRoomMembers(n))
	}
	assert.Equal(t, sessions, total, fmt.Sprintf("members across rooms: %d", total))
}
