// File: internal/rooms/index.go
// Package rooms maintains the client/namespace/room membership index.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The index is owned by the reactor goroutine; no internal locking. Both
// directions store only ids, making the index the single source of truth for
// membership.

package rooms

import "github.com/momentics/socketd/api"

type membership struct {
	ns    string
	rooms map[string]struct{}
}

// Index holds the forward (ns → room → ids) and reverse (id → ns, rooms)
// membership maps. All operations are O(1) amortized.
type Index struct {
	forward map[string]map[string]map[api.ClientID]struct{}
	members map[string]map[api.ClientID]struct{} // every client in the namespace, roomless included
	reverse map[api.ClientID]*membership
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		forward: make(map[string]map[string]map[api.ClientID]struct{}),
		members: make(map[string]map[api.ClientID]struct{}),
		reverse: make(map[api.ClientID]*membership),
	}
}

// JoinNamespace moves id into ns. A client in another namespace first leaves
// all rooms held there.
func (x *Index) JoinNamespace(id api.ClientID, ns string) {
	m, ok := x.reverse[id]
	if ok {
		if m.ns == ns {
			return
		}
		x.LeaveAllRooms(id)
		x.dropMember(m.ns, id)
	}
	x.reverse[id] = &membership{ns: ns, rooms: make(map[string]struct{})}
	set, ok := x.members[ns]
	if !ok {
		set = make(map[api.ClientID]struct{})
		x.members[ns] = set
	}
	set[id] = struct{}{}
}

// JoinRoom adds id to room within ns, joining the namespace first if needed.
func (x *Index) JoinRoom(id api.ClientID, ns, room string) {
	m, ok := x.reverse[id]
	if !ok || m.ns != ns {
		x.JoinNamespace(id, ns)
		m = x.reverse[id]
	}
	rmap, ok := x.forward[ns]
	if !ok {
		rmap = make(map[string]map[api.ClientID]struct{})
		x.forward[ns] = rmap
	}
	set, ok := rmap[room]
	if !ok {
		set = make(map[api.ClientID]struct{})
		rmap[room] = set
	}
	set[id] = struct{}{}
	m.rooms[room] = struct{}{}
}

// LeaveRoom removes id from one room. Unknown memberships are no-ops.
func (x *Index) LeaveRoom(id api.ClientID, room string) {
	m, ok := x.reverse[id]
	if !ok {
		return
	}
	delete(m.rooms, room)
	x.dropForward(m.ns, room, id)
}

// LeaveAllRooms removes id from every room in its namespace.
func (x *Index) LeaveAllRooms(id api.ClientID) {
	m, ok := x.reverse[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		x.dropForward(m.ns, room, id)
	}
	m.rooms = make(map[string]struct{})
}

// Remove erases every trace of id. Called on disconnect; idempotent.
func (x *Index) Remove(id api.ClientID) {
	m, ok := x.reverse[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		x.dropForward(m.ns, room, id)
	}
	x.dropMember(m.ns, id)
	delete(x.reverse, id)
}

// Namespace returns the namespace id currently belongs to.
func (x *Index) Namespace(id api.ClientID) (string, bool) {
	m, ok := x.reverse[id]
	if !ok {
		return "", false
	}
	return m.ns, true
}

// Rooms returns the rooms id holds. Never nil, never an error.
func (x *Index) Rooms(id api.ClientID) []string {
	m, ok := x.reverse[id]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	return out
}

// ClientsInNamespace snapshots every client in ns. The returned slice is
// detached from the index so callers may mutate membership while iterating.
func (x *Index) ClientsInNamespace(ns string) []api.ClientID {
	return snapshot(x.members[ns])
}

// ClientsInRoom snapshots the members of one room.
func (x *Index) ClientsInRoom(ns, room string) []api.ClientID {
	rmap, ok := x.forward[ns]
	if !ok {
		return []api.ClientID{}
	}
	return snapshot(rmap[room])
}

func snapshot(set map[api.ClientID]struct{}) []api.ClientID {
	out := make([]api.ClientID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (x *Index) dropForward(ns, room string, id api.ClientID) {
	rmap, ok := x.forward[ns]
	if !ok {
		return
	}
	set, ok := rmap[room]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(rmap, room)
		if len(rmap) == 0 {
			delete(x.forward, ns)
		}
	}
}

func (x *Index) dropMember(ns string, id api.ClientID) {
	set, ok := x.members[ns]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(x.members, ns)
	}
}
