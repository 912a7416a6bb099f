package presence

import (
	"sort"
	"sync"
)

// Tracker records which rooms each live connection has joined. It holds no
// role information; the mentor of a room is only ever read from the store.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]struct{})}
}

// RecordJoin adds roomID to the connection's set. It reports false when the
// membership already existed.
func (t *Tracker) RecordJoin(connID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.rooms[connID]
	if !ok {
		set = make(map[string]struct{})
		t.rooms[connID] = set
	}
	if _, ok := set[roomID]; ok {
		return false
	}
	set[roomID] = struct{}{}
	return true
}

func (t *Tracker) Has(connID, roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[connID][roomID]
	return ok
}

// RoomsOf returns a sorted copy of the connection's rooms.
func (t *Tracker) RoomsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[connID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Leave removes one membership and reports whether it existed. A
// connection with no rooms left is dropped entirely.
func (t *Tracker) Leave(connID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.rooms[connID]
	if !ok {
		return false
	}
	if _, ok := set[roomID]; !ok {
		return false
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(t.rooms, connID)
	}
	return true
}

// DropRoom removes roomID from every connection and returns the sorted
// connections that were members.
func (t *Tracker) DropRoom(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []string
	for connID, set := range t.rooms {
		if _, ok := set[roomID]; !ok {
			continue
		}
		delete(set, roomID)
		if len(set) == 0 {
			delete(t.rooms, connID)
		}
		dropped = append(dropped, connID)
	}
	sort.Strings(dropped)
	return dropped
}

// Connections is the number of connections with at least one joined room.
func (t *Tracker) Connections() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
