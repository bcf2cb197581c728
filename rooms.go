package chatsync

import (
	"context"
	"sort"
	"sync"
)

// RoomLister is the slice of the REST client the room list needs.
// *RoomsService satisfies it.
type RoomLister interface {
	List(ctx context.Context) ([]Room, error)
}

// RoomList maintains the set of conversations sorted by recency: last
// message time descending, rooms without any message last, ties broken by id.
type RoomList struct {
	lister RoomLister

	mu    sync.Mutex
	rooms []Room
}

// NewRoomList creates an empty coordinator backed by the given lister.
func NewRoomList(lister RoomLister) *RoomList {
	return &RoomList{lister: lister}
}

// byRecency orders rooms newest-activity-first with a total order.
func byRecency(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		ti, tj := rooms[i].recency(), rooms[j].recency()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rooms[i].ID < rooms[j].ID
	})
}

// Load fetches all rooms and replaces the held list, sorted. A fetch failure
// leaves prior state untouched.
func (rl *RoomList) Load(ctx context.Context) ([]Room, error) {
	fetched, err := rl.lister.List(ctx)
	if err != nil {
		return nil, err
	}

	rooms := append([]Room{}, fetched...)
	byRecency(rooms)

	rl.mu.Lock()
	rl.rooms = rooms
	rl.mu.Unlock()
	return append([]Room{}, rooms...), nil
}

// ApplyNewMessage updates the room's last message and re-sorts the whole
// list. A full re-sort, not an incremental move, keeps the total order
// correct under concurrent updates to unrelated rooms. Reports whether the
// room was known.
func (rl *RoomList) ApplyNewMessage(roomID string, msg Message) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for i := range rl.rooms {
		if rl.rooms[i].ID != roomID {
			continue
		}
		m := msg
		rl.rooms[i].LastMessage = &m
		rl.rooms[i].UpdatedAt = msg.CreatedAt
		byRecency(rl.rooms)
		return true
	}
	return false
}

// ApplyCreatedRoom inserts a newly created room at the head unconditionally:
// it has no history yet and represents the most recent user action. A room
// already present is left where it is.
func (rl *RoomList) ApplyCreatedRoom(room Room) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for i := range rl.rooms {
		if rl.rooms[i].ID == room.ID {
			return
		}
	}
	rl.rooms = append([]Room{room}, rl.rooms...)
}

// IncrementUnread bumps the room's unread counter. The session never calls
// it: the channel only carries the active room, whose messages are read on
// arrival. Rendering layers surfacing background notifications for other
// rooms call it themselves.
func (rl *RoomList) IncrementUnread(roomID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i := range rl.rooms {
		if rl.rooms[i].ID == roomID {
			rl.rooms[i].UnreadCount++
			return
		}
	}
}

// ClearUnread zeroes the room's unread counter, mirroring a successful
// mark-all-read call.
func (rl *RoomList) ClearUnread(roomID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i := range rl.rooms {
		if rl.rooms[i].ID == roomID {
			rl.rooms[i].UnreadCount = 0
			return
		}
	}
}

// Rooms returns a snapshot of the sorted list.
func (rl *RoomList) Rooms() []Room {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]Room{}, rl.rooms...)
}

// Get returns the room with the given id, if held.
func (rl *RoomList) Get(roomID string) (Room, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, r := range rl.rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return Room{}, false
}
