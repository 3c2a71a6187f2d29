package chatsync

import (
	"slices"
	"sort"
	"time"
)

// Roster is the ordered room list of a session, most recent activity first.
// Roster is not safe for concurrent use.
type Roster struct {
	rooms []Room
}

func NewRoster() *Roster {
	return &Roster{}
}

// Load replaces the roster with a server snapshot.
func (r *Roster) Load(rooms []Room) {
	r.rooms = slices.Clone(rooms)
	sortByActivity(r.rooms)
}

// Rooms returns a copy of the ordered rooms.
func (r *Roster) Rooms() []Room { return slices.Clone(r.rooms) }

func (r *Roster) Len() int { return len(r.rooms) }

// Get returns the room with the given id.
func (r *Roster) Get(id ID) (Room, bool) {
	if i := r.indexOf(id); i >= 0 {
		return r.rooms[i], true
	}
	return Room{}, false
}

// TotalUnread sums unread counts across rooms.
func (r *Roster) TotalUnread() int {
	n := 0
	for _, room := range r.rooms {
		n += room.Unread
	}
	return n
}

// ApplyActivity records a new event for roomID and moves the room to the
// head. Unknown rooms are ignored. The unread count grows unless the event is
// self-origin or the room is active. Reports whether the roster changed.
func (r *Roster) ApplyActivity(roomID ID, at time.Time, preview string, isSelf, isActive bool) bool {
	i := r.indexOf(roomID)
	if i < 0 {
		return false
	}
	room := r.rooms[i]
	room.LastActivity = at
	room.Preview = preview
	if !isSelf && !isActive {
		room.Unread++
	}
	copy(r.rooms[1:i+1], r.rooms[:i])
	r.rooms[0] = room
	return true
}

// MarkRead zeroes the unread count of roomID without reordering.
func (r *Roster) MarkRead(roomID ID) bool {
	i := r.indexOf(roomID)
	if i < 0 || r.rooms[i].Unread == 0 {
		return false
	}
	r.rooms[i].Unread = 0
	return true
}

// Rename sets the display name of roomID.
func (r *Roster) Rename(roomID ID, name string) bool {
	i := r.indexOf(roomID)
	if i < 0 {
		return false
	}
	r.rooms[i].Name = name
	return true
}

// Remove drops roomID from the roster.
func (r *Roster) Remove(roomID ID) bool {
	i := r.indexOf(roomID)
	if i < 0 {
		return false
	}
	r.rooms = slices.Delete(r.rooms, i, i+1)
	return true
}

// MergePoll reconciles a full re-fetch. Server fields win except the unread
// count of rooms already known locally. Rooms absent from fresh are dropped
// and rooms new to the roster keep the server's unread count.
func (r *Roster) MergePoll(fresh []Room) {
	local := make(map[ID]int, len(r.rooms))
	for _, room := range r.rooms {
		local[room.ID] = room.Unread
	}
	merged := make([]Room, 0, len(fresh))
	for _, room := range fresh {
		if unread, ok := local[room.ID]; ok {
			room.Unread = unread
		}
		merged = append(merged, room)
	}
	sortByActivity(merged)
	r.rooms = merged
}

func (r *Roster) indexOf(id ID) int {
	for i := range r.rooms {
		if r.rooms[i].ID == id {
			return i
		}
	}
	return -1
}

func sortByActivity(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].LastActivity.After(rooms[j].LastActivity)
	})
}
