package matchmaker

import (
	"slices"
	"time"
)

// RoomMode describes how many parties a room admits.
type RoomMode string

// ModeDirect rooms pair exactly two sessions.
const ModeDirect RoomMode = "direct"

// Room is an ephemeral pairing context. Participants are kept in join order.
type Room struct {
	ID           string
	Mode         RoomMode
	Participants []string
	CreatedAt    time.Time
}

// Has reports whether id is a participant.
func (r *Room) Has(id string) bool {
	return slices.Contains(r.Participants, id)
}

// Peer returns the first participant other than id.
func (r *Room) Peer(id string) (string, bool) {
	for _, p := range r.Participants {
		if p != id {
			return p, true
		}
	}
	return "", false
}

func (r *Room) remove(id string) {
	r.Participants = slices.DeleteFunc(r.Participants, func(p string) bool { return p == id })
}
