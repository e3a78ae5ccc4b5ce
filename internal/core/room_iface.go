package core

import (
	"errors"

	"github.com/dkeye/Pulse/internal/domain"
)

var ErrRoomFull = errors.New("room is full")

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

func (r *PublishResult) Merge(o PublishResult) {
	r.SendTo += o.SendTo
	r.Dropped = append(r.Dropped, o.Dropped...)
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() domain.Room
	Capacity() int
	MemberCount() int
	Has(id domain.ConnID) bool
	Get(id domain.ConnID) (MemberSession, bool)
	Members() []MemberSession

	// Join adds ms unless the room is at capacity, and returns the other
	// members as they were at the moment of the add. Rejoining is a no-op.
	Join(ms MemberSession) (others []MemberSession, added bool, err error)
	// Leave removes id and reports whether it was present and how many remain.
	Leave(id domain.ConnID) (removed bool, remaining int)
}

type RoomInfo struct {
	ID          domain.RoomID `json:"room_id"`
	Kind        string        `json:"kind"`
	MemberCount int           `json:"member_count"`
	Capacity    int           `json:"capacity,omitempty"`
}

// RoomFactory owns the room table of one room kind.
type RoomFactory interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	DeleteIfEmpty(id domain.RoomID) bool
	List() []RoomInfo
	Len() int
}
