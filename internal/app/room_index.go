package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomIndex holds static room membership: one direct room per user and one
// room per group. Group membership is a snapshot taken when the connection
// joins; later directory changes apply on reconnect.
type RoomIndex struct {
	groups core.GroupDirectory

	mu     sync.Mutex
	rooms  *RoomManagerImpl
	byConn map[domain.ConnID][]domain.RoomID
}

func NewRoomIndex(groups core.GroupDirectory) *RoomIndex {
	return &RoomIndex{
		groups: groups,
		rooms:  NewRoomManager(domain.RoomUnknown, 0),
		byConn: make(map[domain.ConnID][]domain.RoomID),
	}
}

// RoomsFor returns the direct room first, then group rooms by ascending id.
// A failed group lookup still yields the direct room, together with the error.
func (x *RoomIndex) RoomsFor(ctx context.Context, uid domain.UserID) ([]domain.RoomID, error) {
	rooms := []domain.RoomID{domain.DirectRoom(uid)}
	if x.groups == nil {
		return rooms, nil
	}
	gids, err := x.groups.GroupsOf(ctx, uid)
	if err != nil {
		return rooms, fmt.Errorf("group lookup for user %s: %w", uid, err)
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })
	seen := make(map[domain.GroupID]struct{}, len(gids))
	for _, g := range gids {
		if _, dup := seen[g]; dup || g <= 0 {
			continue
		}
		seen[g] = struct{}{}
		rooms = append(rooms, domain.GroupRoom(g))
	}
	return rooms, nil
}

// JoinAll adds the connection to every listed room. Repeated calls are idempotent.
func (x *RoomIndex) JoinAll(sess core.MemberSession, rooms []domain.RoomID) {
	id := sess.ID()
	x.mu.Lock()
	defer x.mu.Unlock()
	current := x.byConn[id]
	for _, rid := range rooms {
		if containsRoom(current, rid) {
			continue
		}
		if _, _, err := x.rooms.GetOrCreate(rid).Join(sess); err != nil {
			log.Error().Err(err).Str("module", "app.rooms").Str("conn", string(id)).Str("room", string(rid)).Msg("static join failed")
			continue
		}
		current = append(current, rid)
	}
	x.byConn[id] = current
	log.Debug().Str("module", "app.rooms").Str("conn", string(id)).Int("rooms", len(current)).Msg("joined static rooms")
}

// LeaveAll removes the connection from all its static rooms, deleting rooms
// that become empty. Unknown connections are a no-op.
func (x *RoomIndex) LeaveAll(id domain.ConnID) []domain.RoomID {
	x.mu.Lock()
	defer x.mu.Unlock()
	rooms, ok := x.byConn[id]
	if !ok {
		return nil
	}
	delete(x.byConn, id)
	for _, rid := range rooms {
		room, ok := x.rooms.Get(rid)
		if !ok {
			continue
		}
		if _, remaining := room.Leave(id); remaining == 0 {
			x.rooms.DeleteIfEmpty(rid)
		}
	}
	log.Debug().Str("module", "app.rooms").Str("conn", string(id)).Int("rooms", len(rooms)).Msg("left static rooms")
	return rooms
}

// Dissolve drops a room and every connection's membership in it, for groups
// deleted while their members are connected. It returns how many connections
// were removed.
func (x *RoomIndex) Dissolve(rid domain.RoomID) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	room, ok := x.rooms.Get(rid)
	if !ok {
		return 0
	}
	members := room.Members()
	for _, m := range members {
		id := m.ID()
		room.Leave(id)
		rooms := x.byConn[id]
		for i, r := range rooms {
			if r == rid {
				x.byConn[id] = append(rooms[:i:i], rooms[i+1:]...)
				break
			}
		}
	}
	x.rooms.DeleteIfEmpty(rid)
	log.Info().Str("module", "app.rooms").Str("room", string(rid)).Int("conns", len(members)).Msg("room dissolved")
	return len(members)
}

// Members is a snapshot of the connections currently joined to a room.
func (x *RoomIndex) Members(rid domain.RoomID) []core.MemberSession {
	room, ok := x.rooms.Get(rid)
	if !ok {
		return nil
	}
	return room.Members()
}

func (x *RoomIndex) Has(id domain.ConnID, rid domain.RoomID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return containsRoom(x.byConn[id], rid)
}

func containsRoom(rooms []domain.RoomID, rid domain.RoomID) bool {
	for _, r := range rooms {
		if r == rid {
			return true
		}
	}
	return false
}
