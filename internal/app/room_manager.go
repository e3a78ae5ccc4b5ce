package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

// RoomManagerImpl is a room table. With kind RoomUnknown the kind of each
// room is taken from its static key. Callers that need
// create/join/delete to be atomic serialize them with their own lock.
type RoomManagerImpl struct {
	kind     domain.RoomKind
	capacity int

	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager(kind domain.RoomKind, capacity int) *RoomManagerImpl {
	return &RoomManagerImpl{
		kind:     kind,
		capacity: capacity,
		rooms:    make(map[domain.RoomID]core.RoomService),
	}
}

func (f *RoomManagerImpl) GetOrCreate(id domain.RoomID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	kind := f.kind
	if kind == domain.RoomUnknown {
		kind, _, _ = domain.ParseStaticRoom(id)
	}
	room = core.NewRoomService(domain.Room{ID: id, Kind: kind}, f.capacity)
	f.rooms[id] = room
	return room
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) DeleteIfEmpty(id domain.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok || room.MemberCount() > 0 {
		return false
	}
	delete(f.rooms, id)
	return true
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{ID: id, Kind: r.Room().Kind.String(), MemberCount: r.MemberCount(), Capacity: f.capacity})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *RoomManagerImpl) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rooms)
}

var _ core.RoomFactory = (*RoomManagerImpl)(nil)
