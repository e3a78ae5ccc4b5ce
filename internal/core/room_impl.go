package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room     domain.Room
	capacity int
	mu       sync.RWMutex
	byConn   map[domain.ConnID]MemberSession
}

// NewRoomService builds a room; capacity <= 0 means unbounded.
func NewRoomService(room domain.Room, capacity int) RoomService {
	return &roomImpl{
		room:     room,
		capacity: capacity,
		byConn:   make(map[domain.ConnID]MemberSession),
	}
}

func (r *roomImpl) Room() domain.Room { return r.room }
func (r *roomImpl) Capacity() int     { return r.capacity }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *roomImpl) Has(id domain.ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[id]
	return ok
}

func (r *roomImpl) Get(id domain.ConnID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byConn[id]
	return ms, ok
}

func (r *roomImpl) Members() []MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked("")
}

func (r *roomImpl) Join(ms MemberSession) ([]MemberSession, bool, error) {
	id := ms.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[id]; ok {
		return r.snapshotLocked(id), false, nil
	}
	if r.capacity > 0 && len(r.byConn) >= r.capacity {
		return nil, false, ErrRoomFull
	}
	others := r.snapshotLocked(id)
	r.byConn[id] = ms
	log.Debug().Str("module", "core.room").Str("room", string(r.room.ID)).Str("conn", string(id)).Int("members", len(r.byConn)).Msg("member added")
	return others, true, nil
}

func (r *roomImpl) Leave(id domain.ConnID) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[id]; !ok {
		return false, len(r.byConn)
	}
	delete(r.byConn, id)
	log.Debug().Str("module", "core.room").Str("room", string(r.room.ID)).Str("conn", string(id)).Int("members", len(r.byConn)).Msg("member removed")
	return true, len(r.byConn)
}

func (r *roomImpl) snapshotLocked(except domain.ConnID) []MemberSession {
	out := make([]MemberSession, 0, len(r.byConn))
	for id, ms := range r.byConn {
		if id == except {
			continue
		}
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EstablishedAt(), out[j].EstablishedAt()
		if ti.Equal(tj) {
			return out[i].ID() < out[j].ID()
		}
		return ti.Before(tj)
	})
	return out
}

// Publish attempts a non-blocking send to each target. Closed connections are
// skipped; full buffers are reported in Dropped.
func Publish(targets []MemberSession, data Frame) PublishResult {
	res := PublishResult{}
	for _, m := range targets {
		switch err := m.Signal().TrySend(data); err {
		case nil:
			res.SendTo++
		case ErrBackpressure:
			res.Dropped = append(res.Dropped, m)
		}
	}
	return res
}
