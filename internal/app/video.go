package app

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultVideoCapacity = 8

// VideoMesh coordinates capacity-bounded video rooms. Every membership
// mutation, including room creation and deletion, happens under mu, so the
// capacity check and the add are one step. Events go out after mu is released,
// to snapshots taken inside it.
type VideoMesh struct {
	out      *Fanout
	metrics  *Metrics
	capacity int

	mu     sync.Mutex
	rooms  *RoomManagerImpl
	byConn map[domain.ConnID]domain.RoomID
}

func NewVideoMesh(capacity int, out *Fanout, m *Metrics) *VideoMesh {
	if capacity <= 0 {
		capacity = DefaultVideoCapacity
	}
	return &VideoMesh{
		out:      out,
		metrics:  m,
		capacity: capacity,
		rooms:    NewRoomManager(domain.RoomVideo, capacity),
		byConn:   make(map[domain.ConnID]domain.RoomID),
	}
}

func (v *VideoMesh) Capacity() int { return v.capacity }

// departure is a leave that still owes user_left to the remaining members.
type departure struct {
	room      domain.RoomID
	conn      domain.ConnID
	remaining []core.MemberSession
}

// Join adds sess to room and returns the members that were already there.
// A full room yields core.ErrRoomFull and nothing changes, not even the
// caller's current room. Joining another room leaves the current one first.
// Rejoining the current room returns the peers without notifying anyone.
func (v *VideoMesh) Join(sess core.MemberSession, room domain.RoomID) ([]core.MemberSession, error) {
	if err := domain.ValidateVideoRoomID(room); err != nil {
		return nil, err
	}
	id := sess.ID()

	v.mu.Lock()
	if cur, ok := v.byConn[id]; ok && cur == room {
		rs, _ := v.rooms.Get(room)
		peers, _, _ := rs.Join(sess)
		v.mu.Unlock()
		return peers, nil
	}
	if rs, ok := v.rooms.Get(room); ok && rs.MemberCount() >= v.capacity {
		v.mu.Unlock()
		v.metrics.VideoJoin("full")
		log.Info().Str("module", "app.video").Str("conn", string(id)).Str("room", string(room)).Msg("join rejected, room full")
		return nil, core.ErrRoomFull
	}
	var prev *departure
	if cur, ok := v.byConn[id]; ok {
		prev = v.removeLocked(cur, id)
	}
	peers, _, err := v.rooms.GetOrCreate(room).Join(sess)
	if err != nil {
		// unreachable while mu guards every add; keep the table consistent anyway
		v.rooms.DeleteIfEmpty(room)
		v.mu.Unlock()
		v.announceLeft(prev)
		v.metrics.VideoJoin("full")
		return nil, err
	}
	v.byConn[id] = room
	v.metrics.SetVideoRooms(v.rooms.Len())
	v.mu.Unlock()

	v.announceLeft(prev)
	user := sess.User()
	v.out.Send(peers, domain.PeerJoinedEvent{
		RoomID: room,
		Peer:   domain.Peer{ConnectionID: id, UserID: user.ID, UserName: user.Name},
	})
	v.metrics.VideoJoin("ok")
	log.Info().Str("module", "app.video").Str("conn", string(id)).Str("room", string(room)).Int("peers", len(peers)).Msg("joined video room")
	return peers, nil
}

// Leave removes the connection from room. Not being a member is a no-op.
func (v *VideoMesh) Leave(room domain.RoomID, id domain.ConnID) bool {
	v.mu.Lock()
	if cur, ok := v.byConn[id]; !ok || cur != room {
		v.mu.Unlock()
		return false
	}
	d := v.removeLocked(room, id)
	v.mu.Unlock()

	v.announceLeft(d)
	return true
}

// DisconnectCleanup removes the connection from whatever room it is in.
func (v *VideoMesh) DisconnectCleanup(id domain.ConnID) (domain.RoomID, bool) {
	v.mu.Lock()
	room, ok := v.byConn[id]
	if !ok {
		v.mu.Unlock()
		return "", false
	}
	d := v.removeLocked(room, id)
	v.mu.Unlock()

	v.announceLeft(d)
	return room, true
}

func (v *VideoMesh) removeLocked(room domain.RoomID, id domain.ConnID) *departure {
	delete(v.byConn, id)
	rs, ok := v.rooms.Get(room)
	if !ok {
		return nil
	}
	rs.Leave(id)
	d := &departure{room: room, conn: id, remaining: rs.Members()}
	if len(d.remaining) == 0 {
		v.rooms.DeleteIfEmpty(room)
		log.Info().Str("module", "app.video").Str("room", string(room)).Msg("video room closed")
	}
	v.metrics.SetVideoRooms(v.rooms.Len())
	log.Info().Str("module", "app.video").Str("conn", string(id)).Str("room", string(room)).Int("remaining", len(d.remaining)).Msg("left video room")
	return d
}

func (v *VideoMesh) announceLeft(d *departure) {
	if d == nil || len(d.remaining) == 0 {
		return
	}
	v.out.Send(d.remaining, domain.UserLeftEvent{RoomID: d.room, ConnectionID: d.conn})
}

// RelaySignal forwards payload to target if target is currently in a video
// room. Stale targets are dropped without telling the sender.
func (v *VideoMesh) RelaySignal(from core.MemberSession, target domain.ConnID, payload json.RawMessage) bool {
	kind := classifySignal(payload)

	v.mu.Lock()
	var dst core.MemberSession
	if room, ok := v.byConn[target]; ok {
		if rs, ok := v.rooms.Get(room); ok {
			dst, _ = rs.Get(target)
		}
	}
	v.mu.Unlock()

	if dst == nil {
		v.metrics.Signal("dropped", kind)
		log.Debug().Str("module", "app.video").Str("conn", string(from.ID())).Str("target", string(target)).Str("kind", kind).Msg("signal to stale target dropped")
		return false
	}
	user := from.User()
	ok := v.out.SendOne(dst, domain.SignalReceivedEvent{
		Sender:     from.ID(),
		SenderID:   user.ID,
		SenderName: user.Name,
		Payload:    payload,
	})
	outcome := "relayed"
	if !ok {
		outcome = "dropped"
	}
	v.metrics.Signal(outcome, kind)
	return ok
}

func (v *VideoMesh) RoomOf(id domain.ConnID) (domain.RoomID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	room, ok := v.byConn[id]
	return room, ok
}

func (v *VideoMesh) IsMember(room domain.RoomID, id domain.ConnID) bool {
	cur, ok := v.RoomOf(id)
	return ok && cur == room
}

func (v *VideoMesh) Members(room domain.RoomID) []core.MemberSession {
	v.mu.Lock()
	defer v.mu.Unlock()
	rs, ok := v.rooms.Get(room)
	if !ok {
		return nil
	}
	return rs.Members()
}

func (v *VideoMesh) Rooms() []core.RoomInfo { return v.rooms.List() }

// PeersOf renders sessions for all_users.
func PeersOf(sessions []core.MemberSession) ([]domain.ConnID, []domain.Peer) {
	ids := make([]domain.ConnID, 0, len(sessions))
	peers := make([]domain.Peer, 0, len(sessions))
	for _, ms := range sessions {
		u := ms.User()
		ids = append(ids, ms.ID())
		peers = append(peers, domain.Peer{ConnectionID: ms.ID(), UserID: u.ID, UserName: u.Name})
	}
	return ids, peers
}
