package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) OnJoinVideo(sess core.MemberSession, e domain.JoinVideoEvent) {
	peers, err := o.Video.Join(sess, e.RoomID)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, core.ErrRoomFull) {
			msg = fmt.Sprintf("room is full (max %d participants)", o.Video.Capacity())
		}
		o.Out.SendOne(sess, domain.CallErrorEvent{RoomID: e.RoomID, Message: msg})
		return
	}
	ids, infos := app.PeersOf(peers)
	o.Out.SendOne(sess, domain.AllUsersEvent{RoomID: e.RoomID, Users: ids, Peers: infos})
}

func (o *Orchestrator) OnLeaveVideo(sess core.MemberSession, e domain.LeaveVideoEvent) {
	if !o.Video.Leave(e.RoomID, sess.ID()) {
		log.Debug().Str("module", "orch").Str("conn", string(sess.ID())).Str("room", string(e.RoomID)).Msg("leave for a room the connection is not in")
	}
}

func (o *Orchestrator) OnSignal(sess core.MemberSession, e domain.SignalEvent) {
	o.Video.RelaySignal(sess, e.Target, e.Payload)
}

// OnStartCall is notify-only; no hub state changes.
func (o *Orchestrator) OnStartCall(sess core.MemberSession, e domain.StartCallEvent) {
	user := sess.User()
	if !o.CallLimiter.Allow(user.ID) {
		o.Metrics.RateLimited(string(e.Type()))
		o.Reject(sess, app.ErrRateLimited, "")
		return
	}
	targets, ok := o.callTargets(sess, e.RoomID)
	if !ok {
		o.Reject(sess, fmt.Errorf("%w: cannot call %q", app.ErrNotGroupMember, e.RoomID), "")
		return
	}
	res := o.Out.Send(targets, domain.IncomingCallEvent{CallerID: user.ID, CallerName: user.Name, RoomID: e.RoomID})
	log.Info().Str("module", "orch").Str("conn", string(sess.ID())).Str("room", string(e.RoomID)).Int("sent_to", res.SendTo).Msg("call started")
}

// callTargets resolves room_id to the connections to ring, minus the caller's own.
func (o *Orchestrator) callTargets(sess core.MemberSession, room domain.RoomID) ([]core.MemberSession, bool) {
	var members []core.MemberSession
	if kind, _, ok := domain.ParseStaticRoom(room); ok {
		if kind == domain.RoomGroup && !o.Rooms.Has(sess.ID(), room) {
			return nil, false
		}
		members = o.Rooms.Members(room)
	} else {
		members = o.Video.Members(room)
	}
	uid := sess.User().ID
	out := make([]core.MemberSession, 0, len(members))
	for _, ms := range members {
		if ms.User().ID != uid {
			out = append(out, ms)
		}
	}
	return out, true
}
