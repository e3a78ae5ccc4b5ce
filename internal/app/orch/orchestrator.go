// Package orch sequences the hub components for connection lifecycle and
// inbound events.
package orch

import (
	"context"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

const defaultGroupLookupTimeout = 3 * time.Second

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomIndex
	Presence *app.Presence
	Typing   *app.Typing
	Relay    *app.Relay
	Video    *app.VideoMesh
	Out      *app.Fanout
	Metrics  *app.Metrics

	TypingLimiter *app.RateLimiter
	CallLimiter   *app.RateLimiter

	GroupLookupTimeout time.Duration
}

// Connect registers the connection, announces the user if this is their
// first connection and joins its static rooms. It runs before the
// connection's events are read, so peers see the user online before any of
// their messages.
func (o *Orchestrator) Connect(ctx context.Context, sess core.MemberSession, cancel context.CancelFunc) {
	user := sess.User()
	o.Presence.Online(sess, cancel)

	timeout := o.GroupLookupTimeout
	if timeout <= 0 {
		timeout = defaultGroupLookupTimeout
	}
	lctx, lcancel := context.WithTimeout(ctx, timeout)
	rooms, err := o.Rooms.RoomsFor(lctx, user.ID)
	lcancel()
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(sess.ID())).Msg("group lookup failed, direct room only")
	}
	o.Rooms.JoinAll(sess, rooms)

	o.Out.SendOne(sess, domain.AuthResultEvent{OK: true, ConnectionID: sess.ID(), UserID: user.ID, UserName: user.Name})
	log.Info().Str("module", "orch").Str("conn", string(sess.ID())).Str("user", user.ID.String()).Int("rooms", len(rooms)).Msg("connected")
}

// Disconnect is the only teardown path: unregister (and announce offline),
// leave static rooms, then leave the video mesh. A second call for the same
// connection finds nothing registered and returns.
func (o *Orchestrator) Disconnect(id domain.ConnID) {
	sess, becameOffline := o.Presence.Offline(id)
	if sess == nil {
		return
	}
	uid := sess.User().ID
	if becameOffline {
		o.TypingLimiter.Forget(uid)
		o.CallLimiter.Forget(uid)
	}
	left := o.Rooms.LeaveAll(id)
	videoRoom, inVideo := o.Video.DisconnectCleanup(id)

	log.Info().Str("module", "orch").Str("conn", string(id)).Str("user", uid.String()).Int("static_rooms", len(left)).Bool("in_video", inVideo).Str("video_room", string(videoRoom)).Msg("disconnected")
}

// Dispatch routes one decoded event from a registered connection. Events from
// connections the registry does not know return app.ErrUnauthenticated.
func (o *Orchestrator) Dispatch(ctx context.Context, id domain.ConnID, ev domain.InboundEvent) error {
	sess, ok := o.Registry.Session(id)
	if !ok {
		return app.ErrUnauthenticated
	}
	switch e := ev.(type) {
	case domain.SendMessageEvent:
		o.OnSendMessage(ctx, sess, e)
	case domain.TypingEvent:
		o.OnTyping(sess, e)
	case domain.JoinVideoEvent:
		o.OnJoinVideo(sess, e)
	case domain.LeaveVideoEvent:
		o.OnLeaveVideo(sess, e)
	case domain.SignalEvent:
		o.OnSignal(sess, e)
	case domain.StartCallEvent:
		o.OnStartCall(sess, e)
	case domain.PingEvent:
		o.Out.SendOne(sess, domain.PongEvent{})
	case domain.AuthEvent:
		user := sess.User()
		o.Out.SendOne(sess, domain.AuthResultEvent{OK: true, ConnectionID: id, UserID: user.ID, UserName: user.Name})
	default:
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("type", string(ev.Type())).Msg("unhandled event")
	}
	return nil
}

// Reject tells one connection why its event was refused.
func (o *Orchestrator) Reject(sess core.MemberSession, err error, clientRef string) {
	o.Out.SendOne(sess, domain.ErrorEvent{Code: app.ErrorCode(err), Message: err.Error(), ClientRef: clientRef})
}
