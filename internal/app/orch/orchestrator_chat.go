package orch

import (
	"context"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) OnSendMessage(ctx context.Context, sess core.MemberSession, e domain.SendMessageEvent) {
	user := sess.User()
	msg := &domain.Message{
		SenderID:       user.ID,
		SenderName:     user.Name,
		RecipientID:    e.RecipientID,
		GroupID:        e.GroupID,
		Content:        e.Content,
		AttachmentRef:  e.AttachmentRef,
		AttachmentName: domain.AttachmentName(e.AttachmentRef),
	}
	if err := msg.Validate(); err != nil {
		o.Reject(sess, err, e.ClientRef)
		return
	}
	if msg.GroupID != nil && !o.Rooms.Has(sess.ID(), domain.GroupRoom(*msg.GroupID)) {
		o.Reject(sess, app.ErrNotGroupMember, e.ClientRef)
		return
	}

	receipt, err := o.Relay.Send(ctx, msg)
	if err != nil {
		o.Reject(sess, err, e.ClientRef)
		return
	}
	o.Out.SendOne(sess, domain.MessageSentEvent{ClientRef: e.ClientRef, MessageID: receipt.MessageID, Timestamp: receipt.Timestamp})
}

// OnTyping drops notices silently when rate limited or aimed at a group the
// connection did not join.
func (o *Orchestrator) OnTyping(sess core.MemberSession, e domain.TypingEvent) {
	uid := sess.User().ID
	if !e.Stop && !o.TypingLimiter.Allow(uid) {
		o.Metrics.RateLimited(string(e.Type()))
		log.Debug().Str("module", "orch").Str("conn", string(sess.ID())).Msg("typing rate limited")
		return
	}
	if e.GroupID != nil && !o.Rooms.Has(sess.ID(), domain.GroupRoom(*e.GroupID)) {
		log.Debug().Str("module", "orch").Str("conn", string(sess.ID())).Str("group", e.GroupID.String()).Msg("typing for foreign group ignored")
		return
	}
	o.Typing.Notify(sess, e)
}
