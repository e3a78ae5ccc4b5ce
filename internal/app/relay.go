package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Relay is the MessageRelay: validate, persist, then fan out. A message that
// was not persisted is never delivered. No registry lock is held while the
// store is called.
type Relay struct {
	store   core.MessageStore
	rooms   *RoomIndex
	out     *Fanout
	metrics *Metrics
	now     func() time.Time
}

func NewRelay(store core.MessageStore, rooms *RoomIndex, out *Fanout, m *Metrics) *Relay {
	return &Relay{store: store, rooms: rooms, out: out, metrics: m, now: time.Now}
}

func (r *Relay) Send(ctx context.Context, msg *domain.Message) (domain.Receipt, error) {
	if err := msg.Validate(); err != nil {
		r.metrics.RelayFailed("invalid")
		return domain.Receipt{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}

	id, err := r.store.SaveMessage(ctx, msg)
	if err != nil {
		r.metrics.RelayFailed("persistence")
		log.Error().Err(err).Str("module", "app.relay").Str("user", msg.SenderID.String()).Msg("save message")
		return domain.Receipt{}, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	msg.ID = id

	kind, targets := r.targets(msg)
	delivered := r.deliver(msg, targets)
	r.metrics.MessageRelayed(kind)
	log.Info().Str("module", "app.relay").Int64("message", int64(id)).Str("user", msg.SenderID.String()).Str("kind", kind).Int("delivered", delivered).Msg("message relayed")

	return domain.Receipt{MessageID: id, Timestamp: msg.Timestamp, Delivered: delivered}, nil
}

// targets: a direct message goes to both the sender's and the recipient's
// rooms; a group message goes to the group room, sender included.
func (r *Relay) targets(msg *domain.Message) (string, []core.MemberSession) {
	if msg.GroupID != nil {
		return "group", r.rooms.Members(domain.GroupRoom(*msg.GroupID))
	}
	all := r.rooms.Members(domain.DirectRoom(msg.SenderID))
	if *msg.RecipientID != msg.SenderID {
		all = append(all, r.rooms.Members(domain.DirectRoom(*msg.RecipientID))...)
	}
	return "direct", all
}

func (r *Relay) deliver(msg *domain.Message, targets []core.MemberSession) int {
	mine, theirs := splitByUser(dedupe(targets), msg.SenderID)
	res := core.PublishResult{}
	if len(mine) > 0 {
		res.Merge(r.out.Send(mine, domain.NewMessageFrom(msg, true)))
	}
	if len(theirs) > 0 {
		res.Merge(r.out.Send(theirs, domain.NewMessageFrom(msg, false)))
	}
	return res.SendTo
}

func dedupe(in []core.MemberSession) []core.MemberSession {
	seen := make(map[domain.ConnID]struct{}, len(in))
	out := in[:0:0]
	for _, ms := range in {
		if _, ok := seen[ms.ID()]; ok {
			continue
		}
		seen[ms.ID()] = struct{}{}
		out = append(out, ms)
	}
	return out
}

func splitByUser(in []core.MemberSession, uid domain.UserID) (mine, theirs []core.MemberSession) {
	for _, ms := range in {
		if ms.User().ID == uid {
			mine = append(mine, ms)
		} else {
			theirs = append(theirs, ms)
		}
	}
	return mine, theirs
}

// ErrorCode maps relay and hub errors onto outbound error codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		return domain.CodeInvalidMessage
	case errors.Is(err, domain.ErrPersistence):
		return domain.CodePersistence
	case errors.Is(err, core.ErrRoomFull):
		return domain.CodeRoomFull
	case errors.Is(err, ErrUnauthenticated):
		return domain.CodeUnauthorized
	case errors.Is(err, ErrNotGroupMember):
		return domain.CodeForbidden
	case errors.Is(err, ErrRateLimited):
		return domain.CodeRateLimited
	default:
		return domain.CodeInternal
	}
}
