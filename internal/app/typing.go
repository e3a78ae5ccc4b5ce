package app

import (
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Typing routes ephemeral typing notices. Nothing is stored or retried, and
// the sender's own connections never receive their notice back.
type Typing struct {
	rooms *RoomIndex
	out   *Fanout
}

func NewTyping(rooms *RoomIndex, out *Fanout) *Typing {
	return &Typing{rooms: rooms, out: out}
}

func (t *Typing) Notify(sender core.MemberSession, ev domain.TypingEvent) int {
	user := sender.User()
	notice := domain.TypingNotice{Stop: ev.Stop, SenderID: user.ID, SenderName: user.Name}

	var room domain.RoomID
	switch {
	case ev.GroupID != nil:
		notice.GroupID = ev.GroupID
		room = domain.GroupRoom(*ev.GroupID)
	case ev.RecipientID != nil:
		room = domain.DirectRoom(*ev.RecipientID)
	default:
		return 0
	}

	targets := excludeUser(t.rooms.Members(room), user.ID)
	res := t.out.Send(targets, notice)
	log.Debug().Str("module", "app.typing").Str("user", user.ID.String()).Str("room", string(room)).Bool("stop", ev.Stop).Int("sent_to", res.SendTo).Msg("typing notice")
	return res.SendTo
}

func excludeUser(in []core.MemberSession, uid domain.UserID) []core.MemberSession {
	out := in[:0:0]
	for _, ms := range in {
		if ms.User().ID != uid {
			out = append(out, ms)
		}
	}
	return out
}
