package app

import (
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Fanout encodes outbound events and delivers them, applying the
// backpressure policy to connections that cannot keep up.
type Fanout struct {
	Policy  Policy
	Metrics *Metrics
	// Kicker, when set, cancels a kicked connection so its adapter sends a
	// close frame and tears down. Without it the connection is closed.
	Kicker Kicker
}

type Kicker interface {
	Cancel(id domain.ConnID) bool
}

func NewFanout(policy Policy, m *Metrics) *Fanout {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Fanout{Policy: policy, Metrics: m}
}

func Encode(ev domain.OutboundEvent) (core.Frame, bool) {
	b, err := domain.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Str("type", string(ev.Type())).Msg("encode event")
		return nil, false
	}
	return b, true
}

func (f *Fanout) Send(targets []core.MemberSession, ev domain.OutboundEvent) core.PublishResult {
	if len(targets) == 0 {
		return core.PublishResult{}
	}
	frame, ok := Encode(ev)
	if !ok {
		return core.PublishResult{}
	}
	return f.SendFrame(targets, frame)
}

func (f *Fanout) SendOne(target core.MemberSession, ev domain.OutboundEvent) bool {
	return f.Send([]core.MemberSession{target}, ev).SendTo == 1
}

func (f *Fanout) SendFrame(targets []core.MemberSession, frame core.Frame) core.PublishResult {
	res := core.Publish(targets, frame)
	f.HandleDropped(res)
	return res
}

// HandleDropped applies the policy to every slow member of a publish.
func (f *Fanout) HandleDropped(res core.PublishResult) {
	for _, slow := range res.Dropped {
		action := f.Policy.OnBackPressure(slow)
		f.Metrics.FrameDropped(action)
		log.Warn().Str("module", "app.fanout").Str("conn", string(slow.ID())).Str("action", action.String()).Msg("send buffer full")
		switch action {
		case KickMember:
			if f.Kicker == nil || !f.Kicker.Cancel(slow.ID()) {
				slow.Signal().Close()
			}
		case MarkSlow, DropFrame, NoAction:
		}
	}
}
