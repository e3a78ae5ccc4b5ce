package app

import "github.com/dkeye/Pulse/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(member core.MemberSession) BackpressureAction
}

// SimplePolicy disconnects slow consumers; the ordinary teardown then runs.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.MemberSession) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops the frame and keeps the connection.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(core.MemberSession) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the hub.backpressure config value to a Policy.
func PolicyByName(name string) Policy {
	switch name {
	case "drop":
		return TolerantPolicy{}
	default:
		return SimplePolicy{}
	}
}
