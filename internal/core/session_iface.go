package core

import (
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

// MemberSession binds a verified user to one live transport endpoint.
// This is what registries and rooms store and fan out to.
type MemberSession interface {
	ID() domain.ConnID
	User() domain.User
	Signal() SignalConnection
	EstablishedAt() time.Time
}
