package core

import (
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

// memberSession implements MemberSession by pairing identity + transport.
type memberSession struct {
	id          domain.ConnID
	user        domain.User
	conn        SignalConnection
	established time.Time
}

func NewMemberSession(id domain.ConnID, user domain.User, conn SignalConnection) MemberSession {
	return &memberSession{id: id, user: user, conn: conn, established: time.Now()}
}

func (m *memberSession) ID() domain.ConnID        { return m.id }
func (m *memberSession) User() domain.User        { return m.user }
func (m *memberSession) Signal() SignalConnection { return m.conn }
func (m *memberSession) EstablishedAt() time.Time { return m.established }
