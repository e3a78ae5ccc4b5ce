package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry is the SessionRegistry: which connections are live and which user owns each.
// A user is online iff byUser holds at least one of their connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ConnID]*sessionEntry
	byUser   map[domain.UserID]map[domain.ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ConnID]*sessionEntry),
		byUser:   make(map[domain.UserID]map[domain.ConnID]struct{}),
	}
}

// Register binds a connection to its user. It reports whether the user already
// had another live connection. Registering the same connection twice is a no-op
// that reports true.
func (r *Registry) Register(sess core.MemberSession, cancel context.CancelFunc) (wasAlreadyOnline bool) {
	id, uid := sess.ID(), sess.User().ID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return true
	}
	conns, online := r.byUser[uid]
	if !online {
		conns = make(map[domain.ConnID]struct{}, 1)
		r.byUser[uid] = conns
	}
	conns[id] = struct{}{}
	r.sessions[id] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", uid.String()).Int("user_conns", len(conns)).Msg("registered connection")
	return online
}

// Unregister drops a connection. It returns the removed session (nil for an
// unknown connection) and whether that was the user's last connection.
func (r *Registry) Unregister(id domain.ConnID) (core.MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)

	uid := e.Session.User().ID
	becameOffline := false
	if conns, ok := r.byUser[uid]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byUser, uid)
			becameOffline = true
		}
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", uid.String()).Bool("offline", becameOffline).Msg("unregistered connection")
	return e.Session, becameOffline
}

func (r *Registry) IsOnline(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[uid]) > 0
}

func (r *Registry) Session(id domain.ConnID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Session, true
	}
	return nil, false
}

// All is a snapshot of every live connection.
func (r *Registry) All() []core.MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.MemberSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	return out
}

func (r *Registry) OnlineUsers() []domain.UserID {
	r.mu.RLock()
	out := make([]domain.UserID, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the connection's pumps; teardown follows from the adapter.
// Fanout uses it to kick slow consumers.
func (r *Registry) Cancel(id domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled session")
	return true
}
