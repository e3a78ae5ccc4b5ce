package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	presenceQueueSize   = 256
	presenceSinkTimeout = 2 * time.Second
)

// Presence broadcasts user_status to every live connection on a true
// online/offline transition. The broadcast is O(total connections).
//
// A registry change and its announcement happen under the user's transition
// lock, so two transitions of one user are observed in the order they were
// applied.
type Presence struct {
	registry *Registry
	out      *Fanout
	metrics  *Metrics
	locks    userLocks

	sink  core.PresenceSink
	queue chan domain.UserStatusEvent

	// users whose transition did not fit in queue; Run re-exports their
	// current state once the queue drains.
	pendingMu sync.Mutex
	pending   map[domain.UserID]struct{}
	resync    chan struct{}
}

func NewPresence(reg *Registry, out *Fanout, sink core.PresenceSink, m *Metrics) *Presence {
	p := &Presence{registry: reg, out: out, metrics: m, sink: sink}
	if sink != nil {
		p.queue = make(chan domain.UserStatusEvent, presenceQueueSize)
		p.pending = make(map[domain.UserID]struct{})
		p.resync = make(chan struct{}, 1)
	}
	return p
}

// Online registers sess and announces its user if this is their first
// connection. It reports whether the user was already online.
func (p *Presence) Online(sess core.MemberSession, cancel context.CancelFunc) (wasOnline bool) {
	uid := sess.User().ID
	unlock := p.locks.lock(uid)
	defer unlock()

	wasOnline = p.registry.Register(sess, cancel)
	if !wasOnline {
		p.Announce(uid, domain.StatusOnline)
	} else {
		p.metrics.SetOnline(len(p.registry.OnlineUsers()), p.registry.ConnCount())
	}
	return wasOnline
}

// Offline unregisters id and announces its user if that was their last
// connection. A nil session means id was not registered.
func (p *Presence) Offline(id domain.ConnID) (core.MemberSession, bool) {
	sess, ok := p.registry.Session(id)
	if !ok {
		return nil, false
	}
	uid := sess.User().ID
	unlock := p.locks.lock(uid)
	defer unlock()

	sess, becameOffline := p.registry.Unregister(id)
	if sess == nil {
		return nil, false
	}
	if becameOffline {
		p.Announce(uid, domain.StatusOffline)
	} else {
		p.metrics.SetOnline(len(p.registry.OnlineUsers()), p.registry.ConnCount())
	}
	return sess, becameOffline
}

// Announce delivers the transition synchronously to all connections and
// queues it for the external sink, if any.
func (p *Presence) Announce(uid domain.UserID, status string) int {
	ev := domain.UserStatusEvent{UserID: uid, Status: status}
	res := p.out.Send(p.registry.All(), ev)
	p.metrics.Presence(status)
	p.metrics.SetOnline(len(p.registry.OnlineUsers()), p.registry.ConnCount())
	log.Info().Str("module", "app.presence").Str("user", uid.String()).Str("status", status).Int("sent_to", res.SendTo).Msg("presence transition")

	if p.queue != nil {
		select {
		case p.queue <- ev:
		default:
			p.markPending(uid)
			log.Warn().Str("module", "app.presence").Str("user", uid.String()).Msg("presence sink queue full, state will be re-exported")
		}
	}
	return res.SendTo
}

func (p *Presence) markPending(uid domain.UserID) {
	p.pendingMu.Lock()
	p.pending[uid] = struct{}{}
	p.pendingMu.Unlock()
	p.wakeResync()
}

func (p *Presence) wakeResync() {
	select {
	case p.resync <- struct{}{}:
	default:
	}
}

// Run exports queued transitions to the sink in order until ctx is done.
func (p *Presence) Run(ctx context.Context) error {
	if p.queue == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			p.publish(ctx, ev)
		case <-p.resync:
			if len(p.queue) > 0 {
				// older transitions first; try again once they are out
				p.wakeResync()
				continue
			}
			p.flushPending(ctx)
		}
	}
}

// flushPending exports the registry's current state for every user whose
// transition was dropped.
func (p *Presence) flushPending(ctx context.Context) {
	p.pendingMu.Lock()
	users := make([]domain.UserID, 0, len(p.pending))
	for uid := range p.pending {
		users = append(users, uid)
	}
	clear(p.pending)
	p.pendingMu.Unlock()

	for _, uid := range users {
		status := domain.StatusOffline
		if p.registry.IsOnline(uid) {
			status = domain.StatusOnline
		}
		p.publish(ctx, domain.UserStatusEvent{UserID: uid, Status: status})
	}
	if len(users) > 0 {
		log.Info().Str("module", "app.presence").Int("users", len(users)).Msg("presence sink resynced")
	}
}

func (p *Presence) publish(ctx context.Context, ev domain.UserStatusEvent) {
	sctx, cancel := context.WithTimeout(ctx, presenceSinkTimeout)
	defer cancel()
	if err := p.sink.PublishPresence(sctx, ev); err != nil {
		log.Error().Err(err).Str("module", "app.presence").Str("user", ev.UserID.String()).Msg("presence sink publish")
	}
}

// userLocks hands out one mutex per user and drops it when nobody holds it.
type userLocks struct {
	mu sync.Mutex
	m  map[domain.UserID]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(uid domain.UserID) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[domain.UserID]*userLock)
	}
	ul, ok := l.m[uid]
	if !ok {
		ul = &userLock{}
		l.m[uid] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, uid)
		}
		l.mu.Unlock()
	}
}
