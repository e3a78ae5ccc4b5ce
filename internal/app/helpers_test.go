package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, append([]byte(nil), f...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events decodes every received frame of the given type.
func (c *fakeConn) events(t *testing.T, typ domain.EventType) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		if m["type"] == string(typ) {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newSession(id string, uid domain.UserID, name string) (core.MemberSession, *fakeConn) {
	conn := &fakeConn{}
	return core.NewMemberSession(domain.ConnID(id), domain.User{ID: uid, Name: name}, conn), conn
}

type fakeGroups struct {
	mu      sync.Mutex
	members map[domain.GroupID][]domain.UserID
	err     error
}

func (g *fakeGroups) GroupsOf(_ context.Context, uid domain.UserID) ([]domain.GroupID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	var out []domain.GroupID
	for gid, users := range g.members {
		for _, u := range users {
			if u == uid {
				out = append(out, gid)
			}
		}
	}
	return out, nil
}

func (g *fakeGroups) IsMember(_ context.Context, gid domain.GroupID, uid domain.UserID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	for _, u := range g.members[gid] {
		if u == uid {
			return true, nil
		}
	}
	return false, nil
}

type fakeStore struct {
	mu    sync.Mutex
	saved []domain.Message
	err   error
}

func (s *fakeStore) SaveMessage(_ context.Context, msg *domain.Message) (domain.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.saved = append(s.saved, *msg)
	return domain.MessageID(len(s.saved)), nil
}

func (s *fakeStore) FetchHistory(context.Context, domain.UserID, domain.Conversation, int) (domain.HistoryPage, error) {
	return domain.HistoryPage{}, nil
}

func (s *fakeStore) MarkRead(context.Context, domain.UserID, []domain.MessageID) error { return nil }

func (s *fakeStore) UnreadCount(context.Context, domain.UserID) (int64, error) { return 0, nil }
