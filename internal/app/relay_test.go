package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

type relayFixture struct {
	store *fakeStore
	rooms *RoomIndex
	relay *Relay
}

func newRelayFixture(groups *fakeGroups) *relayFixture {
	store := &fakeStore{}
	rooms := NewRoomIndex(groups)
	r := NewRelay(store, rooms, NewFanout(nil, nil), nil)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return &relayFixture{store: store, rooms: rooms, relay: r}
}

func (f *relayFixture) connect(t *testing.T, id string, uid domain.UserID, name string) *fakeConn {
	t.Helper()
	s, c := newSession(id, uid, name)
	rooms, err := f.rooms.RoomsFor(context.Background(), uid)
	if err != nil {
		t.Fatalf("RoomsFor: %v", err)
	}
	f.rooms.JoinAll(s, rooms)
	return c
}

func TestRelayGroupMessage(t *testing.T) {
	f := newRelayFixture(&fakeGroups{members: map[domain.GroupID][]domain.UserID{1: {1, 2, 3}}})
	a1 := f.connect(t, "a1", 1, "A")
	a2 := f.connect(t, "a2", 1, "A")
	b := f.connect(t, "b", 2, "B")
	c := f.connect(t, "c", 3, "C")
	outsider := f.connect(t, "d", 4, "D")

	gid := domain.GroupID(1)
	rc, err := f.relay.Send(context.Background(), &domain.Message{SenderID: 1, SenderName: "A", GroupID: &gid, Content: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rc.MessageID != 1 || rc.Delivered != 4 || !rc.Timestamp.Equal(f.relay.now()) {
		t.Fatalf("receipt = %+v", rc)
	}

	for name, conn := range map[string]*fakeConn{"a1": a1, "a2": a2} {
		got := conn.events(t, domain.EventNewMessage)
		if len(got) != 1 || got[0]["is_me"] != true {
			t.Fatalf("%s got %v, want one is_me copy", name, got)
		}
	}
	for name, conn := range map[string]*fakeConn{"b": b, "c": c} {
		got := conn.events(t, domain.EventNewMessage)
		if len(got) != 1 || got[0]["is_me"] != false || got[0]["content"] != "hello" || got[0]["group_id"] != float64(1) {
			t.Fatalf("%s got %v", name, got)
		}
	}
	if outsider.count() != 0 {
		t.Fatalf("non-member received group message")
	}
}

func TestRelayDirectMessage(t *testing.T) {
	f := newRelayFixture(nil)
	a := f.connect(t, "a", 1, "A")
	b1 := f.connect(t, "b1", 2, "B")
	b2 := f.connect(t, "b2", 2, "B")

	to := domain.UserID(2)
	if _, err := f.relay.Send(context.Background(), &domain.Message{SenderID: 1, SenderName: "A", RecipientID: &to, Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := a.events(t, domain.EventNewMessage); len(got) != 1 || got[0]["is_me"] != true {
		t.Fatalf("sender got %v", got)
	}
	for _, conn := range []*fakeConn{b1, b2} {
		if got := conn.events(t, domain.EventNewMessage); len(got) != 1 || got[0]["is_me"] != false {
			t.Fatalf("recipient got %v", got)
		}
	}
}

func TestRelayMessageToSelfDeliveredOnce(t *testing.T) {
	f := newRelayFixture(nil)
	a := f.connect(t, "a", 1, "A")
	me := domain.UserID(1)
	if _, err := f.relay.Send(context.Background(), &domain.Message{SenderID: 1, RecipientID: &me, Content: "note"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := len(a.events(t, domain.EventNewMessage)); n != 1 {
		t.Fatalf("self message delivered %d times", n)
	}
}

func TestRelayPersistenceFailureDeliversNothing(t *testing.T) {
	f := newRelayFixture(nil)
	a := f.connect(t, "a", 1, "A")
	b := f.connect(t, "b", 2, "B")
	f.store.err = errors.New("disk full")

	to := domain.UserID(2)
	_, err := f.relay.Send(context.Background(), &domain.Message{SenderID: 1, RecipientID: &to, Content: "lost"})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if ErrorCode(err) != domain.CodePersistence {
		t.Fatalf("code = %s", ErrorCode(err))
	}
	if a.count() != 0 || b.count() != 0 {
		t.Fatalf("unpersisted message was delivered")
	}
}

func TestRelayRejectsInvalid(t *testing.T) {
	f := newRelayFixture(nil)
	to := domain.UserID(2)
	_, err := f.relay.Send(context.Background(), &domain.Message{SenderID: 1, RecipientID: &to, Content: "  "})
	if !errors.Is(err, domain.ErrInvalidMessage) || ErrorCode(err) != domain.CodeInvalidMessage {
		t.Fatalf("err = %v", err)
	}
	if len(f.store.saved) != 0 {
		t.Fatalf("invalid message persisted")
	}
}
