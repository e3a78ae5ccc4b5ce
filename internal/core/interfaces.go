package core

import (
	"context"
	"io"

	"github.com/dkeye/Pulse/internal/domain"
)

// MessageStore persists chat messages. Durability is owned by the implementation.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message) (domain.MessageID, error)
	FetchHistory(ctx context.Context, viewer domain.UserID, conv domain.Conversation, page int) (domain.HistoryPage, error)
	MarkRead(ctx context.Context, reader domain.UserID, ids []domain.MessageID) error
	UnreadCount(ctx context.Context, user domain.UserID) (int64, error)
}

// GroupDirectory answers group membership questions.
type GroupDirectory interface {
	GroupsOf(ctx context.Context, user domain.UserID) ([]domain.GroupID, error)
	IsMember(ctx context.Context, group domain.GroupID, user domain.UserID) (bool, error)
}

// AttachmentStore keeps uploaded files and hands back opaque references.
type AttachmentStore interface {
	Save(ctx context.Context, name string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// IdentityProvider turns a bearer credential into a verified user.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (domain.User, error)
}

// PresenceSink receives true online/offline transitions. Optional.
type PresenceSink interface {
	PublishPresence(ctx context.Context, ev domain.UserStatusEvent) error
}
