package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxMessageLen   = 4000
	HistoryPageSize = 20
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrPersistence    = errors.New("message persistence failed")
)

type MessageID int64

// Message is a chat message addressed to exactly one user or one group.
type Message struct {
	ID             MessageID
	SenderID       UserID
	SenderName     string
	RecipientID    *UserID
	GroupID        *GroupID
	Content        string
	AttachmentRef  string
	AttachmentName string
	Timestamp      time.Time
	Read           bool
}

// Validate checks the routing and content rules enforced before persistence.
func (m *Message) Validate() error {
	if m.SenderID <= 0 {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if (m.RecipientID == nil) == (m.GroupID == nil) {
		return fmt.Errorf("%w: exactly one of recipient_id or group_id is required", ErrInvalidMessage)
	}
	if m.RecipientID != nil && *m.RecipientID <= 0 {
		return fmt.Errorf("%w: bad recipient_id", ErrInvalidMessage)
	}
	if m.GroupID != nil && *m.GroupID <= 0 {
		return fmt.Errorf("%w: bad group_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Content) == "" && m.AttachmentRef == "" {
		return fmt.Errorf("%w: content or attachment required", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(m.Content) > MaxMessageLen {
		return fmt.Errorf("%w: content too long", ErrInvalidMessage)
	}
	return nil
}

// Conversation names either a direct thread with PeerID or a group thread.
type Conversation struct {
	PeerID  *UserID
	GroupID *GroupID
}

func (c Conversation) Valid() bool { return (c.PeerID == nil) != (c.GroupID == nil) }

// HistoryPage is one page of a conversation, oldest first.
type HistoryPage struct {
	Messages []Message
	Page     int
	HasMore  bool
}

// Receipt confirms that a message was persisted and fanned out.
type Receipt struct {
	MessageID MessageID
	Timestamp time.Time
	Delivered int
}

// AttachmentName is the display name encoded in an attachment reference.
func AttachmentName(ref string) string {
	if ref == "" {
		return ""
	}
	return path.Base(ref)
}
