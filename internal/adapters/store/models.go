package store

import (
	"time"

	"github.com/dkeye/Pulse/internal/domain"
)

type messageRow struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	SenderID       int64     `gorm:"not null;index:idx_msg_direct,priority:1"`
	SenderName     string    `gorm:"size:128"`
	RecipientID    *int64    `gorm:"index:idx_msg_direct,priority:2;index:idx_msg_unread,priority:1"`
	GroupID        *int64    `gorm:"index"`
	Content        string    `gorm:"type:text"`
	AttachmentRef  string    `gorm:"size:255"`
	AttachmentName string    `gorm:"size:255"`
	Timestamp      time.Time `gorm:"not null;index"`
	IsRead         bool      `gorm:"not null;default:false;index:idx_msg_unread,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

// groupRow lives in chat_groups; "groups" is reserved in MySQL 8.
type groupRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;not null"`
	CreatedBy int64  `gorm:"not null"`
	CreatedAt time.Time
}

func (groupRow) TableName() string { return "chat_groups" }

type groupMemberRow struct {
	GroupID int64 `gorm:"primaryKey"`
	UserID  int64 `gorm:"primaryKey;index"`
}

func (groupMemberRow) TableName() string { return "group_members" }

func toRow(m *domain.Message) *messageRow {
	row := &messageRow{
		SenderID:       int64(m.SenderID),
		SenderName:     m.SenderName,
		Content:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		AttachmentName: m.AttachmentName,
		Timestamp:      m.Timestamp.UTC(),
		IsRead:         m.Read,
	}
	if m.RecipientID != nil {
		v := int64(*m.RecipientID)
		row.RecipientID = &v
	}
	if m.GroupID != nil {
		v := int64(*m.GroupID)
		row.GroupID = &v
	}
	return row
}

func (r *messageRow) toDomain() domain.Message {
	m := domain.Message{
		ID:             domain.MessageID(r.ID),
		SenderID:       domain.UserID(r.SenderID),
		SenderName:     r.SenderName,
		Content:        r.Content,
		AttachmentRef:  r.AttachmentRef,
		AttachmentName: r.AttachmentName,
		Timestamp:      r.Timestamp.UTC(),
		Read:           r.IsRead,
	}
	if r.RecipientID != nil {
		v := domain.UserID(*r.RecipientID)
		m.RecipientID = &v
	}
	if r.GroupID != nil {
		v := domain.GroupID(*r.GroupID)
		m.GroupID = &v
	}
	return m
}
