package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

var (
	ErrBadConversation = errors.New("conversation needs exactly one of peer or group")
	ErrGroupNotFound   = errors.New("group not found")
	ErrNotGroupOwner   = errors.New("only the group creator or an admin can delete it")
)

// GormStore is the message store and group directory.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

var (
	_ core.MessageStore   = (*GormStore)(nil)
	_ core.GroupDirectory = (*GormStore)(nil)
)

func (s *GormStore) SaveMessage(ctx context.Context, msg *domain.Message) (domain.MessageID, error) {
	row := toRow(msg)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return domain.MessageID(row.ID), nil
}

// FetchHistory returns page (1-based) of a conversation, newest page first and
// oldest message first within the page.
func (s *GormStore) FetchHistory(ctx context.Context, viewer domain.UserID, conv domain.Conversation, page int) (domain.HistoryPage, error) {
	if !conv.Valid() {
		return domain.HistoryPage{}, ErrBadConversation
	}
	if page < 1 {
		page = 1
	}
	q := s.db.WithContext(ctx).Model(&messageRow{})
	if conv.GroupID != nil {
		q = q.Where("group_id = ?", int64(*conv.GroupID))
	} else {
		me, peer := int64(viewer), int64(*conv.PeerID)
		q = q.Where("group_id IS NULL").Where(
			s.db.Where("sender_id = ? AND recipient_id = ?", me, peer).
				Or("sender_id = ? AND recipient_id = ?", peer, me),
		)
	}

	var rows []messageRow
	err := q.Order("timestamp DESC").Order("id DESC").
		Offset((page - 1) * domain.HistoryPageSize).
		Limit(domain.HistoryPageSize + 1).
		Find(&rows).Error
	if err != nil {
		return domain.HistoryPage{}, fmt.Errorf("fetch history: %w", err)
	}

	out := domain.HistoryPage{Page: page}
	if len(rows) > domain.HistoryPageSize {
		out.HasMore = true
		rows = rows[:domain.HistoryPageSize]
	}
	out.Messages = make([]domain.Message, len(rows))
	for i := range rows {
		out.Messages[len(rows)-1-i] = rows[i].toDomain()
	}
	return out, nil
}

// MarkRead only flips direct messages addressed to reader.
func (s *GormStore) MarkRead(ctx context.Context, reader domain.UserID, ids []domain.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("id IN ? AND recipient_id = ? AND is_read = ?", raw, int64(reader), false).
		Update("is_read", true).Error
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *GormStore) UnreadCount(ctx context.Context, user domain.UserID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("recipient_id = ? AND is_read = ?", int64(user), false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

func (s *GormStore) GroupsOf(ctx context.Context, user domain.UserID) ([]domain.GroupID, error) {
	var raw []int64
	err := s.db.WithContext(ctx).Model(&groupMemberRow{}).
		Where("user_id = ?", int64(user)).
		Order("group_id").
		Pluck("group_id", &raw).Error
	if err != nil {
		return nil, fmt.Errorf("groups of user %s: %w", user, err)
	}
	out := make([]domain.GroupID, len(raw))
	for i, g := range raw {
		out[i] = domain.GroupID(g)
	}
	return out, nil
}

func (s *GormStore) IsMember(ctx context.Context, group domain.GroupID, user domain.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&groupMemberRow{}).
		Where("group_id = ? AND user_id = ?", int64(group), int64(user)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("group membership: %w", err)
	}
	return n > 0, nil
}

// CreateGroup stores a group and its members in one transaction. The creator
// is always a member.
func (s *GormStore) CreateGroup(ctx context.Context, name string, createdBy domain.UserID, members []domain.UserID) (domain.GroupID, error) {
	g := &groupRow{Name: name, CreatedBy: int64(createdBy)}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		rows := []groupMemberRow{{GroupID: g.ID, UserID: int64(createdBy)}}
		for _, m := range members {
			if m != createdBy {
				rows = append(rows, groupMemberRow{GroupID: g.ID, UserID: int64(m)})
			}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	return domain.GroupID(g.ID), nil
}

func (s *GormStore) AddMember(ctx context.Context, group domain.GroupID, user domain.UserID) error {
	row := groupMemberRow{GroupID: int64(group), UserID: int64(user)}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// DeleteGroup removes a group with its messages and memberships. Only the
// creator or an admin may delete it.
func (s *GormStore) DeleteGroup(ctx context.Context, group domain.GroupID, by domain.User) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g groupRow
		if err := tx.First(&g, int64(group)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGroupNotFound
			}
			return err
		}
		if g.CreatedBy != int64(by.ID) && !by.IsAdmin() {
			return ErrNotGroupOwner
		}
		if err := tx.Where("group_id = ?", g.ID).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", g.ID).Delete(&groupMemberRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&g).Error
	})
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) || errors.Is(err, ErrNotGroupOwner) {
			return err
		}
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// MessageByAttachment finds the message that carries ref. ok is false when
// no stored message references it.
func (s *GormStore) MessageByAttachment(ctx context.Context, ref string) (domain.Message, bool, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("attachment_ref = ?", ref).Order("id").Limit(1).Find(&rows).Error
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("message by attachment: %w", err)
	}
	if len(rows) == 0 {
		return domain.Message{}, false, nil
	}
	return rows[0].toDomain(), true, nil
}
