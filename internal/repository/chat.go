// Package repository implements data access for conversations and messages.
package repository

import (
	"context"
	"time"

	"parley/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for conversation and message data operations.
// It is the durable-store collaborator of the real-time pipeline: persist must
// succeed here before anything is broadcast.
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	AddParticipant(ctx context.Context, convID, userID uint, role string) error
	RemoveParticipant(ctx context.Context, convID, userID uint) error
	IsActiveParticipant(ctx context.Context, convID, userID uint) (bool, error)
	GetParticipant(ctx context.Context, convID, userID uint) (*models.ConversationParticipant, error)
	ActiveParticipantIDs(ctx context.Context, convID uint) ([]uint, error)

	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, msgID uint) (*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	GetMessages(ctx context.Context, convID uint, limit, offset int) ([]*models.Message, error)

	UpdateConversationSummary(ctx context.Context, convID uint, at time.Time, preview string) error
	IncrementUnread(ctx context.Context, convID, senderID uint, excludeUserIDs []uint) error
	MarkConversationRead(ctx context.Context, convID, userID uint) (int, error)
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindDirectConversation locates the direct conversation between exactly the
// two given users. Returns gorm.ErrRecordNotFound when none exists, which is
// the get-or-create signal for the service layer.
func (r *chatRepository) FindDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Joins(
			"JOIN conversation_participants cp_self ON cp_self.conversation_id = conversations.id AND cp_self.user_id = ?",
			userID,
		).
		Joins(
			"JOIN conversation_participants cp_other ON cp_other.conversation_id = conversations.id AND cp_other.user_id = ?",
			otherUserID,
		).
		Where("conversations.kind = ?", models.ConversationDirect).
		Where(
			"NOT EXISTS (SELECT 1 FROM conversation_participants cp_extra WHERE cp_extra.conversation_id = conversations.id AND cp_extra.user_id NOT IN (?, ?))",
			userID,
			otherUserID,
		).
		Order("conversations.updated_at DESC").
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, conv.ID)
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.user_id = ? AND cp.is_active = ?", userID, true).
		Select("conversations.*, COALESCE(cp.unread_count, 0) as unread_count").
		Preload("Participants").
		Order("conversations.last_message_at DESC NULLS LAST").
		Find(&conversations).Error
	return conversations, err
}

func (r *chatRepository) AddParticipant(ctx context.Context, convID, userID uint, role string) error {
	if role == "" {
		role = models.RoleMember
	}
	participant := models.ConversationParticipant{
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
		IsActive:       true,
	}
	// Re-adding a soft-left participant reactivates the existing row.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"is_active": true}),
	}).Create(&participant).Error
}

func (r *chatRepository) RemoveParticipant(ctx context.Context, convID, userID uint) error {
	// Soft-leave: the row stays so unread/receipt history remains consistent.
	return r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("is_active", false).Error
}

func (r *chatRepository) IsActiveParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", convID, userID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *chatRepository) GetParticipant(ctx context.Context, convID, userID uint) (*models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		First(&participant).Error
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

func (r *chatRepository) ActiveParticipantIDs(ctx context.Context, convID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND is_active = ?", convID, true).
		Pluck("user_id", &ids).Error
	return ids, err
}

// CreateMessage persists a message with a server-assigned CreatedAt that is
// strictly greater than every previously accepted message in the conversation.
// Callers must serialize sends per conversation; the transaction here keeps the
// monotonic stamp correct even across that boundary.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last time.Time
		row := tx.Model(&models.Message{}).
			Where("conversation_id = ?", msg.ConversationID).
			Select("MAX(created_at)").
			Row()
		_ = row.Scan(&last)

		now := time.Now().UTC()
		if !last.Before(now) {
			now = last.Add(time.Microsecond)
		}
		msg.CreatedAt = now

		return tx.Create(msg).Error
	})
}

func (r *chatRepository) GetMessage(ctx context.Context, msgID uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Preload("Sender").First(&msg, msgID).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatRepository) UpdateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"content":    msg.Content,
			"is_edited":  msg.IsEdited,
			"is_deleted": msg.IsDeleted,
		}).Error
}

func (r *chatRepository) GetMessages(ctx context.Context, convID uint, limit, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Preload("Sender").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Fetched DESC to get the latest page; clients expect chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) UpdateConversationSummary(ctx context.Context, convID uint, at time.Time, preview string) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", convID).
		Updates(map[string]interface{}{
			"last_message_at":      at,
			"last_message_preview": preview,
		}).Error
}

// IncrementUnread bumps unread_count for every active participant other than
// the sender, skipping users in excludeUserIDs (those actively viewing).
func (r *chatRepository) IncrementUnread(ctx context.Context, convID, senderID uint, excludeUserIDs []uint) error {
	q := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id <> ? AND is_active = ?", convID, senderID, true)
	if len(excludeUserIDs) > 0 {
		q = q.Where("user_id NOT IN ?", excludeUserIDs)
	}
	return q.Update("unread_count", gorm.Expr("unread_count + 1")).Error
}

// MarkConversationRead upserts read receipts for every message the user has
// not yet read (idempotent) and resets their unread counter. Returns the
// number of messages newly marked.
func (r *chatRepository) MarkConversationRead(ctx context.Context, convID, userID uint) (int, error) {
	var newlyRead int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unreadIDs []uint
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ?", convID, userID).
			Where("NOT EXISTS (SELECT 1 FROM message_read_receipts mrr WHERE mrr.message_id = messages.id AND mrr.user_id = ?)", userID).
			Pluck("id", &unreadIDs).Error; err != nil {
			return err
		}

		if len(unreadIDs) > 0 {
			receipts := make([]models.MessageReadReceipt, 0, len(unreadIDs))
			now := time.Now().UTC()
			for _, msgID := range unreadIDs {
				receipts = append(receipts, models.MessageReadReceipt{
					MessageID: msgID,
					UserID:    userID,
					ReadAt:    now,
				})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", convID, userID).
			Update("unread_count", 0).Error; err != nil {
			return err
		}

		newlyRead = len(unreadIDs)
		return nil
	})
	return newlyRead, err
}
