package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Conversation kinds.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Participant roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Message types.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Conversation represents a direct or group conversation.
// A direct conversation has exactly two participants and is unique per
// unordered pair of users (get-or-create semantics in the repository).
type Conversation struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Kind               string         `gorm:"not null;default:'direct';index" json:"kind"`
	Name               string         `json:"name"` // optional for direct
	Avatar             string         `json:"avatar"`
	CreatedBy          uint           `json:"created_by"`
	LastMessageAt      *time.Time     `gorm:"index" json:"last_message_at,omitempty"`
	LastMessagePreview string         `json:"last_message_preview"`
	IsActive           bool           `gorm:"default:true" json:"is_active"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
	Participants       []User         `gorm:"many2many:conversation_participants;" json:"participants,omitempty"`
	Messages           []Message      `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
	UnreadCount        int            `gorm:"-" json:"unread_count"`
}

// IsGroup reports whether the conversation is a group conversation.
func (c *Conversation) IsGroup() bool { return c.Kind == ConversationGroup }

// ConversationParticipant is the join table between conversations and users.
// UnreadCount only grows when a message lands while the participant is not
// actively viewing the conversation, and is reset to 0 by an explicit read.
type ConversationParticipant struct {
	ConversationID uint      `gorm:"primaryKey" json:"conversation_id"`
	UserID         uint      `gorm:"primaryKey" json:"user_id"`
	Role           string    `gorm:"not null;default:'member'" json:"role"`
	UnreadCount    int       `gorm:"default:0" json:"unread_count"`
	IsMuted        bool      `gorm:"default:false" json:"is_muted"`
	IsPinned       bool      `gorm:"default:false" json:"is_pinned"`
	IsActive       bool      `gorm:"default:true" json:"is_active"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// Message represents a chat message. Edits and deletes are tombstones: the row
// is never physically removed, so ordering and receipt history stay valid.
// CreatedAt is server-assigned and strictly increasing per conversation; it is
// the sole ordering key.
type Message struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	ConversationID   uint            `gorm:"not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	Conversation     *Conversation   `gorm:"foreignKey:ConversationID" json:"conversation,omitempty"`
	SenderID         uint            `gorm:"not null;index" json:"sender_id"`
	Sender           *User           `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content          string          `gorm:"type:text;not null" json:"content"`
	MessageType      string          `gorm:"default:'text'" json:"message_type"`
	ReplyToMessageID *uint           `json:"reply_to_message_id,omitempty"`
	Metadata         json.RawMessage `gorm:"type:json" json:"metadata,omitempty"` // attachment info
	IsEdited         bool            `gorm:"default:false" json:"is_edited"`
	IsDeleted        bool            `gorm:"default:false" json:"is_deleted"`
	CreatedAt        time.Time       `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MessageReadReceipt records that a user has read a message. At most one
// receipt exists per (message, user); marking read is idempotent.
type MessageReadReceipt struct {
	MessageID uint      `gorm:"primaryKey" json:"message_id"`
	UserID    uint      `gorm:"primaryKey" json:"user_id"`
	ReadAt    time.Time `gorm:"autoCreateTime" json:"read_at"`
}
