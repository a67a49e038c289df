package entities

import (
	"time"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/roomkey"
)

// Conversation is the database schema for a couples session. The room code
// and both participant names are first-class columns; the legacy deployment
// packed them into Title, which is kept populated for older readers.
type Conversation struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	PublicID    string `gorm:"type:varchar(50);uniqueIndex;not null"`
	UserID      string `gorm:"type:varchar(64);index;not null;default:''"`
	Code        string `gorm:"type:varchar(12);index:idx_conversation_code;not null"`
	CreatorName string `gorm:"type:varchar(128);not null"`
	PartnerName string `gorm:"type:varchar(128);not null;default:'...'"`
	Title       string `gorm:"type:varchar(256)"`

	Messages []Message `gorm:"foreignKey:ConversationID"`
}

// TableName specifies the table name for Conversation.
func (Conversation) TableName() string {
	return "conversations"
}

// EtoD converts the database entity to the domain model. Rows written by
// the legacy title encoding (empty code column) are decoded on the way out.
func (c *Conversation) EtoD() *conversation.Conversation {
	conv := &conversation.Conversation{
		ID:          c.ID,
		PublicID:    c.PublicID,
		UserID:      c.UserID,
		Code:        c.Code,
		CreatorName: c.CreatorName,
		PartnerName: c.PartnerName,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if conv.Code == "" {
		if key := roomkey.Decode(c.Title); key != nil {
			conv.Code = key.Code
			conv.CreatorName = key.CreatorName
			conv.PartnerName = key.PartnerName
		}
	}
	return conv
}

// NewSchemaConversation creates a database entity from the domain model.
func NewSchemaConversation(c *conversation.Conversation) *Conversation {
	return &Conversation{
		ID:          c.ID,
		PublicID:    c.PublicID,
		UserID:      c.UserID,
		Code:        c.Code,
		CreatorName: c.CreatorName,
		PartnerName: c.PartnerName,
		Title:       c.Title(),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
