package entities

import (
	"time"

	"mindmitra/services/couples-api/internal/domain/conversation"
)

// Message stores one transcript entry. Rows are append-only; created_at
// insertion order is the only ordering the schema guarantees.
type Message struct {
	ID             uint      `gorm:"primaryKey"`
	PublicID       string    `gorm:"type:varchar(50);uniqueIndex"`
	ConversationID uint      `gorm:"index;not null"`
	Role           string    `gorm:"size:32;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// EtoD converts the database entity to the domain model.
func (m *Message) EtoD() conversation.Message {
	return conversation.Message{
		ID:             m.ID,
		PublicID:       m.PublicID,
		ConversationID: m.ConversationID,
		Role:           conversation.Role(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

// NewSchemaMessage creates a database entity from the domain model.
func NewSchemaMessage(m *conversation.Message) *Message {
	return &Message{
		ID:             m.ID,
		PublicID:       m.PublicID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
