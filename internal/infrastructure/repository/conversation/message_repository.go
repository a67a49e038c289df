package conversation

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	domain "mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/infrastructure/database/entities"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

// ListWindow caps how many messages an incremental fetch returns.
const ListWindow = 50

// NotifyChannel is the Postgres channel message inserts are announced on.
const NotifyChannel = "couples_messages"

// MessageRepository persists transcript entries.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository builds a message repository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

type insertNotification struct {
	ConversationID uint   `json:"conversation_id"`
	PublicID       string `json:"public_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// Insert stores a message and announces it on the notify channel so
// listeners can push it to the other participant without polling.
func (r *MessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	entity := entities.NewSchemaMessage(msg)

	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to insert message",
			err,
			"msg-insert",
		)
	}

	msg.ID = entity.ID
	msg.CreatedAt = entity.CreatedAt

	payload, err := json.Marshal(insertNotification{
		ConversationID: msg.ConversationID,
		PublicID:       msg.PublicID,
		Role:           string(msg.Role),
		Content:        msg.Content,
	})
	if err == nil {
		// Best effort: a missed notification is recovered by the next poll.
		r.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", NotifyChannel, string(payload))
	}

	return nil
}

// ListByConversation returns messages ordered oldest first. A zero offset
// loads the full history; a positive offset skips rows already seen and
// caps the result at ListWindow entries.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID uint, offset int) ([]domain.Message, error) {
	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC")
	if offset > 0 {
		query = query.Offset(offset).Limit(ListWindow)
	}

	var rows []entities.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list messages",
			err,
			"msg-list",
		)
	}

	messages := make([]domain.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].EtoD())
	}
	return messages, nil
}

var _ domain.MessageRepository = (*MessageRepository)(nil)
