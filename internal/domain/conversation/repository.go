package conversation

import (
	"context"
	"time"
)

// Repository exposes persistence for session metadata.
type Repository interface {
	Create(ctx context.Context, conv *Conversation) error
	FindByID(ctx context.Context, id uint) (*Conversation, error)
	FindByPublicID(ctx context.Context, publicID string) (*Conversation, error)
	// FindByCode looks up a session by room code, case-insensitively.
	// Codes are not guaranteed globally unique; the first live match wins.
	FindByCode(ctx context.Context, code string) (*Conversation, error)
	// SetPartner fills in the partner name. Later joins overwrite an earlier
	// partner with no conflict detection.
	SetPartner(ctx context.Context, id uint, partnerName string) error
	// Touch bumps updated_at after message activity.
	Touch(ctx context.Context, id uint) error
	// DeleteStale removes partner-pending sessions created before the cutoff
	// and returns the number removed.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
	// CountWaiting returns the number of partner-pending sessions.
	CountWaiting(ctx context.Context) (int64, error)
}

// MessageRepository persists individual transcript messages.
type MessageRepository interface {
	Insert(ctx context.Context, msg *Message) error
	// ListByConversation returns messages in created_at order. A positive
	// offset skips rows the caller already holds; insertion order is the
	// only ordering guarantee.
	ListByConversation(ctx context.Context, conversationID uint, offset int) ([]Message, error)
}
