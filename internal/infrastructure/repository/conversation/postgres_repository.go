package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/roomkey"
	"mindmitra/services/couples-api/internal/infrastructure/database/entities"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

// Repository persists session metadata.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a conversation repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts the conversation record.
func (r *Repository) Create(ctx context.Context, conv *domain.Conversation) error {
	entity := entities.NewSchemaConversation(conv)

	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to create conversation",
			err,
			"conv-create",
		)
	}

	conv.ID = entity.ID
	conv.CreatedAt = entity.CreatedAt
	conv.UpdatedAt = entity.UpdatedAt
	return nil
}

// FindByID fetches a conversation by its internal ID.
func (r *Repository) FindByID(ctx context.Context, id uint) (*domain.Conversation, error) {
	var entity entities.Conversation
	if err := r.db.WithContext(ctx).First(&entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("conversation not found: %d", id),
				nil,
				"conv-find-id",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch conversation",
			err,
			"conv-find-id-db",
		)
	}

	return entity.EtoD(), nil
}

// FindByPublicID fetches a conversation by its public ID.
func (r *Repository) FindByPublicID(ctx context.Context, publicID string) (*domain.Conversation, error) {
	var entity entities.Conversation
	if err := r.db.WithContext(ctx).
		Where("public_id = ?", publicID).
		First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("conversation not found: %s", publicID),
				nil,
				"conv-find-public-id",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch conversation",
			err,
			"conv-find-db",
		)
	}

	return entity.EtoD(), nil
}

// FindByCode looks a session up by room code, case-insensitively. Legacy
// rows carry the code only inside the encoded title, so the lookup also
// matches the title fragment the original schema relied on.
func (r *Repository) FindByCode(ctx context.Context, code string) (*domain.Conversation, error) {
	code = roomkey.NormalizeCode(code)

	var entity entities.Conversation
	err := r.db.WithContext(ctx).
		Where("upper(code) = ?", code).
		Or("title ILIKE ?", "%COUPLES:"+code+"%").
		Order("created_at DESC").
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("session not found: %s", code),
				nil,
				"conv-find-code",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch conversation",
			err,
			"conv-find-code-db",
		)
	}

	return entity.EtoD(), nil
}

// SetPartner rewrites the partner name. The creator's name and the code are
// untouched; the legacy title column is re-encoded to stay parseable.
func (r *Repository) SetPartner(ctx context.Context, id uint, partnerName string) error {
	var entity entities.Conversation
	if err := r.db.WithContext(ctx).First(&entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("conversation not found: %d", id),
				nil,
				"conv-set-partner-missing",
			)
		}
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch conversation",
			err,
			"conv-set-partner-fetch",
		)
	}

	conv := entity.EtoD()
	title := roomkey.Encode(conv.Code, conv.CreatorName, partnerName)
	err := r.db.WithContext(ctx).
		Model(&entities.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"partner_name": partnerName,
			"title":        title,
			"updated_at":   time.Now(),
		}).Error
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to record partner",
			err,
			"conv-set-partner",
		)
	}

	if payload, merr := json.Marshal(partnerNotification{
		ConversationID: id,
		PartnerName:    partnerName,
	}); merr == nil {
		// Best effort: pollers recover a missed notification on the next tick.
		r.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", PartnerNotifyChannel, string(payload))
	}
	return nil
}

// PartnerNotifyChannel is the Postgres channel partner joins are announced on.
const PartnerNotifyChannel = "couples_partners"

type partnerNotification struct {
	ConversationID uint   `json:"conversation_id"`
	PartnerName    string `json:"partner_name"`
}

// Touch bumps updated_at after message activity.
func (r *Repository) Touch(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).
		Model(&entities.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to touch conversation",
			err,
			"conv-touch",
		)
	}
	return nil
}

// DeleteStale removes partner-pending sessions created before the cutoff.
func (r *Repository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("partner_name = ?", roomkey.PartnerPlaceholder).
		Where("created_at < ?", cutoff).
		Delete(&entities.Conversation{})
	if result.Error != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to delete stale sessions",
			result.Error,
			"conv-delete-stale",
		)
	}
	return result.RowsAffected, nil
}

// CountWaiting returns the number of partner-pending sessions.
func (r *Repository) CountWaiting(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entities.Conversation{}).
		Where("partner_name = ?", roomkey.PartnerPlaceholder).
		Count(&count).Error
	if err != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to count waiting sessions",
			err,
			"conv-count-waiting",
		)
	}
	return count, nil
}

var _ domain.Repository = (*Repository)(nil)
