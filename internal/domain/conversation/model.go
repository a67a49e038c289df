package conversation

import (
	"fmt"
	"strings"
	"time"

	"mindmitra/services/couples-api/internal/domain/roomkey"
)

// Role indicates who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is one couples session. The room code, creator and partner
// are first-class columns; the legacy deployment packed all three into the
// title string (see roomkey), which Title still renders for compatibility.
type Conversation struct {
	ID          uint   `json:"-"`
	PublicID    string `json:"id"`
	UserID      string `json:"-"`
	Code        string `json:"code"`
	CreatorName string `json:"creator_name"`
	PartnerName string `json:"partner_name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PartnerPending reports whether the second participant has joined yet.
func (c *Conversation) PartnerPending() bool {
	return c.PartnerName == roomkey.PartnerPlaceholder
}

// Title renders the legacy encoded form of the session state.
func (c *Conversation) Title() string {
	return roomkey.Encode(c.Code, c.CreatorName, c.PartnerName)
}

// NewConversation creates a pending session owned by the creator.
func NewConversation(publicID, userID, code, creatorName string) *Conversation {
	now := time.Now()
	return &Conversation{
		PublicID:    publicID,
		UserID:      userID,
		Code:        roomkey.NormalizeCode(code),
		CreatorName: creatorName,
		PartnerName: roomkey.PartnerPlaceholder,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// FromLegacyTitle imports a title-encoded row. Returns nil when the title
// does not parse as a couples session.
func FromLegacyTitle(publicID, userID, title string) *Conversation {
	key := roomkey.Decode(title)
	if key == nil {
		return nil
	}
	return &Conversation{
		PublicID:    publicID,
		UserID:      userID,
		Code:        key.Code,
		CreatorName: key.CreatorName,
		PartnerName: key.PartnerName,
	}
}

// Message is one turn entry in the transcript. User content carries the
// bracketed sender-name prefix; assistant content never does. PublicID is a
// client-generated identity used for duplicate suppression.
type Message struct {
	ID             uint      `json:"-"`
	PublicID       string    `json:"id,omitempty"`
	ConversationID uint      `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewUserMessage builds a user message with the sender-name prefix applied.
func NewUserMessage(publicID string, conversationID uint, senderName, text string) Message {
	return Message{
		PublicID:       publicID,
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        PrefixContent(senderName, text),
		CreatedAt:      time.Now(),
	}
}

// NewAssistantMessage builds an assistant message; content is never prefixed.
func NewAssistantMessage(publicID string, conversationID uint, text string) Message {
	return Message{
		PublicID:       publicID,
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Content:        text,
		CreatedAt:      time.Now(),
	}
}

// PrefixContent applies the `[<Name>]: ` sender convention to user text.
func PrefixContent(senderName, text string) string {
	return fmt.Sprintf("[%s]: %s", senderName, strings.TrimSpace(text))
}

// ValidRole reports whether the role is one this subsystem persists.
func ValidRole(role Role) bool {
	return role == RoleUser || role == RoleAssistant
}
