package responses

import (
	"mindmitra/services/couples-api/internal/domain/conversation"
)

// SessionResponse represents a couples session in API responses.
type SessionResponse struct {
	ID             string `json:"id"`
	Object         string `json:"object"`
	Code           string `json:"code"`
	CreatorName    string `json:"creator_name"`
	PartnerName    string `json:"partner_name,omitempty"`
	PartnerPending bool   `json:"partner_pending"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// SessionFromDomain maps a conversation to its API shape. The partner name
// is omitted while the placeholder is still in place.
func SessionFromDomain(conv *conversation.Conversation) SessionResponse {
	resp := SessionResponse{
		ID:             conv.PublicID,
		Object:         "couples.session",
		Code:           conv.Code,
		CreatorName:    conv.CreatorName,
		PartnerPending: conv.PartnerPending(),
		CreatedAt:      conv.CreatedAt.Unix(),
		UpdatedAt:      conv.UpdatedAt.Unix(),
	}
	if !resp.PartnerPending {
		resp.PartnerName = conv.PartnerName
	}
	return resp
}

// JoinSessionResponse is returned to the joining partner: the session plus
// the history accumulated while they were away.
type JoinSessionResponse struct {
	Session  SessionResponse   `json:"session"`
	Messages []MessageResponse `json:"messages"`
}

// MessageResponse represents a transcript entry in API responses.
type MessageResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// MessageFromDomain maps a message to its API shape.
func MessageFromDomain(msg conversation.Message) MessageResponse {
	return MessageResponse{
		ID:        msg.PublicID,
		Object:    "couples.message",
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.Unix(),
	}
}

// MessageListResponse wraps transcript entries for consistent responses.
type MessageListResponse struct {
	Data []MessageResponse `json:"data"`
}

// MessagesFromDomain maps a message slice, returning an empty (non-nil)
// slice so the JSON array is always present.
func MessagesFromDomain(msgs []conversation.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageFromDomain(m))
	}
	return out
}
