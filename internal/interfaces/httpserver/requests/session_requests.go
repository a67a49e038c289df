package requests

// CreateSessionRequest opens a new couples session.
type CreateSessionRequest struct {
	CreatorName string `json:"creator_name" binding:"required"`
}

// JoinSessionRequest joins an existing session by room code.
type JoinSessionRequest struct {
	Code        string `json:"code" binding:"required"`
	PartnerName string `json:"partner_name" binding:"required"`
}

// AppendMessageRequest appends a transcript entry without running a turn.
type AppendMessageRequest struct {
	Role      string `json:"role" binding:"required"`
	Content   string `json:"content" binding:"required"`
	MessageID string `json:"message_id,omitempty"`
}

// StartTurnRequest sends a participant message and streams the mediator reply.
type StartTurnRequest struct {
	SenderName string `json:"sender_name" binding:"required"`
	Text       string `json:"text" binding:"required"`
}
