package session

import (
	"context"

	"mindmitra/services/couples-api/internal/domain/conversation"
)

// MessageHandler receives newly inserted transcript messages.
type MessageHandler func(conversation.Message)

// PartnerHandler receives the partner name once it is no longer pending.
type PartnerHandler func(partnerName string)

// Notifier is the delivery port for store changes. Implementations may poll
// the store on a timer or listen on a push channel; the coordinator is
// agnostic. Returned stop functions must release all resources; a stopped
// subscription never fires again.
type Notifier interface {
	// SubscribeInserts delivers messages appended to the conversation after
	// the first `after` rows the caller already holds.
	SubscribeInserts(ctx context.Context, conversationID uint, after int, fn MessageHandler) (stop func(), err error)

	// WatchPartner fires once when the session's partner placeholder is
	// replaced with a real name.
	WatchPartner(ctx context.Context, conversationID uint, fn PartnerHandler) (stop func(), err error)
}
