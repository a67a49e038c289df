package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/session"
	"mindmitra/services/couples-api/internal/infrastructure/metrics"
)

// Poller delivers store changes by re-querying on a fixed interval. It is
// the portable fallback when the database offers no push channel.
type Poller struct {
	convRepo conversation.Repository
	msgRepo  conversation.MessageRepository
	interval time.Duration
	log      zerolog.Logger
}

// NewPoller builds a polling notifier.
func NewPoller(convRepo conversation.Repository, msgRepo conversation.MessageRepository, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		interval: interval,
		log:      log.With().Str("component", "notify-poller").Logger(),
	}
}

// SubscribeInserts polls the message table past the caller's cursor and
// delivers anything new, oldest first.
func (p *Poller) SubscribeInserts(ctx context.Context, conversationID uint, after int, fn session.MessageHandler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		cursor := after
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}

			messages, err := p.msgRepo.ListByConversation(subCtx, conversationID, cursor)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				p.log.Warn().Err(err).Uint("conversation_id", conversationID).Msg("message poll failed")
				continue
			}

			for _, msg := range messages {
				select {
				case <-subCtx.Done():
					return
				default:
				}
				cursor++
				fn(msg)
				metrics.RecordNotifyDelivery("message")
			}
		}
	}()

	stop := func() {
		cancel()
		wg.Wait()
	}
	return stop, nil
}

// WatchPartner polls the session row until the partner placeholder is
// replaced, then fires the handler once and exits.
func (p *Poller) WatchPartner(ctx context.Context, conversationID uint, fn session.PartnerHandler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}

			conv, err := p.convRepo.FindByID(subCtx, conversationID)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				p.log.Warn().Err(err).Uint("conversation_id", conversationID).Msg("partner poll failed")
				continue
			}

			if !conv.PartnerPending() {
				fn(conv.PartnerName)
				metrics.RecordNotifyDelivery("partner")
				return
			}
		}
	}()

	stop := func() {
		cancel()
		wg.Wait()
	}
	return stop, nil
}

var _ session.Notifier = (*Poller)(nil)
