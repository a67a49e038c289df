package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/session"
	"mindmitra/services/couples-api/internal/infrastructure/metrics"
	convrepo "mindmitra/services/couples-api/internal/infrastructure/repository/conversation"
)

// Listener delivers store changes over Postgres LISTEN/NOTIFY. Repositories
// announce inserts and partner joins with pg_notify; one connection fans the
// notifications out to in-process subscribers. Duplicate delivery is
// possible around reconnects, so handlers must be idempotent.
type Listener struct {
	pl       *pq.Listener
	convRepo conversation.Repository
	msgRepo  conversation.MessageRepository
	log      zerolog.Logger

	mu          sync.Mutex
	nextID      int
	msgSubs     map[uint]map[int]session.MessageHandler
	partnerSubs map[uint]map[int]session.PartnerHandler

	done chan struct{}
}

type insertPayload struct {
	ConversationID uint   `json:"conversation_id"`
	PublicID       string `json:"public_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

type partnerPayload struct {
	ConversationID uint   `json:"conversation_id"`
	PartnerName    string `json:"partner_name"`
}

// NewListener opens the notification connection and starts dispatching.
func NewListener(dsn string, convRepo conversation.Repository, msgRepo conversation.MessageRepository, log zerolog.Logger) (*Listener, error) {
	logger := log.With().Str("component", "notify-listener").Logger()

	pl := pq.NewListener(dsn, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(event)).Msg("listener connection event")
		}
	})
	if err := pl.Listen(convrepo.NotifyChannel); err != nil {
		pl.Close()
		return nil, err
	}
	if err := pl.Listen(convrepo.PartnerNotifyChannel); err != nil {
		pl.Close()
		return nil, err
	}

	l := &Listener{
		pl:          pl,
		convRepo:    convRepo,
		msgRepo:     msgRepo,
		log:         logger,
		msgSubs:     make(map[uint]map[int]session.MessageHandler),
		partnerSubs: make(map[uint]map[int]session.PartnerHandler),
		done:        make(chan struct{}),
	}
	go l.dispatch()
	return l, nil
}

// Close tears down the notification connection and stops dispatching.
func (l *Listener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	return l.pl.Close()
}

func (l *Listener) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.pl.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnect marker; notifications in the gap are lost and
				// recovered by the catch-up fetch on the next subscribe.
				l.log.Debug().Msg("listener reconnected")
				continue
			}
			l.handle(n)
		}
	}
}

func (l *Listener) handle(n *pq.Notification) {
	switch n.Channel {
	case convrepo.NotifyChannel:
		var payload insertPayload
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			l.log.Warn().Err(err).Msg("malformed insert notification")
			return
		}
		msg := conversation.Message{
			PublicID:       payload.PublicID,
			ConversationID: payload.ConversationID,
			Role:           conversation.Role(payload.Role),
			Content:        payload.Content,
		}
		l.mu.Lock()
		handlers := make([]session.MessageHandler, 0, len(l.msgSubs[payload.ConversationID]))
		for _, fn := range l.msgSubs[payload.ConversationID] {
			handlers = append(handlers, fn)
		}
		l.mu.Unlock()
		for _, fn := range handlers {
			fn(msg)
			metrics.RecordNotifyDelivery("message")
		}

	case convrepo.PartnerNotifyChannel:
		var payload partnerPayload
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			l.log.Warn().Err(err).Msg("malformed partner notification")
			return
		}
		l.mu.Lock()
		handlers := make([]session.PartnerHandler, 0, len(l.partnerSubs[payload.ConversationID]))
		for _, fn := range l.partnerSubs[payload.ConversationID] {
			handlers = append(handlers, fn)
		}
		l.mu.Unlock()
		for _, fn := range handlers {
			fn(payload.PartnerName)
			metrics.RecordNotifyDelivery("partner")
		}
	}
}

// SubscribeInserts registers a push handler, then fetches rows past the
// caller's cursor once to cover inserts that landed before the LISTEN took
// effect. The handler may therefore see a message twice.
func (l *Listener) SubscribeInserts(ctx context.Context, conversationID uint, after int, fn session.MessageHandler) (func(), error) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	if l.msgSubs[conversationID] == nil {
		l.msgSubs[conversationID] = make(map[int]session.MessageHandler)
	}
	l.msgSubs[conversationID][id] = fn
	l.mu.Unlock()

	missed, err := l.msgRepo.ListByConversation(ctx, conversationID, after)
	if err != nil {
		l.log.Warn().Err(err).Uint("conversation_id", conversationID).Msg("catch-up fetch failed")
	}
	for _, msg := range missed {
		fn(msg)
	}

	stop := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.msgSubs[conversationID], id)
		if len(l.msgSubs[conversationID]) == 0 {
			delete(l.msgSubs, conversationID)
		}
	}
	return stop, nil
}

// WatchPartner registers a push handler for the partner join, with a single
// immediate check in case the join already happened.
func (l *Listener) WatchPartner(ctx context.Context, conversationID uint, fn session.PartnerHandler) (func(), error) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	if l.partnerSubs[conversationID] == nil {
		l.partnerSubs[conversationID] = make(map[int]session.PartnerHandler)
	}
	l.partnerSubs[conversationID][id] = fn
	l.mu.Unlock()

	if conv, err := l.convRepo.FindByID(ctx, conversationID); err == nil && !conv.PartnerPending() {
		fn(conv.PartnerName)
	}

	stop := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.partnerSubs[conversationID], id)
		if len(l.partnerSubs[conversationID]) == 0 {
			delete(l.partnerSubs, conversationID)
		}
	}
	return stop, nil
}

var _ session.Notifier = (*Listener)(nil)
