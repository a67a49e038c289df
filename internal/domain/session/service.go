package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/llm"
	"mindmitra/services/couples-api/internal/domain/roomkey"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

// JoinResult is returned to a joining participant.
type JoinResult struct {
	Conversation *conversation.Conversation
	CreatorName  string
	Messages     []conversation.Message
}

// TurnObserver receives streaming events while a turn is processed.
type TurnObserver interface {
	OnTurnCreated(userMsg conversation.Message)
	OnDelta(text string)
	OnTurnCompleted(assistantMsg conversation.Message)
}

// Service exposes the session operations the HTTP layer serves.
type Service interface {
	CreateSession(ctx context.Context, userID, displayName string) (*conversation.Conversation, error)
	JoinByCode(ctx context.Context, code, partnerName string) (*JoinResult, error)
	GetSession(ctx context.Context, publicID string) (*conversation.Conversation, error)
	ListMessages(ctx context.Context, publicID string, after int) ([]conversation.Message, error)
	AppendMessage(ctx context.Context, publicID string, role conversation.Role, content, messageID string) error
	StreamTurn(ctx context.Context, publicID, displayName, text string, obs TurnObserver) error
}

type service struct {
	store    conversation.Repository
	messages conversation.MessageRepository
	provider llm.Provider
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[uint]struct{}
}

// NewService builds the session service.
func NewService(
	store conversation.Repository,
	messages conversation.MessageRepository,
	provider llm.Provider,
	opts Options,
	log zerolog.Logger,
) Service {
	return &service{
		store:    store,
		messages: messages,
		provider: provider,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "session-service").Logger(),
		inflight: make(map[uint]struct{}),
	}
}

func (s *service) CreateSession(ctx context.Context, userID, displayName string) (*conversation.Conversation, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "display name is required", nil, "svc-create-name")
	}

	code, err := roomkey.Generate()
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "generate room code")
	}

	conv := conversation.NewConversation(newPublicID("conv"), userID, code, displayName)
	if err := s.store.Create(ctx, conv); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "create session")
	}

	s.log.Info().Str("conversation_id", conv.PublicID).Str("code", conv.Code).Msg("session created")
	return conv, nil
}

func (s *service) JoinByCode(ctx context.Context, code, partnerName string) (*JoinResult, error) {
	code = roomkey.NormalizeCode(code)
	partnerName = strings.TrimSpace(partnerName)
	if code == "" || partnerName == "" {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "room code and partner name are required", nil, "svc-join-input")
	}

	conv, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "join session")
	}

	creatorName := conv.CreatorName
	if err := s.store.SetPartner(ctx, conv.ID, partnerName); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "record partner")
	}
	conv.PartnerName = partnerName

	history, err := s.messages.ListByConversation(ctx, conv.ID, 0)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load history")
	}

	s.log.Info().Str("conversation_id", conv.PublicID).Str("partner", partnerName).Msg("partner joined")
	return &JoinResult{Conversation: conv, CreatorName: creatorName, Messages: history}, nil
}

func (s *service) GetSession(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	conv, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load session")
	}
	return conv, nil
}

func (s *service) ListMessages(ctx context.Context, publicID string, after int) ([]conversation.Message, error) {
	conv, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load session")
	}
	if after < 0 {
		after = 0
	}
	msgs, err := s.messages.ListByConversation(ctx, conv.ID, after)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "list messages")
	}
	return msgs, nil
}

func (s *service) AppendMessage(ctx context.Context, publicID string, role conversation.Role, content, messageID string) error {
	if !conversation.ValidRole(role) || strings.TrimSpace(content) == "" {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "role and content are required", nil, "svc-append-input")
	}

	conv, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load session")
	}

	if messageID == "" {
		messageID = newPublicID("msg")
	}
	msg := conversation.Message{
		PublicID:       messageID,
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.messages.Insert(ctx, &msg); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist message")
	}
	if err := s.store.Touch(ctx, conv.ID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", publicID).Msg("touch conversation")
	}
	return nil
}

// StreamTurn runs one full turn: persist the user message, stream the reply
// through obs, persist the assistant message. One turn per session at a
// time; concurrent sends get ErrTurnInFlight rather than cancelling the
// first.
func (s *service) StreamTurn(ctx context.Context, publicID, displayName, text string, obs TurnObserver) error {
	displayName = strings.TrimSpace(displayName)
	text = strings.TrimSpace(text)
	if displayName == "" || text == "" {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "display name and text are required", nil, "svc-turn-input")
	}

	conv, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load session")
	}

	if !s.acquireTurn(conv.ID) {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeConflict, ErrTurnInFlight.Error(), ErrTurnInFlight, "svc-turn-inflight")
	}
	defer s.releaseTurn(conv.ID)

	history, err := s.messages.ListByConversation(ctx, conv.ID, 0)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load history")
	}

	userMsg := conversation.NewUserMessage(newPublicID("msg"), conv.ID, displayName, text)
	if err := s.messages.Insert(ctx, &userMsg); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist message")
	}
	obs.OnTurnCreated(userMsg)

	req := s.completionRequest(conv, append(history, userMsg))
	reply, streamErr := s.streamReply(ctx, req, obs)
	if streamErr != nil {
		// One fallback line, persisted so both transcripts converge.
		s.log.Warn().Err(streamErr).Str("conversation_id", publicID).Msg("completion stream failed")
		reply = llm.FallbackReply
	}

	assistantMsg := conversation.NewAssistantMessage(newPublicID("msg"), conv.ID, reply)
	if err := s.messages.Insert(ctx, &assistantMsg); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist reply")
	}
	if err := s.store.Touch(ctx, conv.ID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", publicID).Msg("touch conversation")
	}
	obs.OnTurnCompleted(assistantMsg)
	return nil
}

func (s *service) streamReply(ctx context.Context, req llm.ChatCompletionRequest, obs TurnObserver) (string, error) {
	stream, err := s.provider.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return reply.String(), nil
		}
		if err != nil {
			return reply.String(), err
		}
		if text := delta.Text(); text != "" {
			reply.WriteString(text)
			obs.OnDelta(text)
		}
	}
}

func (s *service) completionRequest(conv *conversation.Conversation, history []conversation.Message) llm.ChatCompletionRequest {
	msgs := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	partnerB := conv.PartnerName
	if conv.PartnerPending() {
		partnerB = ""
	}
	return llm.ChatCompletionRequest{
		Model:     s.opts.Model,
		System:    llm.MediatorPrompt(conv.CreatorName, partnerB),
		Messages:  msgs,
		MaxTokens: s.opts.MaxTokens,
	}
}

func (s *service) acquireTurn(conversationID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[conversationID]; busy {
		return false
	}
	s.inflight[conversationID] = struct{}{}
	return true
}

func (s *service) releaseTurn(conversationID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, conversationID)
}
