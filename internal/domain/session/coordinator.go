// Package session implements the two-party session lifecycle: the
// per-participant coordinator state machine and the server-side service the
// HTTP layer exposes. Two independent clients converge on one append-only
// transcript through the store; there is no other coordination channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/llm"
	"mindmitra/services/couples-api/internal/domain/roomkey"
	"mindmitra/services/couples-api/internal/domain/transcript"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

// Phase is the coordinator's lifecycle state.
type Phase string

const (
	// PhaseLobby is the initial state; create and join are allowed.
	PhaseLobby Phase = "lobby"
	// PhaseWaiting means the session exists but the partner has not joined.
	PhaseWaiting Phase = "waiting"
	// PhaseChat means both participants are present.
	PhaseChat Phase = "chat"
)

// ErrTurnInFlight rejects a send while a reply is still streaming.
var ErrTurnInFlight = errors.New("a reply is already streaming")

// Options tunes a coordinator.
type Options struct {
	Model        string
	MaxTokens    int
	PollInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxTokens <= 0 {
		out.MaxTokens = 500
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	return out
}

// Coordinator drives one participant's view of a couples session. All
// network calls suspend on the provided context; the zero value is unusable,
// construct with NewCoordinator.
type Coordinator struct {
	store    conversation.Repository
	messages conversation.MessageRepository
	provider llm.Provider
	notifier Notifier
	opts     Options
	log      zerolog.Logger

	mu          sync.Mutex
	phase       Phase
	conv        *conversation.Conversation
	selfName    string
	partnerName string
	local       transcript.Transcript
	streaming   bool
	stopInserts func()
}

// NewCoordinator builds a coordinator in the lobby phase.
func NewCoordinator(
	store conversation.Repository,
	messages conversation.MessageRepository,
	provider llm.Provider,
	notifier Notifier,
	opts Options,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		store:    store,
		messages: messages,
		provider: provider,
		notifier: notifier,
		opts:     opts.withDefaults(),
		phase:    PhaseLobby,
		log:      log.With().Str("component", "session-coordinator").Logger(),
	}
}

// Phase returns the current lifecycle state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RoomCode returns the shareable code, or "" before a session exists.
func (c *Coordinator) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return ""
	}
	return c.conv.Code
}

// PartnerName returns the other participant's name once known.
func (c *Coordinator) PartnerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerName
}

// Transcript returns the local message list in order.
func (c *Coordinator) Transcript() []conversation.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Messages()
}

// Create starts a new session as the creator. On success the coordinator is
// waiting for a partner; on store failure it stays in the lobby so the
// caller can retry.
func (c *Coordinator) Create(ctx context.Context, displayName string) error {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "display name is required", nil, "session-create-name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseLobby {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeConflict, "session already started", nil, "session-create-phase")
	}

	code, err := roomkey.Generate()
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "generate room code")
	}

	conv := conversation.NewConversation(newPublicID("conv"), "", code, displayName)
	if err := c.store.Create(ctx, conv); err != nil {
		// No transition without a confirmed conversation id.
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "create session")
	}

	c.conv = conv
	c.selfName = displayName
	c.phase = PhaseWaiting
	c.log.Info().Str("code", code).Msg("session created, waiting for partner")
	return nil
}

// Join enters an existing session by room code. NotFound leaves the
// coordinator in the lobby; the caller may retry with a different code.
func (c *Coordinator) Join(ctx context.Context, code, displayName string) error {
	displayName = strings.TrimSpace(displayName)
	code = roomkey.NormalizeCode(code)
	if code == "" || displayName == "" {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "room code and display name are required", nil, "session-join-input")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseLobby {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeConflict, "session already started", nil, "session-join-phase")
	}

	conv, err := c.store.FindByCode(ctx, code)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "join session")
	}

	// An already-joined room is joinable again; the previous partner name is
	// overwritten with no conflict detection.
	if err := c.store.SetPartner(ctx, conv.ID, displayName); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "record partner")
	}
	conv.PartnerName = displayName

	history, err := c.messages.ListByConversation(ctx, conv.ID, 0)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "load history")
	}

	c.conv = conv
	c.selfName = displayName
	c.partnerName = conv.CreatorName
	c.local.Reset(history)
	c.phase = PhaseChat
	c.subscribeLocked(ctx)
	c.log.Info().Str("code", code).Str("creator", conv.CreatorName).Msg("joined session")
	return nil
}

// AwaitPartner blocks in the waiting phase until the partner joins or ctx is
// cancelled. The poll stops as soon as chat is entered or the caller tears
// the session down; it never fires afterwards.
func (c *Coordinator) AwaitPartner(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseWaiting || c.conv == nil {
		c.mu.Unlock()
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeConflict, "not waiting for a partner", nil, "session-await-phase")
	}
	convID := c.conv.ID
	c.mu.Unlock()

	joined := make(chan string, 1)
	stop, err := c.notifier.WatchPartner(ctx, convID, func(partnerName string) {
		select {
		case joined <- partnerName:
		default:
		}
	})
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "watch partner")
	}
	defer stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case partnerName := <-joined:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.phase != PhaseWaiting {
			return nil
		}
		c.partnerName = partnerName
		c.conv.PartnerName = partnerName
		c.phase = PhaseChat
		c.subscribeLocked(ctx)
		c.log.Info().Str("partner", partnerName).Msg("partner joined")
		return nil
	}
}

// Cancel returns a waiting coordinator to the lobby.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseWaiting {
		c.phase = PhaseLobby
		c.conv = nil
	}
}

// SendTurn persists the user's message, streams the assistant reply into the
// local transcript, and persists the reply when the stream finishes. Only
// one turn may be in flight; a concurrent send is rejected, not queued.
func (c *Coordinator) SendTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeValidation, "message text is required", nil, "session-send-empty")
	}

	c.mu.Lock()
	if c.phase != PhaseChat || c.conv == nil {
		c.mu.Unlock()
		return platformerrors.NewError(ctx, platformerrors.LayerDomain,
			platformerrors.ErrorTypeConflict, "session is not in chat", nil, "session-send-phase")
	}
	if c.streaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.streaming = true

	userMsg := conversation.NewUserMessage(newPublicID("msg"), c.conv.ID, c.selfName, text)
	// The local transcript reflects the send immediately; the store ordering
	// stays authoritative.
	c.local.Append(userMsg)
	req := c.completionRequestLocked()
	convID := c.conv.ID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
	}()

	if err := c.messages.Insert(ctx, &userMsg); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist message")
	}

	assistantText, streamErr := c.streamReply(ctx, req)
	if streamErr != nil {
		c.log.Warn().Err(streamErr).Msg("completion stream failed, substituting fallback")
		assistantText = llm.FallbackReply
	}

	assistantMsg := conversation.NewAssistantMessage(newPublicID("msg"), convID, assistantText)
	c.mu.Lock()
	c.local.ReplaceLast(assistantMsg)
	c.mu.Unlock()

	// The fallback line is persisted too, so both transcripts converge on
	// the same content after sync.
	if err := c.messages.Insert(ctx, &assistantMsg); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "persist reply")
	}
	return nil
}

// OnRemoteInsert appends a store-delivered message unless it duplicates the
// transcript's latest entry. Reports whether the message was appended.
func (c *Coordinator) OnRemoteInsert(msg conversation.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.AppendRemote(msg)
}

// InviteLink renders the shareable join URL for the session.
func (c *Coordinator) InviteLink(baseURL string) string {
	code := c.RoomCode()
	if code == "" {
		return ""
	}
	return fmt.Sprintf("%s/couples?room=%s", strings.TrimRight(baseURL, "/"), code)
}

// Close releases the insert subscription. Safe to call in any phase.
func (c *Coordinator) Close() {
	c.mu.Lock()
	stop := c.stopInserts
	c.stopInserts = nil
	c.mu.Unlock()
	// The stop function may join a delivery goroutine that is itself
	// blocked entering OnRemoteInsert, so it must run without the lock.
	if stop != nil {
		stop()
	}
}

func (c *Coordinator) subscribeLocked(ctx context.Context) {
	if c.notifier == nil || c.stopInserts != nil {
		return
	}
	stop, err := c.notifier.SubscribeInserts(ctx, c.conv.ID, c.local.Len(), func(msg conversation.Message) {
		c.OnRemoteInsert(msg)
	})
	if err != nil {
		c.log.Error().Err(err).Msg("subscribe to inserts")
		return
	}
	c.stopInserts = stop
}

// streamReply accumulates the completion stream, keeping the local
// transcript's running assistant entry current.
func (c *Coordinator) streamReply(ctx context.Context, req llm.ChatCompletionRequest) (string, error) {
	running := conversation.Message{Role: conversation.RoleAssistant}
	c.mu.Lock()
	c.local.Append(running)
	c.mu.Unlock()

	stream, err := c.provider.CreateChatCompletionStream(ctx, req)
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
			running.Content = reply.String()
			c.mu.Lock()
			c.local.ReplaceLast(running)
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) completionRequestLocked() llm.ChatCompletionRequest {
	partnerA := c.conv.CreatorName
	partnerB := c.conv.PartnerName
	msgs := c.local.Messages()
	history := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return llm.ChatCompletionRequest{
		Model:     c.opts.Model,
		System:    llm.MediatorPrompt(partnerA, partnerB),
		Messages:  history,
		MaxTokens: c.opts.MaxTokens,
	}
}

func newPublicID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
}
