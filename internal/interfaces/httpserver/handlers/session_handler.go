package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/session"
	"mindmitra/services/couples-api/internal/infrastructure/auth"
	"mindmitra/services/couples-api/internal/infrastructure/metrics"
	"mindmitra/services/couples-api/internal/infrastructure/observability"
	"mindmitra/services/couples-api/internal/interfaces/httpserver/requests"
	"mindmitra/services/couples-api/internal/interfaces/httpserver/responses"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

// SessionHandler exposes HTTP entrypoints for couples sessions.
type SessionHandler struct {
	service  session.Service
	notifier session.Notifier
	log      zerolog.Logger
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(service session.Service, notifier session.Notifier, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		service:  service,
		notifier: notifier,
		log:      log.With().Str("handler", "session").Logger(),
	}
}

// Create handles POST /v1/sessions
// @Summary Create a couples session
// @Description Opens a new session with a shareable room code; the partner slot stays pending until someone joins.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param request body requests.CreateSessionRequest true "Create request"
// @Success 201 {object} responses.SessionResponse
// @Failure 400 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req requests.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := extractSubject(c)
	if userID == "" {
		userID = "guest"
	}

	conv, err := h.service.CreateSession(c.Request.Context(), userID, req.CreatorName)
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	c.JSON(http.StatusCreated, responses.SessionFromDomain(conv))
}

// Join handles POST /v1/sessions/join
// @Summary Join a session by room code
// @Description Fills the partner slot and returns the history accumulated so far.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param request body requests.JoinSessionRequest true "Join request"
// @Success 200 {object} responses.JoinSessionResponse
// @Failure 404 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions/join [post]
func (h *SessionHandler) Join(c *gin.Context) {
	var req requests.JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.JoinByCode(c.Request.Context(), req.Code, req.PartnerName)
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	c.JSON(http.StatusOK, responses.JoinSessionResponse{
		Session:  responses.SessionFromDomain(result.Conversation),
		Messages: responses.MessagesFromDomain(result.Messages),
	})
}

// Get handles GET /v1/sessions/:session_id
// @Summary Get a session by ID
// @Tags Sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} responses.SessionResponse
// @Failure 404 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions/{session_id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	id := c.Param("session_id")
	conv, err := h.service.GetSession(c.Request.Context(), id)
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, responses.SessionFromDomain(conv))
}

// ListMessages handles GET /v1/sessions/:session_id/messages
// @Summary List session messages
// @Description Returns messages in insertion order. A positive `after` skips rows the caller already holds.
// @Tags Sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Param after query int false "Rows already held by the caller"
// @Success 200 {object} responses.MessageListResponse
// @Failure 404 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions/{session_id}/messages [get]
func (h *SessionHandler) ListMessages(c *gin.Context) {
	id := c.Param("session_id")
	after, err := strconv.Atoi(c.DefaultQuery("after", "0"))
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}

	msgs, err := h.service.ListMessages(c.Request.Context(), id, after)
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	c.JSON(http.StatusOK, responses.MessageListResponse{Data: responses.MessagesFromDomain(msgs)})
}

// AppendMessage handles POST /v1/sessions/:session_id/messages
// @Summary Append a message
// @Description Appends a transcript entry without running a mediator turn. Useful for replaying locally buffered messages.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param session_id path string true "Session ID"
// @Param request body requests.AppendMessageRequest true "Append request"
// @Success 204
// @Failure 400 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions/{session_id}/messages [post]
func (h *SessionHandler) AppendMessage(c *gin.Context) {
	var req requests.AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("session_id")
	err := h.service.AppendMessage(c.Request.Context(), id, conversation.Role(req.Role), req.Content, req.MessageID)
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	c.Status(http.StatusNoContent)
}

// StartTurn handles POST /v1/sessions/:session_id/turns
// @Summary Run a mediator turn
// @Description Persists the sender's message, streams the mediator reply over SSE, and persists the full reply. One turn per session at a time; a concurrent send gets 409.
// @Tags Sessions
// @Accept json
// @Produce text/event-stream
// @Param session_id path string true "Session ID"
// @Param request body requests.StartTurnRequest true "Turn request"
// @Success 200 {string} string "SSE stream of turn.created / turn.delta / turn.completed events"
// @Failure 409 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions/{session_id}/turns [post]
func (h *SessionHandler) StartTurn(c *gin.Context) {
	var req requests.StartTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("session_id")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx, span := observability.StartTurnSpan(c.Request.Context(), id, "")
	defer span.End()

	observer := newSSEObserver(c.Writer, flusher, h.log)
	start := time.Now()

	err := h.service.StreamTurn(ctx, id, req.SenderName, req.Text, observer)
	if err != nil {
		observability.RecordError(span, err)
		if !observer.started() {
			// Nothing streamed yet; a plain error response is still possible.
			metrics.RecordTurn("rejected", time.Since(start).Seconds())
			platformerrors.WriteError(c, err, h.log)
			return
		}
		metrics.RecordTurn("error", time.Since(start).Seconds())
		observer.SendError(err)
		return
	}

	metrics.RecordTurn("completed", time.Since(start).Seconds())
}

// Watch handles GET /v1/sessions/:session_id/events
// @Summary Watch a session for changes
// @Description Streams new messages and the partner join over SSE until the client disconnects. A positive `after` skips rows the caller already holds.
// @Tags Sessions
// @Produce text/event-stream
// @Param session_id path string true "Session ID"
// @Param after query int false "Rows already held by the caller"
// @Success 200 {string} string "SSE stream of session.message / session.partner_joined events"
// @Failure 404 {object} platformerrors.HTTPErrorResponse
// @Router /v1/sessions/{session_id}/events [get]
func (h *SessionHandler) Watch(c *gin.Context) {
	id := c.Param("session_id")
	after, err := strconv.Atoi(c.DefaultQuery("after", "0"))
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}

	conv, err := h.service.GetSession(c.Request.Context(), id)
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	observer := newSSEObserver(c.Writer, flusher, h.log)
	ctx := c.Request.Context()

	stopMessages, err := h.notifier.SubscribeInserts(ctx, conv.ID, after, func(msg conversation.Message) {
		observer.sendEvent("session.message", responses.MessageFromDomain(msg))
	})
	if err != nil {
		platformerrors.WriteError(c, err, h.log)
		return
	}
	defer stopMessages()

	if conv.PartnerPending() {
		stopPartner, err := h.notifier.WatchPartner(ctx, conv.ID, func(partnerName string) {
			observer.sendEvent("session.partner_joined", map[string]string{"partner_name": partnerName})
		})
		if err != nil {
			observer.SendError(err)
			return
		}
		defer stopPartner()
	}

	<-ctx.Done()
}

func extractSubject(c *gin.Context) string {
	tokenValue, exists := c.Get(auth.TokenKey)
	if !exists {
		return ""
	}
	token, ok := tokenValue.(*jwt.Token)
	if !ok {
		return ""
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, ok := claims["sub"].(string); ok {
			return sub
		}
	}
	return ""
}

type sseObserver struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	log     zerolog.Logger
	mu      sync.Mutex
	sent    bool
}

func newSSEObserver(w http.ResponseWriter, flusher http.Flusher, log zerolog.Logger) *sseObserver {
	return &sseObserver{
		writer:  w,
		flusher: flusher,
		log:     log,
	}
}

func (o *sseObserver) OnTurnCreated(userMsg conversation.Message) {
	o.sendEvent("turn.created", responses.MessageFromDomain(userMsg))
}

func (o *sseObserver) OnDelta(text string) {
	if text == "" {
		return
	}
	o.sendEvent("turn.delta", map[string]string{"delta": text})
}

func (o *sseObserver) OnTurnCompleted(assistantMsg conversation.Message) {
	o.sendEvent("turn.completed", responses.MessageFromDomain(assistantMsg))
}

func (o *sseObserver) SendError(err error) {
	o.sendEvent("turn.error", map[string]string{
		"message": err.Error(),
	})
}

func (o *sseObserver) started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}

func (o *sseObserver) sendEvent(name string, payload interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = true

	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Error().Err(err).Msg("marshal SSE payload")
		return
	}

	fmt.Fprintf(o.writer, "event: %s\n", name)
	fmt.Fprintf(o.writer, "data: %s\n\n", data)
	o.flusher.Flush()
}

var _ session.TurnObserver = (*sseObserver)(nil)
