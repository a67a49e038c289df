package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/llm"
	"mindmitra/services/couples-api/internal/domain/roomkey"
	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

type recordingObserver struct {
	mu        sync.Mutex
	created   []conversation.Message
	deltas    []string
	completed []conversation.Message
}

func (o *recordingObserver) OnTurnCreated(msg conversation.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, msg)
}

func (o *recordingObserver) OnDelta(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltas = append(o.deltas, text)
}

func (o *recordingObserver) OnTurnCompleted(msg conversation.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, msg)
}

func newTestService(store *fakeStore, msgs *fakeMessages, provider llm.Provider) Service {
	return NewService(store, msgs, provider, Options{Model: "test-model"}, zerolog.Nop())
}

func createdSession(t *testing.T, svc Service) *conversation.Conversation {
	t.Helper()
	conv, err := svc.CreateSession(context.Background(), "user_1", "Ari")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return conv
}

func TestCreateSessionGeneratesCode(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeMessages{}, &fakeProvider{})

	conv := createdSession(t, svc)

	if len(conv.Code) != roomkey.CodeLength {
		t.Errorf("code %q has wrong length", conv.Code)
	}
	if !strings.HasPrefix(conv.PublicID, "conv_") {
		t.Errorf("public id = %q", conv.PublicID)
	}
	if !conv.PartnerPending() {
		t.Error("new session should be pending a partner")
	}
	if conv.UserID != "user_1" {
		t.Errorf("user id = %q", conv.UserID)
	}
}

func TestCreateSessionRequiresName(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeMessages{}, &fakeProvider{})

	_, err := svc.CreateSession(context.Background(), "user_1", "  ")
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Errorf("err = %v, want a validation error", err)
	}
}

func TestJoinByCodeReturnsHistory(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	svc := newTestService(store, msgs, &fakeProvider{})
	conv := createdSession(t, svc)

	seed := conversation.NewUserMessage("msg_seed", conv.ID, "Ari", "hi there")
	if err := msgs.Insert(context.Background(), &seed); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	result, err := svc.JoinByCode(context.Background(), strings.ToLower(conv.Code), "Sam")
	if err != nil {
		t.Fatalf("JoinByCode: %v", err)
	}

	if result.CreatorName != "Ari" {
		t.Errorf("creator = %q", result.CreatorName)
	}
	if result.Conversation.PartnerName != "Sam" {
		t.Errorf("partner = %q", result.Conversation.PartnerName)
	}
	if len(result.Messages) != 1 || result.Messages[0].PublicID != "msg_seed" {
		t.Errorf("history = %+v, want the seeded message", result.Messages)
	}

	stored, _ := store.FindByID(context.Background(), conv.ID)
	if stored.PartnerName != "Sam" {
		t.Errorf("stored partner = %q, join must persist", stored.PartnerName)
	}
}

func TestJoinByCodeNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeMessages{}, &fakeProvider{})

	_, err := svc.JoinByCode(context.Background(), "ZZZZZZ", "Sam")
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestListMessagesAfterCursor(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	svc := newTestService(store, msgs, &fakeProvider{})
	conv := createdSession(t, svc)

	for _, text := range []string{"one", "two", "three"} {
		m := conversation.NewUserMessage("msg_"+text, conv.ID, "Ari", text)
		if err := msgs.Insert(context.Background(), &m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := svc.ListMessages(context.Background(), conv.PublicID, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 1 || got[0].PublicID != "msg_three" {
		t.Errorf("messages after 2 = %+v", got)
	}

	// Negative cursors are treated as zero.
	got, err = svc.ListMessages(context.Background(), conv.PublicID, -5)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d messages, want all 3", len(got))
	}
}

func TestAppendMessageTouchesSession(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	svc := newTestService(store, msgs, &fakeProvider{})
	conv := createdSession(t, svc)

	if err := svc.AppendMessage(context.Background(), conv.PublicID, conversation.RoleUser, "[Ari]: hello", "msg_client1"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	stored, err := svc.ListMessages(context.Background(), conv.PublicID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(stored) != 1 || stored[0].PublicID != "msg_client1" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestAppendMessageRejectsBadRole(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeMessages{}, &fakeProvider{})

	err := svc.AppendMessage(context.Background(), "conv_x", conversation.Role("system"), "hello", "")
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Errorf("err = %v, want a validation error", err)
	}
}

func TestStreamTurnEventOrder(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	provider := &fakeProvider{chunks: []string{"Take ", "a breath."}}
	svc := newTestService(store, msgs, provider)
	conv := createdSession(t, svc)
	obs := &recordingObserver{}

	if err := svc.StreamTurn(context.Background(), conv.PublicID, "Ari", "we keep arguing", obs); err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if len(obs.created) != 1 {
		t.Fatalf("created events = %d, want 1", len(obs.created))
	}
	if obs.created[0].Content != "[Ari]: we keep arguing" {
		t.Errorf("user message = %q, want the sender prefix", obs.created[0].Content)
	}
	if len(obs.deltas) != 2 || obs.deltas[0] != "Take " || obs.deltas[1] != "a breath." {
		t.Errorf("deltas = %v", obs.deltas)
	}
	if len(obs.completed) != 1 || obs.completed[0].Content != "Take a breath." {
		t.Errorf("completed = %+v", obs.completed)
	}

	persisted := msgs.byRole(conversation.RoleAssistant)
	if len(persisted) != 1 || persisted[0].Content != "Take a breath." {
		t.Errorf("persisted assistant = %+v", persisted)
	}
}

func TestStreamTurnFailurePersistsFallbackOnce(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	provider := &fakeProvider{chunks: []string{"Take "}, streamErr: errors.New("upstream reset")}
	svc := newTestService(store, msgs, provider)
	conv := createdSession(t, svc)
	obs := &recordingObserver{}

	if err := svc.StreamTurn(context.Background(), conv.PublicID, "Ari", "hello", obs); err != nil {
		t.Fatalf("StreamTurn should degrade to the fallback, got %v", err)
	}

	persisted := msgs.byRole(conversation.RoleAssistant)
	if len(persisted) != 1 {
		t.Fatalf("persisted %d assistant messages, want exactly 1", len(persisted))
	}
	if persisted[0].Content != llm.FallbackReply {
		t.Errorf("persisted %q, want the fallback line", persisted[0].Content)
	}
	if len(obs.completed) != 1 || obs.completed[0].Content != llm.FallbackReply {
		t.Errorf("completed = %+v, want the fallback line", obs.completed)
	}
}

func TestStreamTurnConflict(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	release := make(chan struct{})
	provider := &fakeProvider{chunks: []string{"ok"}, release: release}
	svc := newTestService(store, msgs, provider)
	conv := createdSession(t, svc)

	first := make(chan error, 1)
	go func() {
		first <- svc.StreamTurn(context.Background(), conv.PublicID, "Ari", "first", &recordingObserver{})
	}()

	// Wait until the first turn has persisted its user message and is
	// holding the stream open.
	deadline := time.After(time.Second)
	for {
		if len(msgs.byRole(conversation.RoleUser)) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first turn never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	err := svc.StreamTurn(context.Background(), conv.PublicID, "Sam", "second", &recordingObserver{})
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeConflict) {
		t.Errorf("concurrent turn = %v, want CONFLICT", err)
	}
	if !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("err = %v, want ErrTurnInFlight in the chain", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first StreamTurn: %v", err)
	}

	// The slot frees up once the turn completes.
	if err := svc.StreamTurn(context.Background(), conv.PublicID, "Sam", "third", &recordingObserver{}); err != nil {
		t.Errorf("turn after release: %v", err)
	}
}

func TestStreamTurnUnknownSession(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeMessages{}, &fakeProvider{})

	err := svc.StreamTurn(context.Background(), "conv_missing", "Ari", "hello", &recordingObserver{})
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}
