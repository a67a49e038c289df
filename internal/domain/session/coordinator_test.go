package session

import (
	"context"
	"errors"
	"fmt"
	"io"
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

// fakeStore is an in-memory conversation.Repository.
type fakeStore struct {
	mu     sync.Mutex
	nextID uint
	rows   map[uint]*conversation.Conversation
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uint]*conversation.Conversation)}
}

func (f *fakeStore) Create(ctx context.Context, conv *conversation.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv.ID = f.nextID
	copied := *conv
	f.rows[conv.ID] = &copied
	return nil
}

func (f *fakeStore) FindByID(ctx context.Context, id uint) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository,
		platformerrors.ErrorTypeNotFound, fmt.Sprintf("conversation not found: %d", id), nil, "fake-find-id")
}

func (f *fakeStore) FindByPublicID(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.PublicID == publicID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository,
		platformerrors.ErrorTypeNotFound, "conversation not found: "+publicID, nil, "fake-find-public")
}

func (f *fakeStore) FindByCode(ctx context.Context, code string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code = roomkey.NormalizeCode(code)
	for _, row := range f.rows {
		if row.Code == code {
			copied := *row
			return &copied, nil
		}
	}
	return nil, platformerrors.NewError(ctx, platformerrors.LayerRepository,
		platformerrors.ErrorTypeNotFound, "session not found: "+code, nil, "fake-find-code")
}

func (f *fakeStore) SetPartner(ctx context.Context, id uint, partnerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return platformerrors.NewError(ctx, platformerrors.LayerRepository,
			platformerrors.ErrorTypeNotFound, "conversation not found", nil, "fake-set-partner")
	}
	row.PartnerName = partnerName
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) Touch(ctx context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		row.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, row := range f.rows {
		if row.PartnerName == roomkey.PartnerPlaceholder && row.CreatedAt.Before(cutoff) {
			delete(f.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeStore) CountWaiting(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, row := range f.rows {
		if row.PartnerName == roomkey.PartnerPlaceholder {
			count++
		}
	}
	return count, nil
}

// fakeMessages is an in-memory conversation.MessageRepository.
type fakeMessages struct {
	mu     sync.Mutex
	nextID uint
	rows   []conversation.Message
}

func (f *fakeMessages) Insert(ctx context.Context, msg *conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	f.rows = append(f.rows, *msg)
	return nil
}

func (f *fakeMessages) ListByConversation(ctx context.Context, conversationID uint, offset int) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []conversation.Message
	for _, row := range f.rows {
		if row.ConversationID == conversationID {
			all = append(all, row)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:], nil
}

func (f *fakeMessages) byRole(role conversation.Role) []conversation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []conversation.Message
	for _, row := range f.rows {
		if row.Role == role {
			out = append(out, row)
		}
	}
	return out
}

// fakeProvider streams scripted chunks and optionally fails.
type fakeProvider struct {
	chunks    []string
	streamErr error // returned after the chunks instead of EOF
	createErr error // CreateChatCompletionStream fails outright
	release   chan struct{}
}

func (f *fakeProvider) CreateChatCompletion(ctx context.Context, req llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) CreateChatCompletionStream(ctx context.Context, req llm.ChatCompletionRequest) (llm.Stream, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &fakeStream{chunks: f.chunks, err: f.streamErr, release: f.release}, nil
}

type fakeStream struct {
	chunks  []string
	err     error
	release chan struct{}
	pos     int
}

func (s *fakeStream) Recv() (*llm.ChatCompletionDelta, error) {
	if s.release != nil {
		<-s.release
	}
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	delta := &llm.ChatCompletionDelta{}
	delta.Choices = append(delta.Choices, struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}{})
	delta.Choices[0].Delta.Content = chunk
	return delta, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeNotifier lets tests trigger deliveries by hand.
type fakeNotifier struct {
	mu         sync.Mutex
	msgFn      MessageHandler
	partnerFn  PartnerHandler
	msgStopped bool
}

func (f *fakeNotifier) SubscribeInserts(ctx context.Context, conversationID uint, after int, fn MessageHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgFn = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.msgStopped = true
		f.msgFn = nil
	}, nil
}

func (f *fakeNotifier) WatchPartner(ctx context.Context, conversationID uint, fn PartnerHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partnerFn = fn
	return func() {}, nil
}

func (f *fakeNotifier) firePartner(name string) {
	f.mu.Lock()
	fn := f.partnerFn
	f.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

func newTestCoordinator(store *fakeStore, msgs *fakeMessages, provider llm.Provider, notifier Notifier) *Coordinator {
	return NewCoordinator(store, msgs, provider, notifier, Options{Model: "test-model"}, zerolog.Nop())
}

func TestCreateEntersWaiting(t *testing.T) {
	store := newFakeStore()
	coord := newTestCoordinator(store, &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})

	if err := coord.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if coord.Phase() != PhaseWaiting {
		t.Errorf("phase = %q, want waiting", coord.Phase())
	}
	code := coord.RoomCode()
	if len(code) != roomkey.CodeLength {
		t.Errorf("code %q has wrong length", code)
	}

	stored, err := store.FindByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("stored session not findable: %v", err)
	}
	if !stored.PartnerPending() {
		t.Error("fresh session should have the partner placeholder")
	}
	if stored.CreatorName != "Ari" {
		t.Errorf("creator = %q", stored.CreatorName)
	}
}

func TestCreateEmptyNameStaysLobby(t *testing.T) {
	coord := newTestCoordinator(newFakeStore(), &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})

	if err := coord.Create(context.Background(), "   "); err == nil {
		t.Fatal("expected validation error")
	}
	if coord.Phase() != PhaseLobby {
		t.Errorf("phase = %q, want lobby after failed create", coord.Phase())
	}
}

func TestJoinPreservesCreator(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	creator := newTestCoordinator(store, msgs, &fakeProvider{}, &fakeNotifier{})
	if err := creator.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	joiner := newTestCoordinator(store, msgs, &fakeProvider{}, &fakeNotifier{})
	// Lowercase entry of the shared code must still match.
	if err := joiner.Join(context.Background(), strings.ToLower(creator.RoomCode()), "Sam"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if joiner.Phase() != PhaseChat {
		t.Errorf("phase = %q, want chat", joiner.Phase())
	}
	if joiner.PartnerName() != "Ari" {
		t.Errorf("joiner's partner = %q, want the creator Ari", joiner.PartnerName())
	}

	stored, _ := store.FindByCode(context.Background(), creator.RoomCode())
	if stored.CreatorName != "Ari" || stored.PartnerName != "Sam" {
		t.Errorf("stored names = %q & %q, join must not overwrite the creator", stored.CreatorName, stored.PartnerName)
	}
}

func TestJoinUnknownCodeStaysLobby(t *testing.T) {
	coord := newTestCoordinator(newFakeStore(), &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})

	err := coord.Join(context.Background(), "ZZZZZZ", "Sam")
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeNotFound) {
		t.Errorf("error type = %v, want NOT_FOUND", err)
	}
	if coord.Phase() != PhaseLobby {
		t.Errorf("phase = %q, want lobby so the caller can retry", coord.Phase())
	}
}

func TestAwaitPartnerEntersChat(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	coord := newTestCoordinator(store, &fakeMessages{}, &fakeProvider{}, notifier)
	if err := coord.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- coord.AwaitPartner(context.Background()) }()

	// Wait for the watch to register before firing.
	for i := 0; i < 100; i++ {
		notifier.mu.Lock()
		registered := notifier.partnerFn != nil
		notifier.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	notifier.firePartner("Sam")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitPartner: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitPartner did not return")
	}

	if coord.Phase() != PhaseChat {
		t.Errorf("phase = %q, want chat", coord.Phase())
	}
	if coord.PartnerName() != "Sam" {
		t.Errorf("partner = %q, want Sam", coord.PartnerName())
	}
}

func TestAwaitPartnerCancel(t *testing.T) {
	store := newFakeStore()
	coord := newTestCoordinator(store, &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})
	if err := coord.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.AwaitPartner(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitPartner did not return after cancel")
	}
}

func joinedCoordinator(t *testing.T, provider llm.Provider) (*Coordinator, *fakeStore, *fakeMessages) {
	t.Helper()
	store := newFakeStore()
	msgs := &fakeMessages{}
	creator := newTestCoordinator(store, msgs, provider, &fakeNotifier{})
	if err := creator.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	joiner := newTestCoordinator(store, msgs, provider, &fakeNotifier{})
	if err := joiner.Join(context.Background(), creator.RoomCode(), "Sam"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return joiner, store, msgs
}

func TestSendTurnStreamsReply(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"Take ", "a breath."}}
	coord, _, msgs := joinedCoordinator(t, provider)

	if err := coord.SendTurn(context.Background(), "we keep arguing"); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	local := coord.Transcript()
	if len(local) != 2 {
		t.Fatalf("transcript length = %d, want user + assistant", len(local))
	}
	if local[0].Content != "[Sam]: we keep arguing" {
		t.Errorf("user entry = %q", local[0].Content)
	}
	if local[1].Content != "Take a breath." {
		t.Errorf("assistant entry = %q", local[1].Content)
	}

	persisted := msgs.byRole(conversation.RoleAssistant)
	if len(persisted) != 1 || persisted[0].Content != "Take a breath." {
		t.Errorf("persisted assistant messages = %+v", persisted)
	}
}

func TestSendTurnStreamFailurePersistsOneFallback(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"Take "}, streamErr: errors.New("upstream reset")}
	coord, _, msgs := joinedCoordinator(t, provider)

	if err := coord.SendTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("SendTurn should swallow stream errors, got %v", err)
	}

	persisted := msgs.byRole(conversation.RoleAssistant)
	if len(persisted) != 1 {
		t.Fatalf("persisted %d assistant messages, want exactly 1", len(persisted))
	}
	if persisted[0].Content != llm.FallbackReply {
		t.Errorf("persisted %q, want the fallback line", persisted[0].Content)
	}

	local := coord.Transcript()
	if last := local[len(local)-1]; last.Content != llm.FallbackReply {
		t.Errorf("local transcript ends with %q, want the fallback line", last.Content)
	}
}

func TestSendTurnCreateStreamFailureKeepsUserMessage(t *testing.T) {
	provider := &fakeProvider{createErr: errors.New("connect refused")}
	coord, _, msgs := joinedCoordinator(t, provider)

	if err := coord.SendTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	local := coord.Transcript()
	if len(local) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(local))
	}
	if local[0].Content != "[Sam]: hello" {
		t.Errorf("user entry = %q, fallback must not overwrite it", local[0].Content)
	}
	if local[1].Content != llm.FallbackReply {
		t.Errorf("assistant entry = %q", local[1].Content)
	}
	if persisted := msgs.byRole(conversation.RoleUser); len(persisted) != 1 {
		t.Errorf("persisted %d user messages, want 1", len(persisted))
	}
}

func TestSendTurnRejectsConcurrent(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{chunks: []string{"ok"}, release: release}
	coord, _, _ := joinedCoordinator(t, provider)

	first := make(chan error, 1)
	go func() { first <- coord.SendTurn(context.Background(), "first") }()

	// Wait until the first turn is holding the stream open.
	deadline := time.After(time.Second)
	for {
		if len(coord.Transcript()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first turn never started streaming")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := coord.SendTurn(context.Background(), "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("concurrent send = %v, want ErrTurnInFlight", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first SendTurn: %v", err)
	}

	// The slot is free again.
	provider.release = nil
	if err := coord.SendTurn(context.Background(), "third"); err != nil {
		t.Errorf("send after release: %v", err)
	}
}

func TestSendTurnRequiresChat(t *testing.T) {
	coord := newTestCoordinator(newFakeStore(), &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})
	if err := coord.SendTurn(context.Background(), "hello"); err == nil {
		t.Error("send from lobby should fail")
	}

	if err := coord.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := coord.SendTurn(context.Background(), "hello"); err == nil {
		t.Error("send while waiting should fail")
	}
}

func TestOnRemoteInsertDedup(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"ok"}}
	coord, _, msgs := joinedCoordinator(t, provider)

	if err := coord.SendTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	before := len(coord.Transcript())

	// The store replays the assistant message we just appended locally.
	persisted := msgs.byRole(conversation.RoleAssistant)
	if coord.OnRemoteInsert(persisted[0]) {
		t.Error("replay of the latest entry should be dropped")
	}
	if len(coord.Transcript()) != before {
		t.Errorf("transcript grew from %d to %d on a duplicate", before, len(coord.Transcript()))
	}

	// A genuinely new partner message lands.
	partnerMsg := conversation.NewUserMessage("msg_new", 1, "Ari", "I hear you")
	if !coord.OnRemoteInsert(partnerMsg) {
		t.Error("new remote message should be appended")
	}
}

// joiningNotifier mimics the poll-based notifier: its stop function releases
// one last delivery and then waits for it to finish, the way a cancel plus
// WaitGroup teardown does.
type joiningNotifier struct {
	start chan struct{}
	wait  func()
}

func (n *joiningNotifier) SubscribeInserts(ctx context.Context, conversationID uint, after int, fn MessageHandler) (func(), error) {
	return func() {
		close(n.start)
		if n.wait != nil {
			n.wait()
		}
	}, nil
}

func (n *joiningNotifier) WatchPartner(ctx context.Context, conversationID uint, fn PartnerHandler) (func(), error) {
	return func() {}, nil
}

func TestCloseReturnsWithDeliveryInFlight(t *testing.T) {
	store := newFakeStore()
	msgs := &fakeMessages{}
	creator := newTestCoordinator(store, msgs, &fakeProvider{}, &fakeNotifier{})
	if err := creator.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	notifier := &joiningNotifier{start: make(chan struct{})}
	coord := NewCoordinator(store, msgs, &fakeProvider{}, notifier, Options{Model: "test-model"}, zerolog.Nop())
	if err := coord.Join(context.Background(), creator.RoomCode(), "Sam"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// The delivery goroutine only runs once the stop function has been
	// entered, so it is guaranteed to hit OnRemoteInsert during teardown.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-notifier.start
		coord.OnRemoteInsert(conversation.NewUserMessage("msg_late", 1, "Ari", "still here"))
	}()
	notifier.wait = wg.Wait

	done := make(chan struct{})
	go func() {
		coord.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an in-flight delivery")
	}
}

func TestCancelReturnsToLobby(t *testing.T) {
	coord := newTestCoordinator(newFakeStore(), &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})
	if err := coord.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	coord.Cancel()
	if coord.Phase() != PhaseLobby {
		t.Errorf("phase = %q, want lobby", coord.Phase())
	}
	if coord.RoomCode() != "" {
		t.Errorf("room code = %q, want empty after cancel", coord.RoomCode())
	}
}

func TestInviteLink(t *testing.T) {
	coord := newTestCoordinator(newFakeStore(), &fakeMessages{}, &fakeProvider{}, &fakeNotifier{})
	if coord.InviteLink("https://example.com") != "" {
		t.Error("invite link before create should be empty")
	}

	if err := coord.Create(context.Background(), "Ari"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := "https://example.com/couples?room=" + coord.RoomCode()
	if got := coord.InviteLink("https://example.com/"); got != want {
		t.Errorf("invite link = %q, want %q", got, want)
	}
}
