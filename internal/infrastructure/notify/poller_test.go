package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/domain/conversation"
)

type fakeConvRepo struct {
	mu   sync.Mutex
	conv conversation.Conversation
}

func (f *fakeConvRepo) Create(ctx context.Context, conv *conversation.Conversation) error {
	return nil
}

func (f *fakeConvRepo) FindByID(ctx context.Context, id uint) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := f.conv
	return &conv, nil
}

func (f *fakeConvRepo) FindByPublicID(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	return f.FindByID(ctx, 0)
}

func (f *fakeConvRepo) FindByCode(ctx context.Context, code string) (*conversation.Conversation, error) {
	return f.FindByID(ctx, 0)
}

func (f *fakeConvRepo) SetPartner(ctx context.Context, id uint, partnerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conv.PartnerName = partnerName
	return nil
}

func (f *fakeConvRepo) Touch(ctx context.Context, id uint) error { return nil }

func (f *fakeConvRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeConvRepo) CountWaiting(ctx context.Context) (int64, error) { return 0, nil }

type fakeMsgRepo struct {
	mu       sync.Mutex
	messages []conversation.Message
}

func (f *fakeMsgRepo) Insert(ctx context.Context, msg *conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeMsgRepo) ListByConversation(ctx context.Context, conversationID uint, offset int) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.messages) {
		return nil, nil
	}
	out := make([]conversation.Message, len(f.messages)-offset)
	copy(out, f.messages[offset:])
	return out, nil
}

func TestPollerSubscribeInserts(t *testing.T) {
	msgRepo := &fakeMsgRepo{messages: []conversation.Message{
		{PublicID: "msg_1", Role: conversation.RoleUser, Content: "[Ari]: hi"},
	}}
	poller := NewPoller(&fakeConvRepo{}, msgRepo, 10*time.Millisecond, zerolog.Nop())

	received := make(chan conversation.Message, 4)
	stop, err := poller.SubscribeInserts(context.Background(), 1, 1, func(msg conversation.Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("SubscribeInserts: %v", err)
	}
	defer stop()

	msgRepo.Insert(context.Background(), &conversation.Message{
		PublicID: "msg_2", Role: conversation.RoleAssistant, Content: "welcome",
	})

	select {
	case msg := <-received:
		if msg.PublicID != "msg_2" {
			t.Errorf("delivered %q, want msg_2 (cursor should skip rows already held)", msg.PublicID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for insert delivery")
	}
}

func TestPollerStopEndsDelivery(t *testing.T) {
	msgRepo := &fakeMsgRepo{}
	poller := NewPoller(&fakeConvRepo{}, msgRepo, 5*time.Millisecond, zerolog.Nop())

	var mu sync.Mutex
	count := 0
	stop, err := poller.SubscribeInserts(context.Background(), 1, 0, func(conversation.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeInserts: %v", err)
	}

	stop()
	msgRepo.Insert(context.Background(), &conversation.Message{PublicID: "msg_late"})
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("stopped subscription delivered %d messages", count)
	}
}

func TestPollerWatchPartner(t *testing.T) {
	convRepo := &fakeConvRepo{conv: conversation.Conversation{
		ID:          1,
		Code:        "ABC234",
		CreatorName: "Ari",
		PartnerName: "...",
	}}
	poller := NewPoller(convRepo, &fakeMsgRepo{}, 10*time.Millisecond, zerolog.Nop())

	joined := make(chan string, 1)
	stop, err := poller.WatchPartner(context.Background(), 1, func(name string) {
		joined <- name
	})
	if err != nil {
		t.Fatalf("WatchPartner: %v", err)
	}
	defer stop()

	// No delivery while the placeholder is still in place.
	select {
	case name := <-joined:
		t.Fatalf("fired %q before partner joined", name)
	case <-time.After(40 * time.Millisecond):
	}

	convRepo.SetPartner(context.Background(), 1, "Sam")

	select {
	case name := <-joined:
		if name != "Sam" {
			t.Errorf("delivered partner %q, want Sam", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for partner delivery")
	}
}
