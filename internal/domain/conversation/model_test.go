package conversation

import (
	"testing"

	"mindmitra/services/couples-api/internal/domain/roomkey"
)

func TestNewConversation(t *testing.T) {
	conv := NewConversation("conv_1", "user_1", "abc234", "Ari")

	if conv.Code != "ABC234" {
		t.Errorf("code = %q, want normalized ABC234", conv.Code)
	}
	if !conv.PartnerPending() {
		t.Error("fresh session should be partner pending")
	}
	if got := conv.Title(); got != "[COUPLES:ABC234] Ari & ..." {
		t.Errorf("title = %q", got)
	}
}

func TestFromLegacyTitle(t *testing.T) {
	conv := FromLegacyTitle("conv_1", "user_1", "[COUPLES:XYZW99] Ari & Sam")
	if conv == nil {
		t.Fatal("legacy title did not parse")
	}
	if conv.Code != "XYZW99" || conv.CreatorName != "Ari" || conv.PartnerName != "Sam" {
		t.Errorf("decoded %+v", conv)
	}
	if conv.PartnerPending() {
		t.Error("joined session should not be pending")
	}

	if got := FromLegacyTitle("conv_2", "user_1", "Grocery list"); got != nil {
		t.Errorf("non-couples title decoded to %+v", got)
	}
}

func TestNewUserMessagePrefix(t *testing.T) {
	msg := NewUserMessage("msg_1", 1, "Ari", "  are you free tonight?  ")
	if msg.Content != "[Ari]: are you free tonight?" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Role != RoleUser {
		t.Errorf("role = %q", msg.Role)
	}
}

func TestNewAssistantMessageNoPrefix(t *testing.T) {
	msg := NewAssistantMessage("msg_2", 1, "Take a breath, both of you.")
	if msg.Content != "Take a breath, both of you." {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Role != RoleAssistant {
		t.Errorf("role = %q", msg.Role)
	}
}

func TestValidRole(t *testing.T) {
	if !ValidRole(RoleUser) || !ValidRole(RoleAssistant) {
		t.Error("persisted roles should be valid")
	}
	if ValidRole(Role("system")) || ValidRole(Role("")) {
		t.Error("foreign roles should be rejected")
	}
}

func TestPartnerPendingMatchesPlaceholder(t *testing.T) {
	conv := &Conversation{PartnerName: roomkey.PartnerPlaceholder}
	if !conv.PartnerPending() {
		t.Error("placeholder should report pending")
	}
	conv.PartnerName = "Sam"
	if conv.PartnerPending() {
		t.Error("named partner should not report pending")
	}
}
