// Package transcript implements the renderer-facing attribution contract and
// the append-only local transcript with duplicate suppression.
package transcript

import (
	"strings"

	"mindmitra/services/couples-api/internal/domain/conversation"
)

// Sender classifies a message relative to the local participant.
type Sender string

const (
	SenderAssistant Sender = "assistant"
	SenderMe        Sender = "me"
	SenderPartner   Sender = "partner"
	SenderUnknown   Sender = "unknown"
)

// Classify attributes a message to the assistant, the local participant, or
// the partner. A user message whose prefix cannot be parsed classifies as
// unknown rather than failing.
func Classify(msg conversation.Message, selfName string) Sender {
	if msg.Role == conversation.RoleAssistant {
		return SenderAssistant
	}

	name, _, ok := splitPrefix(msg.Content)
	if !ok {
		return SenderUnknown
	}
	if name == selfName {
		return SenderMe
	}
	return SenderPartner
}

// Display strips the bracketed sender prefix for rendering. Content without
// a parseable prefix is returned unchanged.
func Display(content string) string {
	if _, text, ok := splitPrefix(content); ok {
		return text
	}
	return content
}

// SenderName extracts the bracketed sender name, or "" when unparseable.
func SenderName(content string) string {
	name, _, _ := splitPrefix(content)
	return name
}

func splitPrefix(content string) (name, text string, ok bool) {
	if !strings.HasPrefix(content, "[") {
		return "", "", false
	}
	end := strings.Index(content, "]: ")
	if end <= 1 {
		return "", "", false
	}
	return content[1:end], content[end+len("]: "):], true
}

// Transcript is one participant's local, append-only view of the session.
type Transcript struct {
	entries []conversation.Message
}

// Append adds a locally produced message without duplicate checks.
func (t *Transcript) Append(msg conversation.Message) {
	t.entries = append(t.entries, msg)
}

// AppendRemote adds a message delivered by the store, dropping duplicates.
// A message with a public ID matching the last entry's is a replay of our
// own optimistic append. Legacy rows without IDs fall back to comparing
// role and content against the last entry only, which can collapse two
// consecutive identical messages from different senders.
func (t *Transcript) AppendRemote(msg conversation.Message) bool {
	if last := t.Last(); last != nil {
		if msg.PublicID != "" && last.PublicID != "" {
			if msg.PublicID == last.PublicID {
				return false
			}
		} else if last.Role == msg.Role && last.Content == msg.Content {
			return false
		}
	}
	t.entries = append(t.entries, msg)
	return true
}

// ReplaceLast swaps the final entry, used while a reply is streaming.
func (t *Transcript) ReplaceLast(msg conversation.Message) {
	if len(t.entries) == 0 {
		t.entries = append(t.entries, msg)
		return
	}
	t.entries[len(t.entries)-1] = msg
}

// Last returns the most recent entry, or nil when empty.
func (t *Transcript) Last() *conversation.Message {
	if len(t.entries) == 0 {
		return nil
	}
	return &t.entries[len(t.entries)-1]
}

// Messages returns the entries in order.
func (t *Transcript) Messages() []conversation.Message {
	return t.entries
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Reset replaces the transcript with authoritative store history.
func (t *Transcript) Reset(msgs []conversation.Message) {
	t.entries = append(t.entries[:0], msgs...)
}
