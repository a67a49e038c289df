// Package roomkey implements the shareable room-code contract for couples
// sessions: code generation, and the legacy title encoding that older rows
// used to smuggle the session state through a single display field.
package roomkey

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	// CodeLength is the number of characters in a room code.
	CodeLength = 6

	// PartnerPlaceholder marks a session whose second participant has not
	// joined yet.
	PartnerPlaceholder = "..."
)

// codeAlphabet excludes visually confusable characters (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var titlePattern = regexp.MustCompile(`^\[COUPLES:([A-Z0-9]+)\] (.+) & (.+)$`)

// Key is the decoded form of a couples session title.
type Key struct {
	Code        string
	CreatorName string
	PartnerName string
}

// PartnerPending reports whether the second participant has joined yet.
func (k *Key) PartnerPending() bool {
	return k.PartnerName == PartnerPlaceholder
}

// Generate returns a fresh room code drawn from the unambiguous alphabet.
func Generate() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Encode renders the legacy title form `[COUPLES:<CODE>] <creator> & <partner>`.
// It is the exact inverse of Decode for names free of "&" and "]".
func Encode(code, creatorName, partnerName string) string {
	return fmt.Sprintf("[COUPLES:%s] %s & %s", strings.ToUpper(code), creatorName, partnerName)
}

// Decode parses a legacy title. It returns nil when the title does not
// conform; callers treat that as "not a couples session", never a failure.
func Decode(title string) *Key {
	match := titlePattern.FindStringSubmatch(title)
	if match == nil {
		return nil
	}
	return &Key{
		Code:        match[1],
		CreatorName: match[2],
		PartnerName: match[3],
	}
}

// NormalizeCode upper-cases and trims a user-entered room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
