package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const titleMaxRunes = 60

// ParseRole accepts only the enumerated roles.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown message role %q", s)
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	TurnID    string    `json:"-"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Conversation struct {
	ID           string    `json:"conversation_id"`
	OwnerID      string    `json:"-"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OwnedBy reports whether userID owns the conversation.
func (c *Conversation) OwnedBy(userID string) bool {
	return c.OwnerID != "" && c.OwnerID == userID
}

// Turn builds the user/assistant pair of a single chat turn.
func Turn(turnID, userContent, assistantContent string) []Message {
	return []Message{
		{Role: RoleUser, Content: userContent, TurnID: turnID},
		{Role: RoleAssistant, Content: assistantContent, TurnID: turnID},
	}
}

// ValidateContent rejects text that a Postgres TEXT column cannot store.
func ValidateContent(content string) error {
	if !utf8.ValidString(content) {
		return fmt.Errorf("content is not valid UTF-8")
	}
	if strings.ContainsRune(content, 0) {
		return fmt.Errorf("content contains a NUL character")
	}
	return nil
}

// SanitizeContent drops NUL characters and replaces invalid UTF-8 so that
// text coming from outside the service can always be stored.
func SanitizeContent(content string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(content, "\uFFFD"), "\x00", "")
}

// ValidateMessages checks roles and content of a batch before it is appended.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("no messages to append")
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("message %d: empty content", i)
		}
		if err := ValidateContent(m.Content); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// DeriveTitle returns a short single-line title taken from the first user message.
func DeriveTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(title) <= titleMaxRunes {
			return title
		}
		runes := []rune(title)
		return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
	}
	return ""
}
