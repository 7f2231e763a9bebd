// Package chat holds Parla's durable domain: users, 1:1 chats, messages and reactions,
// plus the stores that persist them.
package chat

import (
	"strings"
	"time"
)

// Role values carried by users.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// DefaultLanguage is used when a user has no preferred language.
const DefaultLanguage = "en"

// User is the subset of an account the message pipeline needs.
type User struct {
	ID                string
	Name              string
	Email             string
	Avatar            string
	PreferredLanguage string
	Active            bool
	Role              string
}

// Language returns the user's preferred language, defaulting to DefaultLanguage.
func (u User) Language() string {
	if l := strings.TrimSpace(u.PreferredLanguage); l != "" {
		return l
	}
	return DefaultLanguage
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Chat is a 1:1 conversation. Participants is always sorted so that one
// unordered pair maps to exactly one value.
type Chat struct {
	ID            string
	Participants  [2]string
	LastMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID ("" if userID is not a participant).
func (c Chat) Other(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

// Pair returns the canonical (sorted) participant pair for a and b.
func Pair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// Reaction is one (emoji, user) pair; a user reacts with a given emoji at most once.
type Reaction struct {
	Emoji  string
	UserID string
}

// Message is the canonical persisted message.
type Message struct {
	ID                 string
	ChatID             string
	SenderID           string
	ReceiverID         string
	ClientMsgID        string
	OriginalText       string
	TranslatedText     string
	PhoneticText       string
	LanguageFrom       string
	LanguageTo         string
	VoiceURL           string
	TranslatedVoiceURL string
	Reactions          []Reaction
	CreatedAt          time.Time
}

// Before reports whether m orders strictly before other (createdAt, then id).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
