package chat

import (
	"context"
	"time"
)

// Page size limits shared by every store implementation.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// UserStore resolves accounts. Account management itself lives outside Parla.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// ChatStore persists 1:1 chats.
//
// Requirements:
//   - FindOrCreateChat is idempotent per unordered participant pair
//   - DeleteChat cascades to the chat's messages and reactions
type ChatStore interface {
	FindOrCreateChat(ctx context.Context, a, b string, now time.Time) (Chat, bool, error)
	GetChat(ctx context.Context, id string) (Chat, error)
	ListChats(ctx context.Context, userID string) ([]Chat, error)
	DeleteChat(ctx context.Context, id string) error
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - AppendMessage assigns an orderable id and updates the parent chat's
//     last message and activity timestamp in the same write
//   - FetchBefore returns the newest page strictly older than the cursor,
//     ordered by (createdAt, id) ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	FetchBefore(ctx context.Context, in FetchBeforeInput) (FetchResult, error)
	DeleteMessage(ctx context.Context, id string) error
	ToggleReaction(ctx context.Context, in ToggleReactionInput) (ToggleReactionResult, error)
}

// Store is the full persistence boundary used by the server.
type Store interface {
	UserStore
	ChatStore
	MessageStore
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
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
	Now                time.Time
}

func (in AppendMessageInput) validate(op string) error {
	switch {
	case in.ChatID == "":
		return invalid(op, "missing chat_id")
	case in.SenderID == "":
		return invalid(op, "missing sender_id")
	case in.ReceiverID == "":
		return invalid(op, "missing receiver_id")
	case in.OriginalText == "":
		return invalid(op, "empty text")
	}
	return nil
}

// FetchBeforeInput describes a page request. A zero Before reads the newest page.
// BeforeID breaks ties between messages sharing the Before timestamp.
type FetchBeforeInput struct {
	ChatID   string
	Before   time.Time
	BeforeID string
	Limit    int
}

// FetchResult contains the retrieved page.
type FetchResult struct {
	Messages []Message
	HasMore  bool
}

// ToggleReactionInput adds the reaction if absent, removes it otherwise.
type ToggleReactionInput struct {
	MessageID string
	UserID    string
	Emoji     string
	Now       time.Time
}

// ToggleReactionResult reports the toggle outcome and the message's reaction set afterwards.
type ToggleReactionResult struct {
	ChatID    string
	Added     bool
	Reactions []Reaction
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
