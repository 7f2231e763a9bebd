package v1

import "time"

// UserRef is the display-bearing view of a participant embedded into messages.
type UserRef struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Reaction is one (emoji, user) pair on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is the canonical message record as it travels on the wire.
type Message struct {
	ID                 string     `json:"_id"`
	ChatID             string     `json:"chatId"`
	Sender             UserRef    `json:"senderId"`
	Receiver           UserRef    `json:"receiverId"`
	ClientMsgID        string     `json:"clientMsgId,omitempty"`
	OriginalText       string     `json:"originalText"`
	TranslatedText     string     `json:"translatedText,omitempty"`
	PhoneticText       string     `json:"phoneticText,omitempty"`
	LanguageFrom       string     `json:"languageFrom,omitempty"`
	LanguageTo         string     `json:"languageTo,omitempty"`
	VoiceURL           string     `json:"voiceUrl,omitempty"`
	TranslatedVoiceURL string     `json:"translatedVoiceUrl,omitempty"`
	Reactions          []Reaction `json:"reactions"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// ---- Payloads ----

// HelloAckPayload identifies the accepted socket session.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// JoinChatPayload requests membership in a chat room.
type JoinChatPayload struct {
	ChatID string `json:"chatId"`
}

// JoinUserPayload requests membership in the caller's own user room.
type JoinUserPayload struct {
	UserID string `json:"userId"`
}

// SendMessagePayload requests sending a message.
//
// MessageID is set only for messages already processed through another path
// (voice upload); the server then broadcasts the stored record as-is.
type SendMessagePayload struct {
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	MessageID   string `json:"_id,omitempty"`
}

// AckPayload answers one request envelope.
type AckPayload struct {
	Status string   `json:"status"`
	Data   *Message `json:"data,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// TypingPayload announces that UserID is typing in ChatID.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// DeletePayload is shared by delete_message and message_deleted.
type DeletePayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// ReactionUpdatedPayload carries the full reaction set after a toggle.
type ReactionUpdatedPayload struct {
	ChatID    string     `json:"chatId"`
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
