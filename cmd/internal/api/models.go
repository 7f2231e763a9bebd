package api

import (
	"time"

	v1 "parla/shared/contracts/realtime/v1"
)

type createChatRequest struct {
	ParticipantID string `json:"participantId"`
}

type chatResponse struct {
	ID           string       `json:"_id"`
	Participants []v1.UserRef `json:"participants"`
	LastMessage  *v1.Message  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

type listChatsResponse struct {
	Chats []chatResponse `json:"chats"`
}

type pageResponse struct {
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"hasMore"`
}

type sendMessageRequest struct {
	ReceiverID  string `json:"receiverId"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type reactionResponse struct {
	Action    string        `json:"action"`
	Reactions []v1.Reaction `json:"reactions"`
}

type translateRequest struct {
	Message          string `json:"message"`
	SenderLanguage   string `json:"senderLanguage,omitempty"`
	ReceiverLanguage string `json:"receiverLanguage"`
}

type translateResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage string `json:"detectedLanguage"`
	PhoneticText     string `json:"phoneticText,omitempty"`
}

type ttsRequest struct {
	Text string `json:"text"`
}

type rewriteRequest struct {
	Text string `json:"text"`
	Tone string `json:"tone"`
}

type rewriteResponse struct {
	Text string `json:"text"`
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

type suggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}
