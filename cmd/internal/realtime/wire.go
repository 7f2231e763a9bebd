package realtime

import (
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	v1 "parla/shared/contracts/realtime/v1"
)

// WireMessage converts a processed message into its wire form.
func WireMessage(out processor.Output) v1.Message {
	m := out.Message
	return v1.Message{
		ID:                 m.ID,
		ChatID:             m.ChatID,
		Sender:             userRef(out.Sender, m.SenderID),
		Receiver:           userRef(out.Receiver, m.ReceiverID),
		ClientMsgID:        m.ClientMsgID,
		OriginalText:       m.OriginalText,
		TranslatedText:     m.TranslatedText,
		PhoneticText:       m.PhoneticText,
		LanguageFrom:       m.LanguageFrom,
		LanguageTo:         m.LanguageTo,
		VoiceURL:           m.VoiceURL,
		TranslatedVoiceURL: m.TranslatedVoiceURL,
		Reactions:          wireReactions(m.Reactions),
		CreatedAt:          m.CreatedAt,
	}
}

func userRef(u chat.User, fallbackID string) v1.UserRef {
	if u.ID == "" {
		return v1.UserRef{ID: fallbackID}
	}
	return v1.UserRef{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}
}

func wireReactions(in []chat.Reaction) []v1.Reaction {
	out := make([]v1.Reaction, 0, len(in))
	for _, r := range in {
		out = append(out, v1.Reaction{Emoji: r.Emoji, UserID: r.UserID})
	}
	return out
}
