package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"parla/cmd/internal/ids"
)

const (
	memMaxMessagesPerChat = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements every Store operation with the same ordering and
// idempotency contracts as PostgresStore.
type InMemoryStore struct {
	mu     sync.RWMutex
	users  map[string]User
	chats  map[string]*Chat
	pairs  map[[2]string]string
	msgs   map[string]*Message
	byChat map[string][]*Message // ordered by (CreatedAt, ID)
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:  make(map[string]User),
		chats:  make(map[string]*Chat),
		pairs:  make(map[[2]string]string),
		msgs:   make(map[string]*Message),
		byChat: make(map[string][]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutUser inserts or replaces a user record.
func (s *InMemoryStore) PutUser(u User) {
	if u.Role == "" {
		u.Role = RoleUser
	}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// GetUser returns a user by id.
func (s *InMemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, notFound("chat.GetUser", "user", id)
	}
	return u, nil
}

// FindOrCreateChat returns the chat for the unordered pair (a, b), creating it on first use.
func (s *InMemoryStore) FindOrCreateChat(ctx context.Context, a, b string, now time.Time) (Chat, bool, error) {
	const op = "chat.FindOrCreateChat"
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return Chat{}, false, invalid(op, "missing participant")
	}
	if a == b {
		return Chat{}, false, invalid(op, "participants must differ")
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	pair := Pair(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairs[pair]; ok {
		return *s.chats[id], false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, false, err
	}
	c := &Chat{ID: id, Participants: pair, CreatedAt: now, UpdatedAt: now}
	s.chats[id] = c
	s.pairs[pair] = id
	return *c, true, nil
}

// GetChat returns a chat by id.
func (s *InMemoryStore) GetChat(ctx context.Context, id string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return Chat{}, notFound("chat.GetChat", "chat", id)
	}
	return *c, nil
}

// ListChats returns the user's chats, most recently active first.
func (s *InMemoryStore) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Chat, 0, 8)
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// DeleteChat removes a chat and all of its messages.
func (s *InMemoryStore) DeleteChat(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[id]
	if !ok {
		return notFound("chat.DeleteChat", "chat", id)
	}
	for _, m := range s.byChat[id] {
		delete(s.msgs, m.ID)
	}
	delete(s.byChat, id)
	delete(s.pairs, c.Participants)
	delete(s.chats, id)
	return nil
}

// AppendMessage persists a message and bumps the parent chat in one critical section.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.AppendMessage"
	if err := in.validate(op); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[in.ChatID]
	if !ok {
		return Message{}, notFound(op, "chat", in.ChatID)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}
	m := &Message{
		ID:                 id,
		ChatID:             in.ChatID,
		SenderID:           in.SenderID,
		ReceiverID:         in.ReceiverID,
		ClientMsgID:        in.ClientMsgID,
		OriginalText:       in.OriginalText,
		TranslatedText:     in.TranslatedText,
		PhoneticText:       in.PhoneticText,
		LanguageFrom:       in.LanguageFrom,
		LanguageTo:         in.LanguageTo,
		VoiceURL:           in.VoiceURL,
		TranslatedVoiceURL: in.TranslatedVoiceURL,
		CreatedAt:          now,
	}

	list := s.byChat[in.ChatID]
	i := sort.Search(len(list), func(i int) bool { return m.Before(*list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m

	// Bound memory to avoid unbounded growth in dev.
	if len(list) > memMaxMessagesPerChat {
		for _, old := range list[:len(list)-memMaxMessagesPerChat] {
			delete(s.msgs, old.ID)
		}
		list = list[len(list)-memMaxMessagesPerChat:]
	}
	s.byChat[in.ChatID] = list
	s.msgs[m.ID] = m

	c.LastMessageID = m.ID
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}

	return cloneMessage(m), nil
}

// GetMessage returns a message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, notFound("chat.GetMessage", "message", id)
	}
	return cloneMessage(m), nil
}

// FetchBefore returns the newest page of messages strictly older than the cursor.
func (s *InMemoryStore) FetchBefore(ctx context.Context, in FetchBeforeInput) (FetchResult, error) {
	if in.ChatID == "" {
		return FetchResult{}, invalid("chat.FetchBefore", "missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byChat[in.ChatID]
	end := len(list)
	if !in.Before.IsZero() {
		cursor := Message{CreatedAt: in.Before, ID: in.BeforeID}
		end = sort.Search(len(list), func(i int) bool {
			if in.BeforeID == "" {
				return !list[i].CreatedAt.Before(in.Before)
			}
			return !list[i].Before(cursor)
		})
	}

	start := end - limit
	hasMore := start > 0
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, end-start)
	for _, m := range list[start:end] {
		out = append(out, cloneMessage(m))
	}
	return FetchResult{Messages: out, HasMore: hasMore}, nil
}

// DeleteMessage removes a message and its reactions.
func (s *InMemoryStore) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return notFound("chat.DeleteMessage", "message", id)
	}
	delete(s.msgs, id)

	list := s.byChat[m.ChatID]
	for i := range list {
		if list[i].ID == id {
			s.byChat[m.ChatID] = append(list[:i], list[i+1:]...)
			break
		}
	}

	if c := s.chats[m.ChatID]; c != nil && c.LastMessageID == id {
		c.LastMessageID = ""
		if rest := s.byChat[m.ChatID]; len(rest) > 0 {
			c.LastMessageID = rest[len(rest)-1].ID
		}
	}
	return nil
}

// ToggleReaction adds (emoji, user) to the message or removes it when already present.
func (s *InMemoryStore) ToggleReaction(ctx context.Context, in ToggleReactionInput) (ToggleReactionResult, error) {
	const op = "chat.ToggleReaction"
	if in.MessageID == "" || in.UserID == "" {
		return ToggleReactionResult{}, invalid(op, "missing message_id or user_id")
	}
	if strings.TrimSpace(in.Emoji) == "" {
		return ToggleReactionResult{}, invalid(op, "emoji is required")
	}
	if err := ctx.Err(); err != nil {
		return ToggleReactionResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[in.MessageID]
	if !ok {
		return ToggleReactionResult{}, notFound(op, "message", in.MessageID)
	}

	added := true
	for i, r := range m.Reactions {
		if r.Emoji == in.Emoji && r.UserID == in.UserID {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			added = false
			break
		}
	}
	if added {
		m.Reactions = append(m.Reactions, Reaction{Emoji: in.Emoji, UserID: in.UserID})
	}

	return ToggleReactionResult{
		ChatID:    m.ChatID,
		Added:     added,
		Reactions: append([]Reaction(nil), m.Reactions...),
	}, nil
}

func cloneMessage(m *Message) Message {
	out := *m
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	return out
}

var (
	_ Store = (*InMemoryStore)(nil)

	errNilStore = errors.New("chat: nil store")
)
