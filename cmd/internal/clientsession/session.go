// Package clientsession is the client side of one open chat: it keeps the
// visible message list, reconciles optimistic sends with the canonical
// messages the server delivers, debounces the peer's typing indicator and
// loads older history without moving the reader's scroll anchor.
package clientsession

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "parla/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// State of a Session.
type State int

const (
	StateLoading State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "loading"
}

// Status of one visible entry.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

// Entry is one row of the visible list. Optimistic rows carry a TempID that
// doubles as their Message.ID until the server confirms them.
type Entry struct {
	Message v1.Message
	Status  Status
	TempID  string
}

func (e Entry) confirmed() bool { return e.Status == StatusConfirmed }

// Page is one slice of history, oldest first.
type Page struct {
	Messages []v1.Message
	HasMore  bool
}

// Transport is the socket side of a session.
type Transport interface {
	JoinChat(ctx context.Context, chatID string) error
	// SendMessage returns the canonical message from the server's ack.
	SendMessage(ctx context.Context, p v1.SendMessagePayload) (v1.Message, error)
	Typing(ctx context.Context, p v1.TypingPayload) error
	AnnounceDelete(ctx context.Context, p v1.DeletePayload) error
}

// History is the request/response side of a session.
type History interface {
	// FetchBefore returns up to limit messages strictly older than
	// (before, beforeID); a zero before reads the newest page.
	FetchBefore(ctx context.Context, chatID string, before time.Time, beforeID string, limit int) (Page, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Viewport is the scrolling surface the list is rendered into.
type Viewport interface {
	ContentHeight() float64
	ScrollOffset() float64
	SetScrollOffset(float64)
}

var (
	ErrNotReady       = errors.New("clientsession: not ready")
	ErrEmptyText      = errors.New("clientsession: empty text")
	ErrUnknownMessage = errors.New("clientsession: unknown message")
	ErrNotSender      = errors.New("clientsession: only the sender can delete a message")
	ErrNotFailed      = errors.New("clientsession: message is not in failed state")
)

const (
	DefaultPageSize    = 30
	DefaultTypingQuiet = 3 * time.Second
	DefaultAckTimeout  = 15 * time.Second
)

// Config identifies the chat and the two participants.
type Config struct {
	ChatID string
	Self   v1.UserRef
	Peer   v1.UserRef

	PageSize    int
	TypingQuiet time.Duration
	AckTimeout  time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOnChange registers a callback run synchronously after every visible
// change. LoadOlder measures the viewport right after it returns, so a UI
// should lay the list out inside it.
func WithOnChange(fn func()) Option { return func(s *Session) { s.onChange = fn } }

// Session is the state machine of one open chat. It is safe for concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	history   History
	log       *slog.Logger
	now       func() time.Time
	onChange  func()

	mu           sync.Mutex
	state        State
	entries      []Entry
	hasMore      bool
	loadingOlder bool
	suggestions  []string

	peerTyping  bool
	typingGen   uint64
	typingTimer *time.Timer
}

// New builds a Session in StateLoading. Call Load before sending.
func New(cfg Config, transport Transport, history History, opts ...Option) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.TypingQuiet <= 0 {
		cfg.TypingQuiet = DefaultTypingQuiet
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	s := &Session{
		cfg:       cfg,
		transport: transport,
		history:   history,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Snapshot is a consistent copy of the visible state.
type Snapshot struct {
	State       State
	Entries     []Entry
	HasMore     bool
	PeerTyping  bool
	Suggestions []string
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.state,
		Entries:     append([]Entry(nil), s.entries...),
		HasMore:     s.hasMore,
		PeerTyping:  s.peerTyping,
		Suggestions: append([]string(nil), s.suggestions...),
	}
}

// Load joins the chat room and replaces the list with the newest page.
// It is also the reconnect path: unconfirmed rows that the fetched page does
// not account for are kept.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateLoading
	s.mu.Unlock()
	s.notify()

	if err := s.transport.JoinChat(ctx, s.cfg.ChatID); err != nil {
		return err
	}
	page, err := s.history.FetchBefore(ctx, s.cfg.ChatID, time.Time{}, "", s.cfg.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.entries
	s.entries = make([]Entry, 0, len(page.Messages)+len(old))
	for _, m := range page.Messages {
		s.receiveLocked(m)
	}
	for _, e := range old {
		if e.confirmed() || s.accountedForLocked(e) {
			continue
		}
		s.insertLocked(e)
	}
	s.hasMore = page.HasMore
	s.state = StateReady
	s.mu.Unlock()

	s.notify()
	return nil
}

// Send appends an optimistic entry, clears suggestions and sends the text.
// On failure the entry stays in the list marked StatusFailed.
func (s *Session) Send(ctx context.Context, text string) (Entry, error) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, ErrEmptyText
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return Entry{}, ErrNotReady
	}
	tempID := "tmp-" + uuid.NewString()
	e := Entry{
		TempID: tempID,
		Status: StatusPending,
		Message: v1.Message{
			ID:           tempID,
			ChatID:       s.cfg.ChatID,
			Sender:       s.cfg.Self,
			Receiver:     s.cfg.Peer,
			ClientMsgID:  uuid.NewString(),
			OriginalText: text,
			Reactions:    []v1.Reaction{},
			CreatedAt:    s.now().UTC(),
		},
	}
	s.insertLocked(e)
	s.suggestions = nil
	s.mu.Unlock()
	s.notify()

	return s.deliver(ctx, e)
}

// Retry resends a failed optimistic entry with its original idempotency token.
func (s *Session) Retry(ctx context.Context, tempID string) (Entry, error) {
	s.mu.Lock()
	i := s.indexOfTempLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return Entry{}, ErrUnknownMessage
	}
	if s.entries[i].Status != StatusFailed {
		s.mu.Unlock()
		return Entry{}, ErrNotFailed
	}
	s.entries[i].Status = StatusPending
	e := s.entries[i]
	s.mu.Unlock()
	s.notify()

	return s.deliver(ctx, e)
}

func (s *Session) deliver(ctx context.Context, e Entry) (Entry, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()

	m, err := s.transport.SendMessage(actx, v1.SendMessagePayload{
		ChatID:      s.cfg.ChatID,
		SenderID:    s.cfg.Self.ID,
		ReceiverID:  s.cfg.Peer.ID,
		Text:        e.Message.OriginalText,
		ClientMsgID: e.Message.ClientMsgID,
	})
	if err != nil {
		s.mu.Lock()
		if i := s.indexOfTempLocked(e.TempID); i >= 0 && s.entries[i].Status == StatusPending {
			s.entries[i].Status = StatusFailed
		}
		s.mu.Unlock()
		s.notify()
		s.log.Warn("clientsession.send.fail", "chat_id", s.cfg.ChatID, "temp_id", e.TempID, "err", err)
		return Entry{}, err
	}

	s.Receive(m)
	return Entry{Message: m, Status: StatusConfirmed}, nil
}

// Receive merges a canonical message. It reports whether the list changed.
func (s *Session) Receive(m v1.Message) bool {
	if m.ChatID != s.cfg.ChatID || m.ID == "" {
		return false
	}
	s.mu.Lock()
	changed := s.receiveLocked(m)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

func (s *Session) receiveLocked(m v1.Message) bool {
	if m.Reactions == nil {
		m.Reactions = []v1.Reaction{}
	}
	if s.indexOfLocked(m.ID) >= 0 {
		return false
	}
	if i := s.matchOptimisticLocked(m); i >= 0 {
		e := Entry{Message: m, Status: StatusConfirmed}
		if s.fitsAtLocked(i, m) {
			s.entries[i] = e
			return true
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		s.insertLocked(e)
		return true
	}
	s.insertLocked(Entry{Message: m, Status: StatusConfirmed})
	return true
}

// fitsAtLocked reports whether m keeps the list ordered when stored at i.
func (s *Session) fitsAtLocked(i int, m v1.Message) bool {
	if i > 0 && before(m, s.entries[i-1].Message) {
		return false
	}
	if i+1 < len(s.entries) && before(s.entries[i+1].Message, m) {
		return false
	}
	return true
}

// matchOptimisticLocked finds the unconfirmed entry m confirms: by
// idempotency token when m has one, else by sender and exact text.
func (s *Session) matchOptimisticLocked(m v1.Message) int {
	for i, e := range s.entries {
		if e.confirmed() {
			continue
		}
		if m.ClientMsgID != "" {
			if e.Message.ClientMsgID == m.ClientMsgID {
				return i
			}
			continue
		}
		if e.Message.Sender.ID == m.Sender.ID && e.Message.OriginalText == m.OriginalText {
			return i
		}
	}
	return -1
}

func (s *Session) accountedForLocked(e Entry) bool {
	for _, c := range s.entries {
		if !c.confirmed() {
			continue
		}
		if c.Message.ClientMsgID != "" {
			if c.Message.ClientMsgID == e.Message.ClientMsgID {
				return true
			}
			continue
		}
		if c.Message.Sender.ID == e.Message.Sender.ID && c.Message.OriginalText == e.Message.OriginalText {
			return true
		}
	}
	return false
}

// ---- typing ----

// InputChanged tells the peer the local user is typing.
func (s *Session) InputChanged(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.transport.Typing(ctx, v1.TypingPayload{ChatID: s.cfg.ChatID, UserID: s.cfg.Self.ID})
}

// OnTyping shows the peer's typing indicator until TypingQuiet passes
// without another typing event.
func (s *Session) OnTyping(p v1.TypingPayload) {
	if p.ChatID != s.cfg.ChatID || p.UserID == s.cfg.Self.ID {
		return
	}

	s.mu.Lock()
	s.typingGen++
	gen := s.typingGen
	was := s.peerTyping
	s.peerTyping = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingQuiet, func() { s.clearTyping(gen) })
	s.mu.Unlock()

	if !was {
		s.notify()
	}
}

func (s *Session) clearTyping(gen uint64) {
	s.mu.Lock()
	if gen != s.typingGen || !s.peerTyping {
		s.mu.Unlock()
		return
	}
	s.peerTyping = false
	s.typingTimer = nil
	s.mu.Unlock()
	s.notify()
}

// ---- pagination ----

// LoadOlder prepends the page before the oldest loaded message and shifts
// vp by the height the prepend added. It returns the number of new rows.
func (s *Session) LoadOlder(ctx context.Context, vp Viewport) (int, error) {
	s.mu.Lock()
	if s.state != StateReady || !s.hasMore || s.loadingOlder {
		s.mu.Unlock()
		return 0, nil
	}
	oldest, ok := s.oldestConfirmedLocked()
	if !ok {
		s.mu.Unlock()
		return 0, nil
	}
	s.loadingOlder = true
	s.mu.Unlock()

	page, err := s.history.FetchBefore(ctx, s.cfg.ChatID, oldest.CreatedAt, oldest.ID, s.cfg.PageSize)

	var height, offset float64
	if err == nil && vp != nil {
		height, offset = vp.ContentHeight(), vp.ScrollOffset()
	}

	s.mu.Lock()
	s.loadingOlder = false
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	added := 0
	for _, m := range page.Messages {
		if !before(m, oldest) || s.indexOfLocked(m.ID) >= 0 {
			continue
		}
		s.insertLocked(Entry{Message: m, Status: StatusConfirmed})
		added++
	}
	s.hasMore = page.HasMore
	s.mu.Unlock()

	if added == 0 {
		return 0, nil
	}
	s.notify()
	if vp != nil {
		vp.SetScrollOffset(offset + vp.ContentHeight() - height)
	}
	return added, nil
}

func (s *Session) oldestConfirmedLocked() (v1.Message, bool) {
	for _, e := range s.entries {
		if e.confirmed() {
			return e.Message, true
		}
	}
	return v1.Message{}, false
}

// ---- deletion ----

// Delete removes the caller's own message locally, deletes it on the server
// and announces the deletion to the chat room. A failed server delete puts
// the row back.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	i := s.indexOfLocked(messageID)
	if i < 0 || !s.entries[i].confirmed() {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	e := s.entries[i]
	if e.Message.Sender.ID != s.cfg.Self.ID {
		s.mu.Unlock()
		return ErrNotSender
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.mu.Unlock()
	s.notify()

	if err := s.history.DeleteMessage(ctx, messageID); err != nil {
		s.mu.Lock()
		if s.indexOfLocked(messageID) < 0 {
			s.insertLocked(e)
		}
		s.mu.Unlock()
		s.notify()
		return err
	}

	if err := s.transport.AnnounceDelete(ctx, v1.DeletePayload{ChatID: s.cfg.ChatID, MessageID: messageID}); err != nil {
		s.log.Warn("clientsession.delete.announce.fail", "chat_id", s.cfg.ChatID, "message_id", messageID, "err", err)
	}
	return nil
}

// OnDeleted drops a message another session deleted.
func (s *Session) OnDeleted(p v1.DeletePayload) {
	if p.ChatID != s.cfg.ChatID {
		return
	}
	s.mu.Lock()
	i := s.indexOfLocked(p.MessageID)
	if i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
	s.mu.Unlock()
	if i >= 0 {
		s.notify()
	}
}

// OnReactions replaces the reaction set of one message.
func (s *Session) OnReactions(p v1.ReactionUpdatedPayload) {
	if p.ChatID != s.cfg.ChatID {
		return
	}
	s.mu.Lock()
	i := s.indexOfLocked(p.MessageID)
	if i >= 0 {
		s.entries[i].Message.Reactions = append([]v1.Reaction{}, p.Reactions...)
	}
	s.mu.Unlock()
	if i >= 0 {
		s.notify()
	}
}

// SetSuggestions stores smart-reply suggestions until the next send.
func (s *Session) SetSuggestions(list []string) {
	s.mu.Lock()
	s.suggestions = append([]string(nil), list...)
	s.mu.Unlock()
	s.notify()
}

// Handle routes one server envelope to the matching handler. Envelopes for
// other chats are ignored.
func (s *Session) Handle(env v1.Envelope) {
	var err error
	switch env.Type {
	case v1.TypeReceiveMessage, v1.TypeNewMessage:
		var m v1.Message
		if err = env.Decode(&m); err == nil {
			s.Receive(m)
		}
	case v1.TypeTyping:
		var p v1.TypingPayload
		if err = env.Decode(&p); err == nil {
			s.OnTyping(p)
		}
	case v1.TypeMessageDeleted:
		var p v1.DeletePayload
		if err = env.Decode(&p); err == nil {
			s.OnDeleted(p)
		}
	case v1.TypeReactionUpdated:
		var p v1.ReactionUpdatedPayload
		if err = env.Decode(&p); err == nil {
			s.OnReactions(p)
		}
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		s.log.Info("clientsession.server.error", "chat_id", s.cfg.ChatID, "code", p.Code, "msg", p.Message)
	}
	if err != nil {
		s.log.Warn("clientsession.decode.fail", "type", env.Type, "err", err)
	}
}

// ---- list helpers ----

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Session) indexOfLocked(id string) int {
	for i, e := range s.entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) indexOfTempLocked(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range s.entries {
		if e.TempID == tempID {
			return i
		}
	}
	return -1
}

// before orders messages by creation time, then id.
func before(a, b v1.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// insertLocked places e after every entry that does not order after it.
func (s *Session) insertLocked(e Entry) {
	i := len(s.entries)
	for i > 0 && before(e.Message, s.entries[i-1].Message) {
		i--
	}
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}
