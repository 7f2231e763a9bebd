// Package processor turns one inbound message into a persisted, translated,
// canonical chat.Message.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"parla/cmd/internal/chat"
	"parla/cmd/internal/translate"
	"parla/cmd/internal/voice"

	"golang.org/x/sync/errgroup"
)

// MaxTextChars bounds message text (runes).
const MaxTextChars = 4000

// Translator is the subset of translate.Service the processor needs.
type Translator interface {
	Translate(ctx context.Context, text, target string) translate.Result
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// VoiceStore persists audio assets.
type VoiceStore interface {
	Save(ctx context.Context, r io.Reader, ext string) (voice.Asset, error)
}

// Input is one message to process.
type Input struct {
	ChatID             string
	SenderID           string
	ReceiverID         string
	Text               string
	ClientMsgID        string
	VoiceURL           string
	TranslatedVoiceURL string
}

// VoiceInput is a recorded voice message to store, transcribe and process.
type VoiceInput struct {
	ChatID      string
	SenderID    string
	ReceiverID  string
	ClientMsgID string
	Filename    string
	Audio       io.Reader
}

// Output is the canonical message plus its resolved participants.
type Output struct {
	Message  chat.Message
	Sender   chat.User
	Receiver chat.User
}

// Processor orchestrates enrichment and persistence of messages.
type Processor struct {
	store   chat.Store
	tr      Translator
	voices  VoiceStore
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	maxVoiceBytes int64
}

// Option configures Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMaxVoiceBytes caps uploaded voice recordings.
func WithMaxVoiceBytes(n int64) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxVoiceBytes = n
		}
	}
}

// New constructs a Processor. voices may be nil, which disables voice features.
func New(store chat.Store, tr Translator, voices VoiceStore, opts ...Option) *Processor {
	p := &Processor{
		store:         store,
		tr:            tr,
		voices:        voices,
		log:           slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		maxVoiceBytes: voice.DefaultMaxBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Process resolves participants, translates, optionally synthesizes the
// translated voice, persists the message and bumps the chat.
//
// The call is detached from ctx cancellation: once started it runs to
// completion even if the requesting connection goes away.
func (p *Processor) Process(ctx context.Context, in Input) (out Output, err error) {
	const op = "processor.Process"
	ctx = context.WithoutCancel(ctx)

	start := p.now()
	defer func() { p.metrics.observe(start, err) }()

	text := in.Text
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Output{}, ErrEmptyText
	}
	if utf8.RuneCountInString(trimmed) > MaxTextChars {
		return Output{}, fmt.Errorf("%w: max=%d chars", ErrTextTooLong, MaxTextChars)
	}

	sender, receiver, err := p.resolveUsers(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return Output{}, err
	}
	if !sender.Active {
		return Output{}, ErrSenderInactive
	}

	if err := p.checkChat(ctx, in.ChatID, sender.ID, receiver.ID); err != nil {
		return Output{}, err
	}

	target := receiver.Language()
	tr := p.tr.Translate(ctx, text, target)
	if tr.DetectedLang == translate.UnknownLang {
		p.log.Info("processor.translate.degraded", "chat_id", in.ChatID, "sender_id", sender.ID)
	}

	translatedVoice := in.TranslatedVoiceURL
	if in.VoiceURL != "" && translatedVoice == "" && !translate.SameLanguage(tr.DetectedLang, target) {
		translatedVoice = p.synthesize(ctx, in.ChatID, tr.Translated)
	}

	msg, err := p.store.AppendMessage(ctx, chat.AppendMessageInput{
		ChatID:             in.ChatID,
		SenderID:           sender.ID,
		ReceiverID:         receiver.ID,
		ClientMsgID:        strings.TrimSpace(in.ClientMsgID),
		OriginalText:       text,
		TranslatedText:     tr.Translated,
		PhoneticText:       tr.Phonetic,
		LanguageFrom:       tr.DetectedLang,
		LanguageTo:         target,
		VoiceURL:           in.VoiceURL,
		TranslatedVoiceURL: translatedVoice,
		Now:                p.now(),
	})
	if err != nil {
		if chat.IsNotFound(err) {
			return Output{}, ErrChatNotFound
		}
		p.log.Error("processor.persist.fail", "chat_id", in.ChatID, "err", err)
		return Output{}, &PersistenceError{Op: op, Err: err}
	}

	return Output{Message: msg, Sender: sender, Receiver: receiver}, nil
}

// ProcessVoice stores the recording, transcribes it and processes the transcript
// with the recording attached as the voice ref.
func (p *Processor) ProcessVoice(ctx context.Context, in VoiceInput) (Output, error) {
	if p.voices == nil {
		return Output{}, ErrVoiceDisabled
	}
	if in.Audio == nil {
		return Output{}, errors.New("processor: missing audio")
	}
	ctx = context.WithoutCancel(ctx)

	data, err := io.ReadAll(io.LimitReader(in.Audio, p.maxVoiceBytes+1))
	if err != nil {
		return Output{}, fmt.Errorf("read audio: %w", err)
	}
	if int64(len(data)) > p.maxVoiceBytes {
		return Output{}, voice.ErrTooLarge
	}

	asset, err := p.voices.Save(ctx, bytes.NewReader(data), filepath.Ext(in.Filename))
	if err != nil {
		return Output{}, fmt.Errorf("save audio: %w", err)
	}

	text, err := p.tr.Transcribe(ctx, bytes.NewReader(data), in.Filename)
	if err != nil {
		p.log.Warn("processor.transcribe.fail", "chat_id", in.ChatID, "err", err)
		return Output{}, fmt.Errorf("transcribe: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return Output{}, fmt.Errorf("transcribe: %w", ErrEmptyText)
	}

	return p.Process(ctx, Input{
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		ReceiverID:  in.ReceiverID,
		Text:        text,
		ClientMsgID: in.ClientMsgID,
		VoiceURL:    asset.URL,
	})
}

// Hydrate resolves the participants of an already persisted message.
func (p *Processor) Hydrate(ctx context.Context, m chat.Message) (Output, error) {
	sender, receiver, err := p.resolveUsers(ctx, m.SenderID, m.ReceiverID)
	if err != nil {
		return Output{}, err
	}
	return Output{Message: m, Sender: sender, Receiver: receiver}, nil
}

func (p *Processor) resolveUsers(ctx context.Context, senderID, receiverID string) (chat.User, chat.User, error) {
	var (
		sender, receiver       chat.User
		senderErr, receiverErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sender, senderErr = p.store.GetUser(gctx, senderID)
		if senderErr != nil && !chat.IsNotFound(senderErr) {
			return senderErr
		}
		return nil
	})
	g.Go(func() error {
		receiver, receiverErr = p.store.GetUser(gctx, receiverID)
		if receiverErr != nil && !chat.IsNotFound(receiverErr) {
			return receiverErr
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return chat.User{}, chat.User{}, fmt.Errorf("resolve users: %w", err)
	}

	switch {
	case strings.TrimSpace(senderID) == "" || senderErr != nil:
		return chat.User{}, chat.User{}, ErrSenderNotFound
	case strings.TrimSpace(receiverID) == "" || receiverErr != nil:
		return chat.User{}, chat.User{}, ErrReceiverNotFound
	}
	return sender, receiver, nil
}

func (p *Processor) checkChat(ctx context.Context, chatID, senderID, receiverID string) error {
	if strings.TrimSpace(chatID) == "" {
		return ErrChatNotFound
	}
	c, err := p.store.GetChat(ctx, chatID)
	if err != nil {
		if chat.IsNotFound(err) {
			return ErrChatNotFound
		}
		return fmt.Errorf("load chat: %w", err)
	}
	if !c.HasParticipant(senderID) || c.Other(senderID) != receiverID {
		return ErrNotParticipant
	}
	return nil
}

// synthesize renders and stores the translated voice. Failures are logged and
// yield "".
func (p *Processor) synthesize(ctx context.Context, chatID, text string) string {
	if p.voices == nil {
		return ""
	}
	audio, err := p.tr.Synthesize(ctx, text)
	if err != nil {
		p.log.Warn("processor.tts.fail", "chat_id", chatID, "err", err)
		p.metrics.ttsFailed()
		return ""
	}
	asset, err := p.voices.Save(ctx, bytes.NewReader(audio), "mp3")
	if err != nil {
		p.log.Warn("processor.tts.store.fail", "chat_id", chatID, "err", err)
		p.metrics.ttsFailed()
		return ""
	}
	return asset.URL
}
