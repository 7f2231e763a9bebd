// Package translate wraps the language provider used to enrich messages:
// combined detect+translate+phonetic, speech-to-text, text-to-speech and a few
// assistant helpers (smart replies, summaries, rewrites).
//
// Translate never fails. Degraded results echo the input with UnknownLang.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Default knobs.
const (
	DefaultTimeout       = 15 * time.Second
	DefaultStructuredTry = 2
)

// ErrUnavailable is returned by calls that need a provider when none is configured.
var ErrUnavailable = errors.New("translate: provider unavailable")

// Provider is the remote model surface. Implementations must be safe for concurrent use.
type Provider interface {
	// Complete runs one chat completion and returns the assistant text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Transcribe returns the text spoken in audio.
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
	// Synthesize renders text to MP3 audio.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// CompletionRequest is a single-turn prompt. User may be empty.
type CompletionRequest struct {
	System string
	User   string
}

// Result is the outcome of Translate.
type Result struct {
	DetectedLang string
	Translated   string
	Phonetic     string
}

// Service is the translation adapter used by the message processor and the HTTP API.
type Service struct {
	provider      Provider
	timeout       time.Duration
	structuredTry int
	log           *slog.Logger
	metrics       *Metrics
}

// Option configures Service.
type Option func(*Service)

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStructuredAttempts sets how many times a malformed structured reply is re-requested (min 1).
func WithStructuredAttempts(n int) Option {
	return func(s *Service) {
		if n >= 1 {
			s.structuredTry = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a Service. A nil provider yields a service that always degrades.
func New(p Provider, opts ...Option) *Service {
	s := &Service{
		provider:      p,
		timeout:       DefaultTimeout,
		structuredTry: DefaultStructuredTry,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool { return s != nil && s.provider != nil }

// Translate detects the language of text, translates it into target and
// returns a phonetic rendering of the original.
//
// When the detected language equals target the original text is returned verbatim.
// On provider failure the result is {UnknownLang, text, ""}.
func (s *Service) Translate(ctx context.Context, text, target string) Result {
	echo := Result{DetectedLang: UnknownLang, Translated: text}
	if s == nil {
		return echo
	}
	if strings.TrimSpace(text) == "" || s.provider == nil {
		s.metrics.outcome(outcomeEcho)
		return echo
	}

	req := structuredPrompt(text, LanguageName(target))
	for attempt := 1; attempt <= s.structuredTry; attempt++ {
		raw, err := s.complete(ctx, "structured", req)
		if err != nil {
			// Transport failure: do not spend more latency on a provider that is down.
			s.log.Warn("translate.structured.fail", "err", err, "attempt", attempt)
			s.metrics.outcome(outcomeEcho)
			return echo
		}

		res, err := parseStructured(raw)
		if err != nil {
			s.log.Warn("translate.structured.malformed", "err", err, "attempt", attempt)
			continue
		}

		if SameLanguage(res.DetectedLang, target) {
			res.Translated = text
		}
		if attempt > 1 {
			s.metrics.outcome(outcomeRetried)
		} else {
			s.metrics.outcome(outcomeStructured)
		}
		return res
	}

	translated, err := s.TranslatePlain(ctx, text, target)
	if err != nil || strings.TrimSpace(translated) == "" {
		s.log.Warn("translate.plain.fail", "err", err)
		s.metrics.outcome(outcomeEcho)
		return echo
	}
	s.metrics.outcome(outcomePlain)
	return Result{DetectedLang: UnknownLang, Translated: translated}
}

// TranslatePlain is a single free-text translation with no detection.
func (s *Service) TranslatePlain(ctx context.Context, text, target string) (string, error) {
	if !s.Enabled() {
		return "", ErrUnavailable
	}
	out, err := s.complete(ctx, "plain", plainPrompt(text, LanguageName(target)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DetectLanguage returns the ISO code of text's language, or UnknownLang.
func (s *Service) DetectLanguage(ctx context.Context, text string) string {
	if !s.Enabled() || strings.TrimSpace(text) == "" {
		return UnknownLang
	}
	out, err := s.complete(ctx, "detect", detectPrompt(text))
	if err != nil {
		s.log.Warn("translate.detect.fail", "err", err)
		return UnknownLang
	}
	return NormalizeLang(out)
}

// Transcribe converts recorded speech to text.
func (s *Service) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if !s.Enabled() {
		return "", ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.provider.Transcribe(ctx, audio, filename)
	s.metrics.observe("transcribe", start, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Synthesize renders text as MP3 audio.
func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("translate: empty text")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	audio, err := s.provider.Synthesize(ctx, text)
	s.metrics.observe("synthesize", start, err)
	return audio, err
}

func (s *Service) complete(ctx context.Context, call string, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out, err := s.provider.Complete(ctx, req)
	s.metrics.observe(call, start, err)
	return out, err
}

type structuredReply struct {
	Original         string `json:"original"`
	DetectedLanguage string `json:"detectedLanguage"`
	Translated       string `json:"translated"`
	Phonetic         string `json:"phonetic"`
}

var errMalformed = errors.New("translate: malformed structured reply")

func parseStructured(raw string) (Result, error) {
	body, ok := extractJSON(raw, '{', '}')
	if !ok {
		return Result{}, errMalformed
	}
	var r structuredReply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Result{}, errors.Join(errMalformed, err)
	}
	if strings.TrimSpace(r.Translated) == "" || strings.TrimSpace(r.DetectedLanguage) == "" {
		return Result{}, errMalformed
	}
	return Result{
		DetectedLang: NormalizeLang(r.DetectedLanguage),
		Translated:   r.Translated,
		Phonetic:     strings.TrimSpace(r.Phonetic),
	}, nil
}

// extractJSON returns the outermost open..close span of raw, tolerating code
// fences and prose around the payload.
func extractJSON(raw string, open, close byte) (string, bool) {
	i := strings.IndexByte(raw, open)
	j := strings.LastIndexByte(raw, close)
	if i < 0 || j <= i {
		return "", false
	}
	return raw[i : j+1], true
}
