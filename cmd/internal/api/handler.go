// Package api is Parla's request/response surface: chat listing and
// pagination, HTTP send and voice upload, reactions, deletions and the
// translation assistant endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"parla/cmd/internal/auth"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	"parla/cmd/internal/translate"
	v1 "parla/shared/contracts/realtime/v1"
)

// Processor is the subset of processor.Processor used by the API.
type Processor interface {
	Process(ctx context.Context, in processor.Input) (processor.Output, error)
	ProcessVoice(ctx context.Context, in processor.VoiceInput) (processor.Output, error)
}

// Assistant is the subset of translate.Service used by the API.
type Assistant interface {
	Translate(ctx context.Context, text, target string) translate.Result
	DetectLanguage(ctx context.Context, text string) string
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Rewrite(ctx context.Context, text, tone, lang string) string
	Summarize(ctx context.Context, lines []translate.Line, lang string) (string, error)
	SmartReplies(ctx context.Context, lines []translate.Line, lang string) []string
}

// Broadcaster pushes API-originated events to connected sockets.
type Broadcaster interface {
	DeliverMessage(ctx context.Context, m v1.Message)
	DeliverReaction(ctx context.Context, chatID, messageID string, reactions []chat.Reaction)
}

// VoiceFiles opens stored voice assets by name.
type VoiceFiles interface {
	Open(name string) (*os.File, error)
}

// Config controls request limits.
type Config struct {
	MaxBodyBytes  int64
	MaxVoiceBytes int64
	// RatePerMinute is the per-user request budget (0 disables limiting).
	RatePerMinute int
	RateBurst     int
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:  64 << 10,
		MaxVoiceBytes: 10 << 20,
		RatePerMinute: 120,
		RateBurst:     30,
	}
}

// Deps are the collaborators of Handler. Voices may be nil (uploads disabled).
type Deps struct {
	Store       chat.Store
	Processor   Processor
	Assistant   Assistant
	Broadcaster Broadcaster
	Voices      VoiceFiles
	Auth        auth.Authenticator
}

// Handler serves the REST endpoints.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	deps    Deps
	limiter *userLimiter
}

// NewHandler validates deps and constructs a Handler.
func NewHandler(log *slog.Logger, deps Deps, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("api: nil store")
	case deps.Processor == nil:
		return nil, errors.New("api: nil processor")
	case deps.Assistant == nil:
		return nil, errors.New("api: nil assistant")
	case deps.Broadcaster == nil:
		return nil, errors.New("api: nil broadcaster")
	case deps.Auth == nil:
		return nil, errors.New("api: nil authenticator")
	}

	d := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.MaxVoiceBytes <= 0 {
		cfg.MaxVoiceBytes = d.MaxVoiceBytes
	}

	return &Handler{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		limiter: newUserLimiter(cfg.RatePerMinute, cfg.RateBurst),
	}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/chats", h.authed(h.handleListChats))
	mux.HandleFunc("POST /api/chats", h.authed(h.handleCreateChat))
	mux.HandleFunc("DELETE /api/chats/{id}", h.authed(h.handleDeleteChat))
	mux.HandleFunc("GET /api/chats/{id}/messages", h.authed(h.handleListMessages))
	mux.HandleFunc("POST /api/chats/{id}/messages", h.authed(h.handleSendMessage))
	mux.HandleFunc("POST /api/chats/{id}/voice", h.authed(h.handleVoiceUpload))
	mux.HandleFunc("POST /api/chats/{id}/summary", h.authed(h.handleSummary))
	mux.HandleFunc("POST /api/chats/{id}/suggestions", h.authed(h.handleSuggestions))
	mux.HandleFunc("DELETE /api/messages/{id}", h.authed(h.handleDeleteMessage))
	mux.HandleFunc("POST /api/messages/{id}/reactions", h.authed(h.handleToggleReaction))
	mux.HandleFunc("POST /api/translate", h.authed(h.handleTranslate))
	mux.HandleFunc("POST /api/tts", h.authed(h.handleTTS))
	mux.HandleFunc("POST /api/rewrite", h.authed(h.handleRewrite))
	if h.deps.Voices != nil {
		mux.HandleFunc("GET /uploads/{name}", h.handleUpload)
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authed resolves the caller, applies the per-user budget and stores the
// principal on the request context.
func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.deps.Auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if ok, retry := h.limiter.allow(p.UserID, time.Now()); !ok {
			writeRateLimited(w, retry)
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
	}
}

// writeDomainError maps store and processor errors onto HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, processor.ErrSenderNotFound),
		errors.Is(err, processor.ErrReceiverNotFound),
		errors.Is(err, processor.ErrChatNotFound),
		chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, processor.ErrNotParticipant),
		errors.Is(err, processor.ErrSenderInactive),
		chat.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, processor.ErrEmptyText),
		errors.Is(err, processor.ErrTextTooLong),
		chat.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, processor.ErrVoiceDisabled):
		writeError(w, http.StatusServiceUnavailable, "voice_disabled", "voice uploads are not configured")
	case processor.IsPersistence(err):
		h.log.Error(op+".persist.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "persistence_failed", "message could not be saved")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// chatForCaller loads a chat the caller participates in (admins see all).
func (h *Handler) chatForCaller(ctx context.Context, p auth.Principal, id string) (chat.Chat, error) {
	c, err := h.deps.Store.GetChat(ctx, id)
	if err != nil {
		return chat.Chat{}, err
	}
	if !c.HasParticipant(p.UserID) && !p.IsAdmin() {
		return chat.Chat{}, chat.OpError{Op: "api.chat", Kind: chat.ErrForbidden, Msg: "not a participant"}
	}
	return c, nil
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.Voices.Open(r.PathValue("name"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}
