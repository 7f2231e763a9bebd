package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"parla/cmd/internal/auth"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/translate"
)

const defaultTone = "friendly"

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req translateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	target := translate.NormalizeLang(req.ReceiverLanguage)
	if target == translate.UnknownLang {
		writeError(w, http.StatusBadRequest, "invalid_request", "receiverLanguage is not a known language")
		return
	}

	source := translate.NormalizeLang(req.SenderLanguage)
	if source == translate.UnknownLang {
		source = h.deps.Assistant.DetectLanguage(r.Context(), req.Message)
	}
	if source != translate.UnknownLang && translate.SameLanguage(source, target) {
		writeJSON(w, http.StatusOK, translateResponse{
			TranslatedText:   req.Message,
			DetectedLanguage: source,
		})
		return
	}

	res := h.deps.Assistant.Translate(r.Context(), req.Message, target)
	detected := res.DetectedLang
	if detected == translate.UnknownLang {
		detected = source
	}
	writeJSON(w, http.StatusOK, translateResponse{
		TranslatedText:   res.Translated,
		DetectedLanguage: detected,
		PhoneticText:     res.Phonetic,
	})
}

func (h *Handler) handleTTS(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req ttsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	audio, err := h.deps.Assistant.Synthesize(r.Context(), req.Text)
	if err != nil {
		h.log.Warn("api.tts.fail", "err", err)
		writeError(w, http.StatusBadGateway, "tts_unavailable", "speech synthesis failed")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (h *Handler) handleRewrite(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req rewriteRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	tone := strings.TrimSpace(req.Tone)
	if tone == "" {
		tone = defaultTone
	}

	ctx := r.Context()
	lang, err := h.callerLanguage(ctx, p)
	if err != nil {
		h.writeDomainError(w, "api.rewrite", err)
		return
	}
	writeJSON(w, http.StatusOK, rewriteResponse{Text: h.deps.Assistant.Rewrite(ctx, req.Text, tone, lang)})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	lines, lang, err := h.history(ctx, p, r.PathValue("id"), translate.SummaryWindow)
	if err != nil {
		h.writeDomainError(w, "api.summary", err)
		return
	}
	if len(lines) == 0 {
		writeJSON(w, http.StatusOK, summaryResponse{})
		return
	}

	summary, err := h.deps.Assistant.Summarize(ctx, lines, lang)
	if err != nil {
		h.log.Warn("api.summary.fail", "err", err)
		writeError(w, http.StatusBadGateway, "summary_unavailable", "summary could not be generated")
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Summary: summary})
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	lines, lang, err := h.history(ctx, p, r.PathValue("id"), translate.SmartReplyWindow)
	if err != nil {
		h.writeDomainError(w, "api.suggestions", err)
		return
	}

	replies := []string{}
	if len(lines) > 0 {
		if got := h.deps.Assistant.SmartReplies(ctx, lines, lang); got != nil {
			replies = got
		}
	}
	writeJSON(w, http.StatusOK, suggestionsResponse{Suggestions: replies})
}

// history returns the newest window messages of a chat as seen by the caller:
// their own lines in the original, the other party's in translation.
func (h *Handler) history(ctx context.Context, p auth.Principal, chatID string, window int) ([]translate.Line, string, error) {
	c, err := h.chatForCaller(ctx, p, chatID)
	if err != nil {
		return nil, "", err
	}
	lang, err := h.callerLanguage(ctx, p)
	if err != nil {
		return nil, "", err
	}
	page, err := h.deps.Store.FetchBefore(ctx, chat.FetchBeforeInput{ChatID: c.ID, Limit: window})
	if err != nil {
		return nil, "", err
	}

	lines := make([]translate.Line, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.SenderID == p.UserID {
			lines = append(lines, translate.Line{Sender: "me", Text: m.OriginalText})
			continue
		}
		text := m.TranslatedText
		if strings.TrimSpace(text) == "" {
			text = m.OriginalText
		}
		lines = append(lines, translate.Line{Sender: "other", Text: text})
	}
	return lines, lang, nil
}

func (h *Handler) callerLanguage(ctx context.Context, p auth.Principal) (string, error) {
	u, err := h.deps.Store.GetUser(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return chat.DefaultLanguage, nil
		}
		return "", err
	}
	return u.Language(), nil
}
