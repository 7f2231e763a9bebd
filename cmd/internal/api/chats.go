package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"parla/cmd/internal/auth"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	"parla/cmd/internal/realtime"
	"parla/cmd/internal/voice"
	v1 "parla/shared/contracts/realtime/v1"
)

const maxEmojiBytes = 32

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	chats, err := h.deps.Store.ListChats(ctx, p.UserID)
	if err != nil {
		h.writeDomainError(w, "api.chats.list", err)
		return
	}

	out := listChatsResponse{Chats: make([]chatResponse, 0, len(chats))}
	for _, c := range chats {
		resp, err := h.chatResponse(ctx, c)
		if err != nil {
			h.writeDomainError(w, "api.chats.list", err)
			return
		}
		out.Chats = append(out.Chats, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createChatRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	other := strings.TrimSpace(req.ParticipantID)
	if other == "" || other == p.UserID {
		writeError(w, http.StatusBadRequest, "invalid_request", "participantId must name another user")
		return
	}

	ctx := r.Context()
	if _, err := h.deps.Store.GetUser(ctx, other); err != nil {
		h.writeDomainError(w, "api.chats.create", err)
		return
	}

	c, created, err := h.deps.Store.FindOrCreateChat(ctx, p.UserID, other, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, "api.chats.create", err)
		return
	}
	resp, err := h.chatResponse(ctx, c)
	if err != nil {
		h.writeDomainError(w, "api.chats.create", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("api.chats.created", "chat_id", c.ID, "user_id", p.UserID)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if !p.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Store.DeleteChat(r.Context(), id); err != nil {
		h.writeDomainError(w, "api.chats.delete", err)
		return
	}
	h.log.Info("api.chats.deleted", "chat_id", id, "admin_id", p.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	c, err := h.chatForCaller(ctx, p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "api.messages.list", err)
		return
	}

	in, err := parsePageQuery(r, c.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	page, err := h.deps.Store.FetchBefore(ctx, in)
	if err != nil {
		h.writeDomainError(w, "api.messages.list", err)
		return
	}

	users, err := h.participants(ctx, c)
	if err != nil {
		h.writeDomainError(w, "api.messages.list", err)
		return
	}
	out := pageResponse{Messages: make([]v1.Message, 0, len(page.Messages)), HasMore: page.HasMore}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, wire(m, users))
	}
	writeJSON(w, http.StatusOK, out)
}

func parsePageQuery(r *http.Request, chatID string) (chat.FetchBeforeInput, error) {
	q := r.URL.Query()
	in := chat.FetchBeforeInput{ChatID: chatID, BeforeID: strings.TrimSpace(q.Get("beforeId"))}

	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return chat.FetchBeforeInput{}, errors.New("before must be an RFC3339 timestamp")
		}
		in.Before = t.UTC()
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return chat.FetchBeforeInput{}, errors.New("limit must be a positive integer")
		}
		in.Limit = n
	}
	return in, nil
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	out, err := h.deps.Processor.Process(ctx, processor.Input{
		ChatID:      r.PathValue("id"),
		SenderID:    p.UserID,
		ReceiverID:  strings.TrimSpace(req.ReceiverID),
		Text:        req.Text,
		ClientMsgID: strings.TrimSpace(req.ClientMsgID),
	})
	if err != nil {
		h.writeDomainError(w, "api.messages.send", err)
		return
	}

	m := realtime.WireMessage(out)
	h.deps.Broadcaster.DeliverMessage(context.WithoutCancel(ctx), m)
	writeJSON(w, http.StatusCreated, m)
}

// handleVoiceUpload stores, transcribes and processes a recording. The
// client announces the result over the socket with send_message{_id}.
func (h *Handler) handleVoiceUpload(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	c, err := h.chatForCaller(ctx, p, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "api.voice.upload", err)
		return
	}

	// Multipart framing adds a little on top of the audio itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxVoiceBytes+(64<<10))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "recording too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "multipart form required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	receiver := strings.TrimSpace(r.FormValue("receiverId"))
	if receiver == "" {
		receiver = c.Other(p.UserID)
	}

	out, err := h.deps.Processor.ProcessVoice(ctx, processor.VoiceInput{
		ChatID:      c.ID,
		SenderID:    p.UserID,
		ReceiverID:  receiver,
		ClientMsgID: strings.TrimSpace(r.FormValue("clientMsgId")),
		Filename:    filepath.Base(hdr.Filename),
		Audio:       file,
	})
	if err != nil {
		if errors.Is(err, voice.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "recording too large")
			return
		}
		h.writeDomainError(w, "api.voice.upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, realtime.WireMessage(out))
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	id := r.PathValue("id")

	m, err := h.deps.Store.GetMessage(ctx, id)
	if err != nil {
		h.writeDomainError(w, "api.messages.delete", err)
		return
	}
	if m.SenderID != p.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "only the sender can delete a message")
		return
	}
	if err := h.deps.Store.DeleteMessage(ctx, id); err != nil {
		h.writeDomainError(w, "api.messages.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleToggleReaction(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req reactionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		writeError(w, http.StatusBadRequest, "invalid_request", "emoji is required")
		return
	}

	ctx := r.Context()
	m, err := h.deps.Store.GetMessage(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, "api.reactions.toggle", err)
		return
	}
	if _, err := h.chatForCaller(ctx, p, m.ChatID); err != nil {
		h.writeDomainError(w, "api.reactions.toggle", err)
		return
	}

	res, err := h.deps.Store.ToggleReaction(ctx, chat.ToggleReactionInput{
		MessageID: m.ID,
		UserID:    p.UserID,
		Emoji:     emoji,
		Now:       time.Now().UTC(),
	})
	if err != nil {
		h.writeDomainError(w, "api.reactions.toggle", err)
		return
	}
	h.deps.Broadcaster.DeliverReaction(context.WithoutCancel(ctx), res.ChatID, m.ID, res.Reactions)

	action := "removed"
	if res.Added {
		action = "added"
	}
	writeJSON(w, http.StatusOK, reactionResponse{Action: action, Reactions: wireReactions(res.Reactions)})
}

// ---- wire helpers ----

// participants resolves both chat participants; unknown accounts degrade to bare ids.
func (h *Handler) participants(ctx context.Context, c chat.Chat) (map[string]chat.User, error) {
	users := make(map[string]chat.User, 2)
	for _, id := range c.Participants {
		u, err := h.deps.Store.GetUser(ctx, id)
		switch {
		case err == nil:
			users[id] = u
		case chat.IsNotFound(err):
			users[id] = chat.User{ID: id}
		default:
			return nil, err
		}
	}
	return users, nil
}

func (h *Handler) chatResponse(ctx context.Context, c chat.Chat) (chatResponse, error) {
	users, err := h.participants(ctx, c)
	if err != nil {
		return chatResponse{}, err
	}
	resp := chatResponse{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, id := range c.Participants {
		u := users[id]
		resp.Participants = append(resp.Participants, v1.UserRef{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar})
	}
	if c.LastMessageID != "" {
		m, err := h.deps.Store.GetMessage(ctx, c.LastMessageID)
		switch {
		case err == nil:
			wm := wire(m, users)
			resp.LastMessage = &wm
		case !chat.IsNotFound(err):
			return chatResponse{}, err
		}
	}
	return resp, nil
}

func wire(m chat.Message, users map[string]chat.User) v1.Message {
	return realtime.WireMessage(processor.Output{Message: m, Sender: users[m.SenderID], Receiver: users[m.ReceiverID]})
}

func wireReactions(in []chat.Reaction) []v1.Reaction {
	out := make([]v1.Reaction, 0, len(in))
	for _, r := range in {
		out = append(out, v1.Reaction{Emoji: r.Emoji, UserID: r.UserID})
	}
	return out
}
