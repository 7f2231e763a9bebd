package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"parla/cmd/internal/auth"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	"parla/cmd/internal/translate"
	"parla/cmd/internal/voice"
	v1 "parla/shared/contracts/realtime/v1"
)

// fakeAI implements both processor.Translator and Assistant.
type fakeAI struct {
	mu           sync.Mutex
	translations int
	detections   int
	summaryLines []translate.Line
	ttsErr       error
}

func (f *fakeAI) Translate(_ context.Context, text, target string) translate.Result {
	f.mu.Lock()
	f.translations++
	f.mu.Unlock()
	return translate.Result{DetectedLang: "en", Translated: "[" + target + "] " + text}
}

func (f *fakeAI) DetectLanguage(_ context.Context, text string) string {
	f.mu.Lock()
	f.detections++
	f.mu.Unlock()
	if strings.HasPrefix(text, "hola") {
		return "es"
	}
	return "en"
}

func (f *fakeAI) Transcribe(_ context.Context, audio io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(audio)
	if err != nil {
		return "", err
	}
	return "transcript of " + string(b), nil
}

func (f *fakeAI) Synthesize(_ context.Context, text string) ([]byte, error) {
	if f.ttsErr != nil {
		return nil, f.ttsErr
	}
	return []byte("ID3" + text), nil
}

func (f *fakeAI) Rewrite(_ context.Context, text, tone, lang string) string {
	return tone + "/" + lang + ": " + text
}

func (f *fakeAI) Summarize(_ context.Context, lines []translate.Line, _ string) (string, error) {
	f.mu.Lock()
	f.summaryLines = append([]translate.Line(nil), lines...)
	f.mu.Unlock()
	return "- talked", nil
}

func (f *fakeAI) SmartReplies(context.Context, []translate.Line, string) []string {
	return []string{"ok", "sure", "later"}
}

func (f *fakeAI) translationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.translations
}

type recordingBroadcaster struct {
	mu        sync.Mutex
	messages  []v1.Message
	reactions [][]chat.Reaction
}

func (b *recordingBroadcaster) DeliverMessage(_ context.Context, m v1.Message) {
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) DeliverReaction(_ context.Context, _, _ string, reactions []chat.Reaction) {
	b.mu.Lock()
	b.reactions = append(b.reactions, reactions)
	b.mu.Unlock()
}

type apiFixture struct {
	store  *chat.InMemoryStore
	ai     *fakeAI
	bcast  *recordingBroadcaster
	mux    *http.ServeMux
	chatID string
}

func newAPIFixture(t *testing.T, mutate func(*Config)) apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := chat.NewInMemoryStore()
	st.PutUser(chat.User{ID: "alice", Name: "Alice", PreferredLanguage: "en", Active: true})
	st.PutUser(chat.User{ID: "bob", Name: "Bob", PreferredLanguage: "es", Active: true})
	st.PutUser(chat.User{ID: "carol", Name: "Carol", PreferredLanguage: "fr", Active: true})
	c, _, err := st.FindOrCreateChat(context.Background(), "alice", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("FindOrCreateChat: %v", err)
	}

	voices, err := voice.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ai := &fakeAI{}
	proc := processor.New(st, ai, voices, processor.WithLogger(log))
	bcast := &recordingBroadcaster{}

	cfg := DefaultConfig()
	cfg.RatePerMinute = 0
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(log, Deps{
		Store:       st,
		Processor:   proc,
		Assistant:   ai,
		Broadcaster: bcast,
		Voices:      voices,
		Auth:        auth.DevAuthenticator{},
	}, cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return apiFixture{store: st, ai: ai, bcast: bcast, mux: mux, chatID: c.ID}
}

type reqOpt func(*http.Request)

func asAdmin(r *http.Request) { r.Header.Set(auth.DevRoleHeader, auth.RoleAdmin) }

func (f apiFixture) do(t *testing.T, method, path, user string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(auth.DevUserHeader, user)
	}
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorResponse](t, rec).Error.Code
}

func (f apiFixture) seed(t *testing.T, n int) []chat.Message {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	out := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		sender, receiver := "alice", "bob"
		if i%2 == 1 {
			sender, receiver = receiver, sender
		}
		m, err := f.store.AppendMessage(context.Background(), chat.AppendMessageInput{
			ChatID:         f.chatID,
			SenderID:       sender,
			ReceiverID:     receiver,
			OriginalText:   "orig-" + string(rune('a'+i)),
			TranslatedText: "tr-" + string(rune('a'+i)),
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/chats", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rec.Code)
	}
	if got := errorCodeOf(t, rec); got != "unauthorized" {
		t.Fatalf("code=%s", got)
	}
}

func TestAPI_CreateChatIsFindOrCreate(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chats", "carol", createChatRequest{ParticipantID: "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	first := decodeBody[chatResponse](t, rec)

	rec = f.do(t, http.MethodPost, "/api/chats", "alice", createChatRequest{ParticipantID: "carol"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200 for existing pair", rec.Code)
	}
	if again := decodeBody[chatResponse](t, rec); again.ID != first.ID {
		t.Fatalf("reversed pair created a second chat: %s vs %s", again.ID, first.ID)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("participants=%v", first.Participants)
	}

	cases := []struct {
		name   string
		other  string
		status int
	}{
		{name: "self", other: "carol", status: http.StatusBadRequest},
		{name: "unknown", other: "ghost", status: http.StatusNotFound},
		{name: "empty", other: " ", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := f.do(t, http.MethodPost, "/api/chats", "carol", createChatRequest{ParticipantID: tc.other}); rec.Code != tc.status {
			t.Fatalf("%s: status=%d want %d", tc.name, rec.Code, tc.status)
		}
	}
}

func TestAPI_ListChatsIncludesLastMessage(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	msgs := f.seed(t, 3)

	rec := f.do(t, http.MethodGet, "/api/chats", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	resp := decodeBody[listChatsResponse](t, rec)
	if len(resp.Chats) != 1 {
		t.Fatalf("chats=%d want 1", len(resp.Chats))
	}
	last := resp.Chats[0].LastMessage
	if last == nil || last.ID != msgs[2].ID {
		t.Fatalf("lastMessage=%+v want %s", last, msgs[2].ID)
	}
	if last.Sender.Name == "" {
		t.Fatalf("lastMessage sender not resolved: %+v", last.Sender)
	}

	if resp := decodeBody[listChatsResponse](t, f.do(t, http.MethodGet, "/api/chats", "carol", nil)); len(resp.Chats) != 0 {
		t.Fatalf("carol sees %d chats", len(resp.Chats))
	}
}

func TestAPI_SendMessageProcessesAndBroadcasts(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chats/"+f.chatID+"/messages", "alice", sendMessageRequest{
		ReceiverID:  "bob",
		Text:        "hello",
		ClientMsgID: "tmp-9",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	m := decodeBody[v1.Message](t, rec)
	if m.TranslatedText != "[es] hello" || m.ClientMsgID != "tmp-9" {
		t.Fatalf("message=%+v", m)
	}

	f.bcast.mu.Lock()
	n := len(f.bcast.messages)
	f.bcast.mu.Unlock()
	if n != 1 {
		t.Fatalf("broadcasts=%d want 1", n)
	}

	rec = f.do(t, http.MethodPost, "/api/chats/"+f.chatID+"/messages", "carol", sendMessageRequest{ReceiverID: "bob", Text: "intrude"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-participant send status=%d want 403", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/chats/nope/messages", "alice", sendMessageRequest{ReceiverID: "bob", Text: "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown chat status=%d want 404", rec.Code)
	}
}

func TestAPI_ListMessagesPaginatesBeforeCursor(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	msgs := f.seed(t, 5)

	base := "/api/chats/" + f.chatID + "/messages"
	rec := f.do(t, http.MethodGet, base+"?limit=2", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	page := decodeBody[pageResponse](t, rec)
	if !page.HasMore || len(page.Messages) != 2 || page.Messages[0].ID != msgs[3].ID || page.Messages[1].ID != msgs[4].ID {
		t.Fatalf("first page=%+v", page)
	}

	oldest := page.Messages[0]
	q := url.Values{}
	q.Set("limit", "10")
	q.Set("before", oldest.CreatedAt.Format(time.RFC3339Nano))
	q.Set("beforeId", oldest.ID)
	page = decodeBody[pageResponse](t, f.do(t, http.MethodGet, base+"?"+q.Encode(), "alice", nil))
	if page.HasMore || len(page.Messages) != 3 || page.Messages[2].ID != msgs[2].ID {
		t.Fatalf("second page=%+v", page)
	}
	for _, m := range page.Messages {
		if !m.CreatedAt.Before(oldest.CreatedAt) {
			t.Fatalf("message %s not strictly before cursor", m.ID)
		}
	}

	if rec := f.do(t, http.MethodGet, base, "carol", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-participant status=%d want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, base, "carol", nil, asAdmin); rec.Code != http.StatusOK {
		t.Fatalf("admin status=%d want 200", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, base+"?before=yesterday", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status=%d want 400", rec.Code)
	}
}

func TestAPI_DeleteMessageSenderOnly(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	msgs := f.seed(t, 1)
	path := "/api/messages/" + msgs[0].ID

	if rec := f.do(t, http.MethodDelete, path, "bob", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("receiver delete status=%d want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, path, "alice", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("sender delete status=%d want 204", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, path, "alice", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d want 404", rec.Code)
	}
}

func TestAPI_DeleteChatAdminOnlyCascades(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	msgs := f.seed(t, 2)
	path := "/api/chats/" + f.chatID

	if rec := f.do(t, http.MethodDelete, path, "alice", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("participant delete status=%d want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, path, "root", nil, asAdmin); rec.Code != http.StatusNoContent {
		t.Fatalf("admin delete status=%d want 204", rec.Code)
	}
	if _, err := f.store.GetMessage(context.Background(), msgs[0].ID); !chat.IsNotFound(err) {
		t.Fatalf("message survived chat deletion: %v", err)
	}
}

func TestAPI_ToggleReactionBroadcastsSet(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	msgs := f.seed(t, 1)
	path := "/api/messages/" + msgs[0].ID + "/reactions"

	rec := f.do(t, http.MethodPost, path, "bob", reactionRequest{Emoji: "👍"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	resp := decodeBody[reactionResponse](t, rec)
	if resp.Action != "added" || len(resp.Reactions) != 1 || resp.Reactions[0].UserID != "bob" {
		t.Fatalf("first toggle=%+v", resp)
	}

	resp = decodeBody[reactionResponse](t, f.do(t, http.MethodPost, path, "bob", reactionRequest{Emoji: "👍"}))
	if resp.Action != "removed" || len(resp.Reactions) != 0 || resp.Reactions == nil {
		t.Fatalf("second toggle=%+v", resp)
	}

	if rec := f.do(t, http.MethodPost, path, "carol", reactionRequest{Emoji: "👍"}); rec.Code != http.StatusForbidden {
		t.Fatalf("non-participant status=%d want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, path, "bob", reactionRequest{Emoji: ""}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty emoji status=%d want 400", rec.Code)
	}

	f.bcast.mu.Lock()
	defer f.bcast.mu.Unlock()
	if len(f.bcast.reactions) != 2 {
		t.Fatalf("reaction broadcasts=%d want 2", len(f.bcast.reactions))
	}
}

func TestAPI_TranslateSameLanguageIsVerbatim(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	resp := decodeBody[translateResponse](t, f.do(t, http.MethodPost, "/api/translate", "alice", translateRequest{
		Message: "hello", SenderLanguage: "English", ReceiverLanguage: "en",
	}))
	if resp.TranslatedText != "hello" || resp.DetectedLanguage != "en" {
		t.Fatalf("resp=%+v", resp)
	}
	if f.ai.translationCount() != 0 {
		t.Fatalf("provider called for a same-language request")
	}

	resp = decodeBody[translateResponse](t, f.do(t, http.MethodPost, "/api/translate", "alice", translateRequest{
		Message: "hello", ReceiverLanguage: "es",
	}))
	if resp.TranslatedText != "[es] hello" || resp.DetectedLanguage != "en" {
		t.Fatalf("resp=%+v", resp)
	}

	// Without a sender language the source is detected first.
	resp = decodeBody[translateResponse](t, f.do(t, http.MethodPost, "/api/translate", "alice", translateRequest{
		Message: "hola amigo", ReceiverLanguage: "es",
	}))
	if resp.TranslatedText != "hola amigo" || resp.DetectedLanguage != "es" {
		t.Fatalf("detected same-language resp=%+v", resp)
	}
	if got := f.ai.translationCount(); got != 1 {
		t.Fatalf("translations=%d want 1", got)
	}
	f.ai.mu.Lock()
	detections := f.ai.detections
	f.ai.mu.Unlock()
	if detections != 2 {
		t.Fatalf("detections=%d want 2", detections)
	}

	if rec := f.do(t, http.MethodPost, "/api/translate", "alice", translateRequest{Message: "x", ReceiverLanguage: "klingonese"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown language status=%d want 400", rec.Code)
	}
}

func TestAPI_TTSAndRewrite(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/tts", "alice", ttsRequest{Text: "hola"})
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("tts status=%d type=%s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "ID3hola" {
		t.Fatalf("tts body=%q", rec.Body.String())
	}

	f.ai.ttsErr = errors.New("provider down")
	if rec := f.do(t, http.MethodPost, "/api/tts", "alice", ttsRequest{Text: "hola"}); rec.Code != http.StatusBadGateway {
		t.Fatalf("tts failure status=%d want 502", rec.Code)
	}

	resp := decodeBody[rewriteResponse](t, f.do(t, http.MethodPost, "/api/rewrite", "bob", rewriteRequest{Text: "do it"}))
	if resp.Text != "friendly/es: do it" {
		t.Fatalf("rewrite=%q", resp.Text)
	}
}

func TestAPI_SummaryUsesCallerPerspective(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	f.seed(t, 3) // alice, bob, alice

	rec := f.do(t, http.MethodPost, "/api/chats/"+f.chatID+"/summary", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if got := decodeBody[summaryResponse](t, rec).Summary; got != "- talked" {
		t.Fatalf("summary=%q", got)
	}

	f.ai.mu.Lock()
	lines := f.ai.summaryLines
	f.ai.mu.Unlock()
	want := []translate.Line{
		{Sender: "other", Text: "tr-a"},
		{Sender: "me", Text: "orig-b"},
		{Sender: "other", Text: "tr-c"},
	}
	if len(lines) != len(want) {
		t.Fatalf("lines=%+v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d=%+v want %+v", i, lines[i], want[i])
		}
	}
}

func TestAPI_SuggestionsNeverNull(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chats/"+f.chatID+"/suggestions", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"suggestions":[]`) {
		t.Fatalf("empty chat body=%s", rec.Body)
	}

	f.seed(t, 2)
	resp := decodeBody[suggestionsResponse](t, f.do(t, http.MethodPost, "/api/chats/"+f.chatID+"/suggestions", "alice", nil))
	if len(resp.Suggestions) != 3 {
		t.Fatalf("suggestions=%v", resp.Suggestions)
	}
}

func TestAPI_VoiceUploadThenServe(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "note.webm")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte("audio-bytes"))
	_ = mw.WriteField("clientMsgId", "tmp-voice")
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chats/"+f.chatID+"/voice", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(auth.DevUserHeader, "alice")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}

	m := decodeBody[v1.Message](t, rec)
	if m.OriginalText != "transcript of audio-bytes" || m.Receiver.ID != "bob" || m.ClientMsgID != "tmp-voice" {
		t.Fatalf("message=%+v", m)
	}
	if !strings.HasPrefix(m.VoiceURL, voice.DefaultURLPrefix) || m.TranslatedVoiceURL == "" {
		t.Fatalf("voice urls=%q %q", m.VoiceURL, m.TranslatedVoiceURL)
	}

	f.bcast.mu.Lock()
	n := len(f.bcast.messages)
	f.bcast.mu.Unlock()
	if n != 0 {
		t.Fatalf("upload must not broadcast; the socket announces it")
	}

	get := httptest.NewRecorder()
	f.mux.ServeHTTP(get, httptest.NewRequest(http.MethodGet, m.VoiceURL, nil))
	if get.Code != http.StatusOK || get.Body.String() != "audio-bytes" {
		t.Fatalf("serve status=%d body=%q", get.Code, get.Body.String())
	}

	miss := httptest.NewRecorder()
	f.mux.ServeHTTP(miss, httptest.NewRequest(http.MethodGet, "/uploads/missing.webm", nil))
	if miss.Code != http.StatusNotFound {
		t.Fatalf("missing asset status=%d want 404", miss.Code)
	}
}

func TestAPI_RateLimitedPerUser(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, func(c *Config) {
		c.RatePerMinute = 1
		c.RateBurst = 1
	})

	if rec := f.do(t, http.MethodGet, "/api/chats", "alice", nil); rec.Code != http.StatusOK {
		t.Fatalf("first status=%d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/api/chats", "alice", nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second status=%d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := f.do(t, http.MethodGet, "/api/chats", "bob", nil); rec.Code != http.StatusOK {
		t.Fatalf("other user status=%d want 200", rec.Code)
	}
}
