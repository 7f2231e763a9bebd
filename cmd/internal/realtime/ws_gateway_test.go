package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"parla/cmd/internal/auth"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	"parla/cmd/internal/translate"
	v1 "parla/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	store  *chat.InMemoryStore
	hub    *Hub
	chatID string
	srv    *httptest.Server
}

func newGatewayFixture(t *testing.T, mutate func(*GatewayConfig)) gatewayFixture {
	t.Helper()

	log := discardLogger()
	st := chat.NewInMemoryStore()
	st.PutUser(chat.User{ID: "alice", Name: "Alice", PreferredLanguage: "en", Active: true})
	st.PutUser(chat.User{ID: "bob", Name: "Bob", PreferredLanguage: "es", Active: true})
	st.PutUser(chat.User{ID: "carol", Name: "Carol", PreferredLanguage: "fr", Active: true})

	c, _, err := st.FindOrCreateChat(context.Background(), "alice", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("FindOrCreateChat: %v", err)
	}

	proc := processor.New(st, translate.New(nil), nil, processor.WithLogger(log))
	hub := NewHub(log)

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := NewWSGateway(log, hub, proc, st, auth.DevAuthenticator{}, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	srv := startWSTestServer(t, gw)
	t.Cleanup(srv.Close)
	return gatewayFixture{store: st, hub: hub, chatID: c.ID, srv: srv}
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL, origin, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(userID) != "" {
		h.Set(auth.DevUserHeader, userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{SubprotocolV1},
		HTTPHeader:   h,
	})
}

// mustConnect dials as userID and consumes hello_ack.
func mustConnect(t *testing.T, f gatewayFixture, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, f.srv.URL, "", userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	hello := readUntilType(t, conn, v1.TypeHelloAck, 1)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(hello.Payload, &p); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if p.UserID != userID || p.SessionID == "" {
		t.Fatalf("hello_ack=%+v", p)
	}
	return conn
}

func mustJoinChat(t *testing.T, conn *websocket.Conn, chatID string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinChat,
		ID:      "join-" + chatID,
		Payload: mustJSONRaw(t, v1.JoinChatPayload{ChatID: chatID}),
	})
	echo := readUntilType(t, conn, v1.TypeJoinChat, 4)
	if echo.ReplyTo != "join-"+chatID {
		t.Fatalf("join echo replyTo=%q", echo.ReplyTo)
	}
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func decodeAck(t *testing.T, env v1.Envelope) v1.AckPayload {
	t.Helper()
	var ack v1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func decodeError(t *testing.T, env v1.Envelope) v1.ErrorPayload {
	t.Helper()
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return p
}

func TestWSGateway_UnauthenticatedRejected(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	_, resp, err := dialWS(t, f.srv.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		required   bool
		origin     string
		wantStatus int
	}{
		{name: "missing origin rejected", required: true, origin: "", wantStatus: http.StatusForbidden},
		{name: "foreign origin rejected", required: true, origin: "http://evil.example", wantStatus: http.StatusForbidden},
		{name: "localhost allowed", required: true, origin: "http://127.0.0.1"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newGatewayFixture(t, func(c *GatewayConfig) { c.OriginRequired = tc.required })

			conn, resp, err := dialWS(t, f.srv.URL, tc.origin, "alice")
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if tc.wantStatus == 0 {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected status %d, got resp=%v err=%v", tc.wantStatus, resp, err)
			}
		})
	}
}

func TestWSGateway_JoinChatRequiresParticipant(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	carol := mustConnect(t, f, "carol")
	writeEnvelopeWS(t, carol, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinChat,
		Payload: mustJSONRaw(t, v1.JoinChatPayload{ChatID: f.chatID}),
	})
	if p := decodeError(t, readUntilType(t, carol, v1.TypeError, 2)); p.Code != "forbidden" {
		t.Fatalf("code=%s want forbidden", p.Code)
	}

	writeEnvelopeWS(t, carol, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinChat,
		Payload: mustJSONRaw(t, v1.JoinChatPayload{ChatID: "no-such-chat"}),
	})
	if p := decodeError(t, readUntilType(t, carol, v1.TypeError, 2)); p.Code != "not_found" {
		t.Fatalf("code=%s want not_found", p.Code)
	}

	writeEnvelopeWS(t, carol, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinUser,
		Payload: mustJSONRaw(t, v1.JoinUserPayload{UserID: "alice"}),
	})
	if p := decodeError(t, readUntilType(t, carol, v1.TypeError, 2)); p.Code != "forbidden" {
		t.Fatalf("join_user foreign: code=%s want forbidden", p.Code)
	}
}

func TestWSGateway_SendMessageDeliversThenAcks(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	alice := mustConnect(t, f, "alice")
	bob := mustConnect(t, f, "bob")
	mustJoinChat(t, alice, f.chatID)
	mustJoinChat(t, bob, f.chatID)

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   "send-1",
		Payload: mustJSONRaw(t, v1.SendMessagePayload{
			ChatID:      f.chatID,
			SenderID:    "alice",
			ReceiverID:  "bob",
			Text:        "hello",
			ClientMsgID: "tmp-1",
		}),
	})

	// Delivery precedes the ack on the sender's own socket.
	recv := readUntilType(t, alice, v1.TypeReceiveMessage, 4)
	ackEnv := readUntilType(t, alice, v1.TypeAck, 4)
	if ackEnv.ReplyTo != "send-1" {
		t.Fatalf("ack replyTo=%q want send-1", ackEnv.ReplyTo)
	}
	ack := decodeAck(t, ackEnv)
	if ack.Status != v1.AckOK || ack.Data == nil {
		t.Fatalf("ack=%+v", ack)
	}
	if ack.Data.ClientMsgID != "tmp-1" || ack.Data.OriginalText != "hello" {
		t.Fatalf("ack data=%+v", ack.Data)
	}
	if ack.Data.Sender.Name != "Alice" || ack.Data.Receiver.ID != "bob" {
		t.Fatalf("participants not resolved: %+v", ack.Data)
	}

	var delivered v1.Message
	if err := json.Unmarshal(recv.Payload, &delivered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if delivered.ID != ack.Data.ID {
		t.Fatalf("delivered id=%s ack id=%s", delivered.ID, ack.Data.ID)
	}

	got := readUntilType(t, bob, v1.TypeReceiveMessage, 4)
	var atBob v1.Message
	if err := json.Unmarshal(got.Payload, &atBob); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if atBob.ID != ack.Data.ID {
		t.Fatalf("bob got id=%s want %s", atBob.ID, ack.Data.ID)
	}
	_ = readUntilType(t, bob, v1.TypeNewMessage, 2)

	stored, err := f.store.GetMessage(context.Background(), ack.Data.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.TranslatedText != "hello" {
		t.Fatalf("degraded translation should keep the original, got %q", stored.TranslatedText)
	}
}

func TestWSGateway_SendMessageErrorsAreAcked(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)
	alice := mustConnect(t, f, "alice")

	cases := []struct {
		name string
		p    v1.SendMessagePayload
	}{
		{name: "impersonation", p: v1.SendMessagePayload{ChatID: f.chatID, SenderID: "bob", ReceiverID: "alice", Text: "x"}},
		{name: "unknown receiver", p: v1.SendMessagePayload{ChatID: f.chatID, ReceiverID: "ghost", Text: "x"}},
		{name: "wrong receiver", p: v1.SendMessagePayload{ChatID: f.chatID, ReceiverID: "carol", Text: "x"}},
		{name: "empty text", p: v1.SendMessagePayload{ChatID: f.chatID, ReceiverID: "bob", Text: "   "}},
		{name: "unknown message id", p: v1.SendMessagePayload{ChatID: f.chatID, MessageID: "nope"}},
	}
	for i, tc := range cases {
		id := "req-" + tc.name
		writeEnvelopeWS(t, alice, v1.Envelope{V: v1.Version, Type: v1.TypeSendMessage, ID: id, Payload: mustJSONRaw(t, tc.p)})
		env := readUntilType(t, alice, v1.TypeAck, 2)
		ack := decodeAck(t, env)
		if env.ReplyTo != id || ack.Status != v1.AckError || ack.Error == "" {
			t.Fatalf("case %d %s: ack=%+v replyTo=%s", i, tc.name, ack, env.ReplyTo)
		}
	}
}

func TestWSGateway_SendPreprocessedMessageIsNotReprocessed(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	m, err := f.store.AppendMessage(context.Background(), chat.AppendMessageInput{
		ChatID:         f.chatID,
		SenderID:       "alice",
		ReceiverID:     "bob",
		OriginalText:   "voice transcript",
		TranslatedText: "transcripción",
		VoiceURL:       "/uploads/abc.webm",
		Now:            time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	alice := mustConnect(t, f, "alice")
	bob := mustConnect(t, f, "bob")
	mustJoinChat(t, bob, f.chatID)

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		ID:      "send-voice",
		Payload: mustJSONRaw(t, v1.SendMessagePayload{ChatID: f.chatID, MessageID: m.ID}),
	})
	ack := decodeAck(t, readUntilType(t, alice, v1.TypeAck, 4))
	if ack.Status != v1.AckOK || ack.Data.ID != m.ID || ack.Data.TranslatedText != "transcripción" {
		t.Fatalf("ack=%+v", ack)
	}
	_ = readUntilType(t, bob, v1.TypeReceiveMessage, 4)

	page, err := f.store.FetchBefore(context.Background(), chat.FetchBeforeInput{ChatID: f.chatID})
	if err != nil {
		t.Fatalf("FetchBefore: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected no extra message to be stored, got %d", len(page.Messages))
	}

	// Bob cannot re-broadcast Alice's message as his own.
	writeEnvelopeWS(t, bob, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSendMessage,
		ID:      "steal",
		Payload: mustJSONRaw(t, v1.SendMessagePayload{ChatID: f.chatID, MessageID: m.ID}),
	})
	if ack := decodeAck(t, readUntilType(t, bob, v1.TypeAck, 4)); ack.Status != v1.AckError {
		t.Fatalf("expected error ack, got %+v", ack)
	}
}

func TestWSGateway_TypingRelayedToOthersOnly(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	alice := mustConnect(t, f, "alice")
	bob := mustConnect(t, f, "bob")

	// Typing before joining is refused.
	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTyping,
		Payload: mustJSONRaw(t, v1.TypingPayload{ChatID: f.chatID, UserID: "alice"}),
	})
	if p := decodeError(t, readUntilType(t, alice, v1.TypeError, 2)); p.Code != "not_joined" {
		t.Fatalf("code=%s want not_joined", p.Code)
	}

	mustJoinChat(t, alice, f.chatID)
	mustJoinChat(t, bob, f.chatID)

	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTyping,
		Payload: mustJSONRaw(t, v1.TypingPayload{ChatID: f.chatID, UserID: "alice"}),
	})
	env := readUntilType(t, bob, v1.TypeTyping, 2)
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UserID != "alice" || p.ChatID != f.chatID {
		t.Fatalf("typing payload=%+v", p)
	}

	// The origin gets nothing back: its next envelope is the join echo.
	writeEnvelopeWS(t, alice, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinChat,
		Payload: mustJSONRaw(t, v1.JoinChatPayload{ChatID: f.chatID}),
	})
	_ = readUntilType(t, alice, v1.TypeJoinChat, 1)
}

func TestWSGateway_DeleteRelayOnlyAfterStoreDeletion(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	m, err := f.store.AppendMessage(context.Background(), chat.AppendMessageInput{
		ChatID: f.chatID, SenderID: "alice", ReceiverID: "bob", OriginalText: "oops", Now: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	alice := mustConnect(t, f, "alice")
	bob := mustConnect(t, f, "bob")
	mustJoinChat(t, alice, f.chatID)
	mustJoinChat(t, bob, f.chatID)

	del := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDeleteMessage,
		Payload: mustJSONRaw(t, v1.DeletePayload{ChatID: f.chatID, MessageID: m.ID}),
	}
	writeEnvelopeWS(t, alice, del)
	if p := decodeError(t, readUntilType(t, alice, v1.TypeError, 2)); p.Code != "conflict" {
		t.Fatalf("code=%s want conflict", p.Code)
	}

	if err := f.store.DeleteMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	writeEnvelopeWS(t, alice, del)

	got := readUntilType(t, bob, v1.TypeMessageDeleted, 2)
	var p v1.DeletePayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.MessageID != m.ID {
		t.Fatalf("deleted id=%s want %s", p.MessageID, m.ID)
	}
}

func TestWSGateway_BadInputKeepsConnectionOpen(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)
	alice := mustConnect(t, f, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := decodeError(t, readUntilType(t, alice, v1.TypeError, 2)); p.Code != "bad_json" {
		t.Fatalf("code=%s want bad_json", p.Code)
	}

	writeEnvelopeWS(t, alice, v1.Envelope{V: "v0", Type: v1.TypeTyping})
	if p := decodeError(t, readUntilType(t, alice, v1.TypeError, 2)); p.Code != "bad_envelope" {
		t.Fatalf("code=%s want bad_envelope", p.Code)
	}

	mustJoinChat(t, alice, f.chatID)
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, func(c *GatewayConfig) {
		c.RateEvents = 3
		c.RateWindow = time.Minute
	})
	alice := mustConnect(t, f, "alice")

	for i := 0; i < 4; i++ {
		writeEnvelopeWS(t, alice, v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeJoinUser,
			Payload: mustJSONRaw(t, v1.JoinUserPayload{UserID: "alice"}),
		})
	}
	if p := decodeError(t, readUntilType(t, alice, v1.TypeError, 5)); p.Code != "rate_limited" {
		t.Fatalf("code=%s want rate_limited", p.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := alice.Read(ctx); err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v want policy violation (err=%v)", got, err)
			}
			return
		}
	}
}

func TestWSGateway_DisconnectLeavesRooms(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t, nil)

	conn, resp, err := dialWS(t, f.srv.URL, "", "alice")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = readUntilType(t, conn, v1.TypeHelloAck, 1)
	mustJoinChat(t, conn, f.chatID)
	if f.hub.RoomSize(ChatRoom(f.chatID)) != 1 {
		t.Fatalf("expected one member in chat room")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for f.hub.RoomSize(ChatRoom(f.chatID)) != 0 || f.hub.RoomSize(UserRoom("alice")) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("rooms not cleared after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
