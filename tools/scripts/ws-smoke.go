// Package main provides a CI-friendly WebSocket smoke test for Parla realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello_ack session establishment
//   - join_chat echo
//   - send_message -> ack with the canonical message
//   - receive_message fanout to the other participant
//   - typing relay excluding the origin
//   - history fetch over the REST surface
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parla/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	devUserHeader = "X-Parla-User"
	maxReadBytes  = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		chatID  = flag.String("chat", "", "Chat ID both users participate in")
		userA   = flag.String("user-a", "alice", "Sender user id (dev auth)")
		userB   = flag.String("user-b", "bob", "Receiver user id (dev auth)")
		text    = flag.String("text", "hello parla 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*chatID) == "" {
		fatalf("-chat is required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustJoin(root, a, *chatID, *timeout)
	mustJoin(root, b, *chatID, *timeout)

	clientMsgID := uuid.NewString()
	msg := mustSendAndAssertAck(root, a, *chatID, *userB, clientMsgID, *text, *timeout)

	mustAssertReceive(root, b, msg, *timeout)

	mustTyping(root, a, *chatID, *timeout)
	mustAssertTyping(root, b, *chatID, a.userID, *timeout)
	mustAssertNoType(root, a, v1.TypeTyping, 750*time.Millisecond)

	mustHistoryContains(root, *wsURL, b.userID, *chatID, msg.ID, *timeout)

	fmt.Printf("OK: A=%s B=%s chat_id=%s message_id=%s\n", a.sessionID, b.sessionID, *chatID, msg.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set(devUserHeader, userID)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-join", c.name)
	mustWriteWithTimeout(parent, c.conn, request(v1.TypeJoinChat, id, v1.JoinChatPayload{ChatID: chatID}), stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoinChat, stepTimeout, nil)
	if echo.ReplyTo != id {
		fatalf("join echo replyTo mismatch (%s): got=%q want=%q", c.name, echo.ReplyTo, id)
	}

	var p v1.JoinChatPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("join echo chatId mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, chatID, receiverID, clientMsgID, text string, stepTimeout time.Duration) v1.Message {
	id := fmt.Sprintf("%s-send-%s", c.name, clientMsgID)
	mustWriteWithTimeout(parent, c.conn, request(v1.TypeSendMessage, id, v1.SendMessagePayload{
		ChatID:      chatID,
		SenderID:    c.userID,
		ReceiverID:  receiverID,
		Text:        text,
		ClientMsgID: clientMsgID,
	}), stepTimeout)

	skip := map[string]struct{}{v1.TypeReceiveMessage: {}, v1.TypeNewMessage: {}}
	ack := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout, skip)
	if ack.ReplyTo != id {
		fatalf("ack replyTo mismatch (%s): got=%q want=%q", c.name, ack.ReplyTo, id)
	}

	var p v1.AckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal ack payload (%s): %v", c.name, err)
	}
	if p.Status != v1.AckOK || p.Data == nil {
		fatalf("ack failed (%s): status=%q error=%q", c.name, p.Status, p.Error)
	}
	m := *p.Data
	switch {
	case strings.TrimSpace(m.ID) == "":
		fatalf("ack missing _id (%s)", c.name)
	case m.ChatID != chatID:
		fatalf("ack chatId mismatch (%s): got=%q want=%q", c.name, m.ChatID, chatID)
	case m.ClientMsgID != clientMsgID:
		fatalf("ack clientMsgId mismatch (%s): got=%q want=%q", c.name, m.ClientMsgID, clientMsgID)
	case m.OriginalText != text:
		fatalf("ack originalText mismatch (%s): got=%q want=%q", c.name, m.OriginalText, text)
	case m.Sender.ID != c.userID:
		fatalf("ack sender mismatch (%s): got=%q want=%q", c.name, m.Sender.ID, c.userID)
	case m.CreatedAt.IsZero():
		fatalf("ack createdAt missing/zero (%s)", c.name)
	}
	return m
}

func mustAssertReceive(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeNewMessage: {}}
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, skip)

	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if m.ID != want.ID {
		fatalf("receive _id mismatch (%s): got=%q want=%q", c.name, m.ID, want.ID)
	}
	if m.ClientMsgID != want.ClientMsgID {
		fatalf("receive clientMsgId mismatch (%s): got=%q want=%q", c.name, m.ClientMsgID, want.ClientMsgID)
	}
	if m.OriginalText != want.OriginalText {
		fatalf("receive originalText mismatch (%s): got=%q want=%q", c.name, m.OriginalText, want.OriginalText)
	}
}

func mustTyping(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	env := request(v1.TypeTyping, fmt.Sprintf("%s-typing", c.name), v1.TypingPayload{ChatID: chatID, UserID: c.userID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertTyping(parent context.Context, c *smokeClient, chatID, fromUser string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeNewMessage: {}, v1.TypeReceiveMessage: {}}
	env := c.mustReadUntilType(parent, v1.TypeTyping, stepTimeout, skip)

	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID || p.UserID != fromUser {
		fatalf("typing mismatch (%s): got=%+v", c.name, p)
	}
}

// mustHistoryContains reads the newest page over REST as userID.
func mustHistoryContains(parent context.Context, wsURL, userID, chatID, messageID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/api/chats/" + url.PathEscape(chatID) + "/messages"
	u.RawQuery = "limit=50"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set(devUserHeader, userID)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		fatalf("history fetch status=%d", res.StatusCode)
	}

	var page struct {
		Messages []v1.Message `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		fatalf("decode history: %v", err)
	}
	for _, m := range page.Messages {
		if m.ID == messageID {
			return
		}
	}
	fatalf("history missing message %s", messageID)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func request(typ, id string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
