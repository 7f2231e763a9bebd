package clientsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "parla/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxFrameBytes = 1 << 20

// ErrClosed is returned by requests issued after the socket went away.
var ErrClosed = errors.New("clientsession: connection closed")

// RemoteError is an error envelope or a failed ack from the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "remote: " + e.Message
	}
	return "remote " + e.Code + ": " + e.Message
}

// DialOptions configures Dial.
type DialOptions struct {
	Header http.Header
	// Handler receives every server push that does not answer a request.
	// It runs on the read loop and must not block.
	Handler      func(v1.Envelope)
	WriteTimeout time.Duration
	Logger       *slog.Logger
	HTTPClient   *http.Client
}

// WSTransport is a Transport over one realtime socket.
type WSTransport struct {
	conn    *websocket.Conn
	log     *slog.Logger
	handler func(v1.Envelope)
	writeTO time.Duration

	sessionID string
	userID    string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan v1.Envelope
	closed  bool

	done chan struct{}
	err  error
}

// Dial opens the socket, waits for hello_ack and starts the read loop.
func Dial(ctx context.Context, url string, opts DialOptions) (*WSTransport, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   opts.Header,
		HTTPClient:   opts.HTTPClient,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("hello: %w", err)
	}
	var hello v1.HelloAckPayload
	if env.Type != v1.TypeHelloAck || env.Decode(&hello) != nil {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected hello")
		return nil, fmt.Errorf("hello: unexpected %q", env.Type)
	}

	t := &WSTransport{
		conn:      conn,
		log:       log.With("session_id", hello.SessionID),
		handler:   opts.Handler,
		writeTO:   opts.WriteTimeout,
		sessionID: hello.SessionID,
		userID:    hello.UserID,
		pending:   make(map[string]chan v1.Envelope),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// SessionID is the id from hello_ack.
func (t *WSTransport) SessionID() string { return t.sessionID }

// UserID is the authenticated user as the server sees it.
func (t *WSTransport) UserID() string { return t.userID }

// Done is closed when the read loop exits.
func (t *WSTransport) Done() <-chan struct{} { return t.done }

// Err reports why the read loop exited.
func (t *WSTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close closes the socket and waits for the read loop.
func (t *WSTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "bye")
	<-t.done
	return err
}

func (t *WSTransport) readLoop() {
	defer close(t.done)
	defer t.failPending()

	ctx := context.Background()
	for {
		env, err := readEnvelope(ctx, t.conn)
		if err != nil {
			t.err = err
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.log.Info("clientsession.ws.read.end", "err", err)
			}
			return
		}
		if env.ReplyTo != "" && t.resolve(env) {
			continue
		}
		if t.handler != nil {
			t.handler(env)
		}
	}
}

func (t *WSTransport) resolve(env v1.Envelope) bool {
	t.mu.Lock()
	ch, ok := t.pending[env.ReplyTo]
	if ok {
		delete(t.pending, env.ReplyTo)
	}
	t.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (t *WSTransport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// request writes an envelope and waits for the envelope that replies to it.
func (t *WSTransport) request(ctx context.Context, typ string, payload any) (v1.Envelope, error) {
	id := uuid.NewString()
	ch := make(chan v1.Envelope, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return v1.Envelope{}, ErrClosed
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(ctx, typ, id, payload); err != nil {
		t.forget(id)
		return v1.Envelope{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return v1.Envelope{}, ErrClosed
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			return v1.Envelope{}, &RemoteError{Code: p.Code, Message: p.Message}
		}
		return env, nil
	case <-ctx.Done():
		t.forget(id)
		return v1.Envelope{}, ctx.Err()
	}
}

func (t *WSTransport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *WSTransport) write(ctx context.Context, typ, id string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: b}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, t.writeTO)
	defer cancel()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(wctx, websocket.MessageText, data)
}

// JoinChat joins the chat room and waits for the server's echo.
func (t *WSTransport) JoinChat(ctx context.Context, chatID string) error {
	_, err := t.request(ctx, v1.TypeJoinChat, v1.JoinChatPayload{ChatID: chatID})
	return err
}

// JoinUser joins the caller's user room.
func (t *WSTransport) JoinUser(ctx context.Context, userID string) error {
	_, err := t.request(ctx, v1.TypeJoinUser, v1.JoinUserPayload{UserID: userID})
	return err
}

// SendMessage sends p and returns the canonical message from the ack.
func (t *WSTransport) SendMessage(ctx context.Context, p v1.SendMessagePayload) (v1.Message, error) {
	env, err := t.request(ctx, v1.TypeSendMessage, p)
	if err != nil {
		return v1.Message{}, err
	}
	var ack v1.AckPayload
	if err := env.Decode(&ack); err != nil {
		return v1.Message{}, err
	}
	if ack.Status != v1.AckOK || ack.Data == nil {
		return v1.Message{}, &RemoteError{Code: v1.AckError, Message: ack.Error}
	}
	return *ack.Data, nil
}

// Typing is fire-and-forget; a rejection arrives at the handler as an error envelope.
func (t *WSTransport) Typing(ctx context.Context, p v1.TypingPayload) error {
	return t.write(ctx, v1.TypeTyping, uuid.NewString(), p)
}

// AnnounceDelete relays a deletion that already happened on the server.
func (t *WSTransport) AnnounceDelete(ctx context.Context, p v1.DeletePayload) error {
	return t.write(ctx, v1.TypeDeleteMessage, uuid.NewString(), p)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return v1.Envelope{}, errors.New("unexpected binary frame")
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}
