package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"parla/cmd/internal/auth"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	v1 "parla/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	// SubprotocolV1 is the websocket subprotocol negotiated by clients.
	SubprotocolV1 = v1.Subprotocol

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// MessageProcessor is the subset of processor.Processor used by the gateway.
type MessageProcessor interface {
	Process(ctx context.Context, in processor.Input) (processor.Output, error)
	Hydrate(ctx context.Context, m chat.Message) (processor.Output, error)
}

// ChatReader is the read side of the store used by the gateway.
type ChatReader interface {
	GetChat(ctx context.Context, id string) (chat.Chat, error)
	GetMessage(ctx context.Context, id string) (chat.Message, error)
}

// GatewayConfig holds connection-level policy.
type GatewayConfig struct {
	// Origin is required by default and only localhost is allowed.
	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    strings.Split(wsDefaultAllowedOrigins, ","),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for Parla realtime.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats, and routes validated envelopes to the Processor and
// the Hub.
type WSGateway struct {
	log   *slog.Logger
	hub   *Hub
	proc  MessageProcessor
	store ChatReader
	authn auth.Authenticator
	cfg   GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. All dependencies are required.
func NewWSGateway(log *slog.Logger, hub *Hub, proc MessageProcessor, store ChatReader, authn auth.Authenticator, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case hub == nil:
		return nil, errors.New("realtime: nil hub")
	case proc == nil:
		return nil, errors.New("realtime: nil processor")
	case store == nil:
		return nil, errors.New("realtime: nil store")
	case authn == nil:
		return nil, errors.New("realtime: nil authenticator")
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		proc:           proc,
		store:          store,
		authn:          authn,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state owned by the read loop.
type session struct {
	client    *Client
	principal auth.Principal
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.authn.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{SubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != SubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", SubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnID()
	client := NewClient(connID, principal.UserID, g.cfg.SendQueueSize)
	s := &session{client: client, principal: principal}
	metrics := g.hub.Metrics()
	metrics.connOpened()
	defer metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent. It does NOT close client.Send.
	// Room removal happens before client.Close so broadcasters never see a torn-down client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	log := g.log.With("conn_id", connID, "user_id", principal.UserID)
	log.Info("ws.open")
	defer log.Info("ws.close")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Every connection sits in exactly one user room: its own.
	g.hub.JoinUser(client, principal.UserID)

	helloPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: connID, UserID: principal.UserID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, helloPayload, time.Now().UTC()))

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			// Written inline: the writer goroutine stops as soon as shutdown runs.
			b, _ := json.Marshal(v1.ErrorPayload{Code: "rate_limited", Message: "too many events"})
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, b, time.Now().UTC()), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeJoinChat:
			herr = g.onJoinChat(ctx, s, env)
		case v1.TypeJoinUser:
			herr = g.onJoinUser(ctx, s, env)
		case v1.TypeSendMessage:
			// Always answered by an ack; never an error envelope.
			herr = g.onSendMessage(ctx, s, env)
			metrics.event(env.Type, herr)
			continue readLoop
		case v1.TypeTyping:
			herr = g.onTyping(ctx, s, env)
		case v1.TypeDeleteMessage:
			herr = g.onDeleteMessage(ctx, s, env)
		default:
			herr = &eventError{code: "unsupported", msg: fmt.Sprintf("unsupported type: %s", env.Type)}
		}
		metrics.event(env.Type, herr)
		if herr != nil {
			code, msg := errorCode(herr)
			g.trySendError(ctx, client, env.ID, code, msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// eventError is a client-facing handler failure.
type eventError struct {
	code string
	msg  string
}

func (e *eventError) Error() string { return e.code + ": " + e.msg }

func badPayload(err error) error { return &eventError{code: "bad_payload", msg: err.Error()} }

func errorCode(err error) (string, string) {
	var ee *eventError
	if errors.As(err, &ee) {
		return ee.code, ee.msg
	}
	switch {
	case chat.IsNotFound(err),
		errors.Is(err, processor.ErrChatNotFound),
		errors.Is(err, processor.ErrSenderNotFound),
		errors.Is(err, processor.ErrReceiverNotFound):
		return "not_found", err.Error()
	case errors.Is(err, processor.ErrNotParticipant),
		errors.Is(err, processor.ErrSenderInactive),
		chat.IsForbidden(err):
		return "forbidden", err.Error()
	case errors.Is(err, processor.ErrEmptyText),
		errors.Is(err, processor.ErrTextTooLong),
		chat.IsInvalidInput(err):
		return "invalid", err.Error()
	case processor.IsPersistence(err):
		return "persistence", "message could not be saved"
	default:
		return "internal", "internal error"
	}
}

// participantChat loads chatID and checks the caller may see it.
func (g *WSGateway) participantChat(ctx context.Context, s *session, chatID string) (chat.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return chat.Chat{}, &eventError{code: "bad_payload", msg: "missing chatId"}
	}
	c, err := g.store.GetChat(ctx, chatID)
	if err != nil {
		return chat.Chat{}, err
	}
	if !c.HasParticipant(s.principal.UserID) && !s.principal.IsAdmin() {
		return chat.Chat{}, &eventError{code: "forbidden", msg: "not a participant"}
	}
	return c, nil
}

func (g *WSGateway) onJoinChat(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.JoinChatPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	c, err := g.participantChat(ctx, s, p.ChatID)
	if err != nil {
		return err
	}
	g.hub.JoinChat(s.client, c.ID)

	echo, _ := json.Marshal(v1.JoinChatPayload{ChatID: c.ID})
	g.enqueue(ctx, s.client, replyEnvelope(v1.TypeJoinChat, env.ID, echo))
	return nil
}

func (g *WSGateway) onJoinUser(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.JoinUserPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	if p.UserID != s.principal.UserID {
		return &eventError{code: "forbidden", msg: "can only join own user room"}
	}
	g.hub.JoinUser(s.client, p.UserID)

	echo, _ := json.Marshal(v1.JoinUserPayload{UserID: p.UserID})
	g.enqueue(ctx, s.client, replyEnvelope(v1.TypeJoinUser, env.ID, echo))
	return nil
}

func (g *WSGateway) onSendMessage(ctx context.Context, s *session, env v1.Envelope) error {
	out, err := g.resolveSend(ctx, s, env)
	if err != nil {
		_, msg := errorCode(err)
		g.log.Info("ws.send.fail", "conn_id", s.client.ConnID, "err", err)
		b, _ := json.Marshal(v1.AckPayload{Status: v1.AckError, Error: msg})
		g.enqueue(ctx, s.client, replyEnvelope(v1.TypeAck, env.ID, b))
		return err
	}

	wire := WireMessage(out)
	g.hub.DeliverMessage(ctx, wire)

	b, _ := json.Marshal(v1.AckPayload{Status: v1.AckOK, Data: &wire})
	if !g.enqueue(ctx, s.client, replyEnvelope(v1.TypeAck, env.ID, b)) {
		g.log.Info("ws.ack.drop", "conn_id", s.client.ConnID, "message_id", wire.ID)
	}
	return nil
}

// resolveSend returns the canonical message for a send_message request:
// re-read when the client already processed it elsewhere, processed otherwise.
func (g *WSGateway) resolveSend(ctx context.Context, s *session, env v1.Envelope) (processor.Output, error) {
	var p v1.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		return processor.Output{}, badPayload(err)
	}
	if p.SenderID != "" && p.SenderID != s.principal.UserID {
		return processor.Output{}, &eventError{code: "forbidden", msg: "senderId must be the authenticated user"}
	}

	if id := strings.TrimSpace(p.MessageID); id != "" {
		m, err := g.store.GetMessage(ctx, id)
		if err != nil {
			return processor.Output{}, err
		}
		if m.SenderID != s.principal.UserID {
			return processor.Output{}, &eventError{code: "forbidden", msg: "not the sender"}
		}
		if p.ChatID != "" && p.ChatID != m.ChatID {
			return processor.Output{}, &eventError{code: "bad_payload", msg: "chatId does not match message"}
		}
		return g.proc.Hydrate(ctx, m)
	}

	return g.proc.Process(ctx, processor.Input{
		ChatID:      strings.TrimSpace(p.ChatID),
		SenderID:    s.principal.UserID,
		ReceiverID:  strings.TrimSpace(p.ReceiverID),
		Text:        p.Text,
		ClientMsgID: strings.TrimSpace(p.ClientMsgID),
	})
}

func (g *WSGateway) onTyping(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	if p.UserID != "" && p.UserID != s.principal.UserID {
		return &eventError{code: "forbidden", msg: "userId must be the authenticated user"}
	}
	if !g.hub.InRoom(s.client.ConnID, ChatRoom(p.ChatID)) {
		return &eventError{code: "not_joined", msg: "join the chat first"}
	}
	g.hub.RelayTyping(ctx, p.ChatID, s.principal.UserID, s.client.ConnID)
	return nil
}

func (g *WSGateway) onDeleteMessage(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.DeletePayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return &eventError{code: "bad_payload", msg: "missing messageId"}
	}
	c, err := g.participantChat(ctx, s, p.ChatID)
	if err != nil {
		return err
	}

	// Deletion itself goes through the request/response surface; the socket
	// only relays a deletion that already happened.
	_, err = g.store.GetMessage(ctx, p.MessageID)
	switch {
	case err == nil:
		return &eventError{code: "conflict", msg: "message still exists"}
	case !chat.IsNotFound(err):
		return err
	}

	g.hub.RelayDelete(ctx, c.ID, p.MessageID)
	return nil
}

// ---- send helpers ----

// trySendError queues an error envelope; replyTo correlates it with the
// failed request when the request carried an id.
func (g *WSGateway) trySendError(ctx context.Context, client *Client, replyTo, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, replyEnvelope(v1.TypeError, replyTo, p))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func replyEnvelope(typ, replyTo string, payload json.RawMessage) v1.Envelope {
	env := newEnvelope(typ, payload, time.Now().UTC())
	env.ReplyTo = replyTo
	return env
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
