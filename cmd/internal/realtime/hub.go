package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"parla/cmd/internal/chat"
	v1 "parla/shared/contracts/realtime/v1"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultPublishQueue   = 1024
	maxResubscribeBackoff = 5 * time.Second
)

// ChatRoom names the room of one chat.
func ChatRoom(chatID string) string { return "chat:" + chatID }

// UserRoom names the personal room of one user.
func UserRoom(userID string) string { return "user:" + userID }

// Hub is the process-wide registry of connections grouped in rooms.
//
// Concurrency guarantees:
//   - Join/Leave are safe under concurrent Broadcast.
//   - Broadcast never blocks on a client (drops under backpressure).
//   - Broadcasts issued sequentially by one caller reach each member in order,
//     locally and through the backplane.
//   - Backplane publishes go through a bounded queue drained by Run, so a slow
//     or unreachable backplane never stalls the caller. Frames that do not fit
//     are dropped and only local members see them.
type Hub struct {
	log        *slog.Logger
	instanceID string
	backplane  Backplane
	metrics    *Metrics

	publishTimeout time.Duration
	publishQueue   int
	outbox         chan Frame

	mu     sync.RWMutex
	rooms  map[string]map[string]*Client
	joined map[string]map[string]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBackplane mirrors every broadcast to other instances through b.
func WithBackplane(b Backplane) HubOption { return func(h *Hub) { h.backplane = b } }

// WithMetrics records hub and gateway metrics on m.
func WithMetrics(m *Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// WithInstanceID sets the origin tag put on published frames.
func WithInstanceID(id string) HubOption {
	return func(h *Hub) {
		if id != "" {
			h.instanceID = id
		}
	}
}

// WithPublishTimeout bounds each backplane publish.
func WithPublishTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.publishTimeout = d
		}
	}
}

// WithPublishQueue sets how many frames may wait for the backplane.
func WithPublishQueue(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.publishQueue = n
		}
	}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:            log,
		publishTimeout: defaultPublishTimeout,
		publishQueue:   defaultPublishQueue,
		rooms:          make(map[string]map[string]*Client),
		joined:         make(map[string]map[string]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.instanceID == "" {
		h.instanceID = NewConnID()
	}
	if h.backplane != nil {
		h.outbox = make(chan Frame, h.publishQueue)
	}
	return h
}

// InstanceID returns the origin tag of this hub.
func (h *Hub) InstanceID() string { return h.instanceID }

// Metrics returns the hub's metrics (possibly nil).
func (h *Hub) Metrics() *Metrics { return h.metrics }

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, room string) {
	if c == nil || c.ConnID == "" || room == "" {
		return
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	_, already := members[c.ConnID]
	members[c.ConnID] = c

	set, ok := h.joined[c.ConnID]
	if !ok {
		set = make(map[string]struct{})
		h.joined[c.ConnID] = set
	}
	set[room] = struct{}{}
	h.mu.Unlock()

	if !already {
		h.log.Debug("hub.room.join", "room", room, "conn_id", c.ConnID, "user_id", c.UserID)
	}
}

// JoinChat adds c to the room of chatID.
func (h *Hub) JoinChat(c *Client, chatID string) { h.Join(c, ChatRoom(chatID)) }

// JoinUser adds c to the personal room of userID.
func (h *Hub) JoinUser(c *Client, userID string) { h.Join(c, UserRoom(userID)) }

// InRoom reports whether connID is a member of room.
func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[connID][room]
	return ok
}

// RoomSize returns the number of local members of room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Leave removes connID from every room it joined.
func (h *Hub) Leave(connID string) {
	if connID == "" {
		return
	}

	h.mu.Lock()
	for room := range h.joined[connID] {
		members := h.rooms[room]
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.joined, connID)
	h.mu.Unlock()
}

// Broadcast delivers env to every member of room, here and on other instances.
// Delivery is fire-and-forget: a full or closing client misses the event.
func (h *Hub) Broadcast(ctx context.Context, room string, env v1.Envelope) {
	h.BroadcastExcept(ctx, room, "", env)
}

// BroadcastExcept is Broadcast skipping the connection exceptConnID.
func (h *Hub) BroadcastExcept(ctx context.Context, room, exceptConnID string, env v1.Envelope) {
	if room == "" {
		return
	}
	h.deliverLocal(room, exceptConnID, env)
	h.publish(Frame{Origin: h.instanceID, Room: room, Except: exceptConnID, Envelope: env})
}

// DeliverMessage sends receive_message to the chat room and new_message to
// both participants' user rooms.
func (h *Hub) DeliverMessage(ctx context.Context, m v1.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Error("hub.deliver.encode.fail", "err", err, "message_id", m.ID)
		return
	}
	now := time.Now().UTC()
	h.Broadcast(ctx, ChatRoom(m.ChatID), newEnvelope(v1.TypeReceiveMessage, b, now))

	notify := newEnvelope(v1.TypeNewMessage, b, now)
	h.Broadcast(ctx, UserRoom(m.Sender.ID), notify)
	if m.Receiver.ID != m.Sender.ID {
		h.Broadcast(ctx, UserRoom(m.Receiver.ID), notify)
	}
}

// RelayTyping forwards a typing signal to the chat room excluding its origin connection.
func (h *Hub) RelayTyping(ctx context.Context, chatID, userID, originConnID string) {
	b, _ := json.Marshal(v1.TypingPayload{ChatID: chatID, UserID: userID})
	h.BroadcastExcept(ctx, ChatRoom(chatID), originConnID, newEnvelope(v1.TypeTyping, b, time.Now().UTC()))
}

// RelayDelete tells the chat room to drop messageID.
func (h *Hub) RelayDelete(ctx context.Context, chatID, messageID string) {
	b, _ := json.Marshal(v1.DeletePayload{ChatID: chatID, MessageID: messageID})
	h.Broadcast(ctx, ChatRoom(chatID), newEnvelope(v1.TypeMessageDeleted, b, time.Now().UTC()))
}

// DeliverReaction sends the new reaction set of messageID to the chat room.
func (h *Hub) DeliverReaction(ctx context.Context, chatID, messageID string, reactions []chat.Reaction) {
	b, _ := json.Marshal(v1.ReactionUpdatedPayload{
		ChatID:    chatID,
		MessageID: messageID,
		Reactions: wireReactions(reactions),
	})
	h.Broadcast(ctx, ChatRoom(chatID), newEnvelope(v1.TypeReactionUpdated, b, time.Now().UTC()))
}

// Run publishes queued frames and consumes the backplane until ctx is done,
// resubscribing with backoff after failures. Without a backplane it just
// waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.drainOutbox(ctx)
	}()
	defer wg.Wait()

	backoff := 100 * time.Millisecond
	for {
		err := h.backplane.Subscribe(ctx, h.receive)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		h.log.Warn("hub.backplane.subscribe.fail", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxResubscribeBackoff {
			backoff = maxResubscribeBackoff
		}
	}
}

func (h *Hub) receive(f Frame) {
	if f.Origin == h.instanceID {
		return
	}
	h.metrics.frame("in", nil)
	h.deliverLocal(f.Room, f.Except, f.Envelope)
}

func (h *Hub) deliverLocal(room, except string, env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.rooms[room] {
		if id == except {
			continue
		}
		ok := c.offer(env)
		h.metrics.deliver(env.Type, ok)
		if !ok {
			h.log.Debug("hub.deliver.drop", "room", room, "conn_id", id, "type", env.Type)
		}
	}
}

// publish queues f for the backplane without waiting on it.
func (h *Hub) publish(f Frame) {
	if h.outbox == nil {
		return
	}
	select {
	case h.outbox <- f:
	default:
		h.metrics.frameDropped()
		h.log.Warn("hub.backplane.queue.full", "room", f.Room, "type", f.Envelope.Type)
	}
}

func (h *Hub) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-h.outbox:
			h.publishNow(ctx, f)
		}
	}
}

func (h *Hub) publishNow(ctx context.Context, f Frame) {
	pctx, cancel := context.WithTimeout(ctx, h.publishTimeout)
	defer cancel()

	err := h.backplane.Publish(pctx, f)
	h.metrics.frame("out", err)
	if err != nil {
		h.log.Warn("hub.backplane.publish.fail", "err", err, "room", f.Room, "type", f.Envelope.Type)
	}
}
