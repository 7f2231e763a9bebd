// Package v1 defines the Parla Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and Go clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol both sides negotiate.
const Subprotocol = "parla.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHelloAck is sent once after the socket is accepted (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoinChat joins the room of one chat (client -> server). Idempotent.
	TypeJoinChat = "join_chat"
	// TypeJoinUser joins the caller's own user room (client -> server). Idempotent.
	TypeJoinUser = "join_user"

	// TypeSendMessage requests sending a message (client -> server). Always answered by TypeAck.
	TypeSendMessage = "send_message"
	// TypeAck answers a request envelope; ReplyTo carries the request id (server -> client).
	TypeAck = "ack"

	// TypeReceiveMessage carries a canonical message to a chat room (server -> client).
	TypeReceiveMessage = "receive_message"
	// TypeNewMessage carries a canonical message to both participants' user rooms (server -> client).
	TypeNewMessage = "new_message"

	// TypeTyping is relayed to the chat room excluding its origin (bidirectional).
	TypeTyping = "typing"

	// TypeDeleteMessage asks the server to relay a completed deletion (client -> server).
	TypeDeleteMessage = "delete_message"
	// TypeMessageDeleted tells the chat room to drop a message (server -> client).
	TypeMessageDeleted = "message_deleted"

	// TypeReactionUpdated carries the new reaction set of one message (server -> client).
	TypeReactionUpdated = "reaction_updated"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHelloAck,
		TypeJoinChat,
		TypeJoinUser,
		TypeSendMessage,
		TypeAck,
		TypeReceiveMessage,
		TypeNewMessage,
		TypeTyping,
		TypeDeleteMessage,
		TypeMessageDeleted,
		TypeReactionUpdated,
		TypeError:
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}

	if e.Type == TypeSendMessage && strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id (required for acknowledged requests)")
	}
	return nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
