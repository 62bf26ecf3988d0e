// Package v1 defines the Huddle Realtime Protocol v1 contract.
//
// The set of envelope types is closed: every variant has a dedicated data
// struct and Validate rejects anything else.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "huddle.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeMessage fans out a persisted room message (server -> room).
	TypeMessage = "message"
	// TypeSystemMessage fans out an authorless room notice (server -> room).
	TypeSystemMessage = "system_message"
	// TypeNotification is addressed to one identity (server -> client).
	TypeNotification = "notification"

	// TypeMessageSend submits a message into the connected room (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck returns the persisted message to the sender (server -> client).
	TypeMessageAck = "message_ack"

	// TypeReadMark marks the connected room read (client -> server).
	TypeReadMark = "read_mark"
	// TypeReadAck confirms a read mark (server -> client).
	TypeReadAck = "read_ack"

	// TypeHistoryFetch requests a window of room history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Close codes sent when the server terminates a connection.
// Each failure class has a distinct code so clients can react without parsing reasons.
const (
	// CloseGoingAway is the standard 1001 sent on server shutdown.
	CloseGoingAway = 1001

	CloseUnauthenticated = 4401
	CloseForbidden       = 4403
	CloseRoomNotFound    = 4404
	CloseAuthTimeout     = 4408
	CloseRemoved         = 4409
	CloseRoomClosed      = 4410
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V    string          `json:"v"`
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	TS   time.Time       `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
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
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether typ belongs to the closed v1 type set.
func KnownType(typ string) bool {
	switch typ {
	case TypeMessage,
		TypeSystemMessage,
		TypeNotification,
		TypeMessageSend,
		TypeMessageAck,
		TypeReadMark,
		TypeReadAck,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return true
	default:
		return false
	}
}

// New builds an envelope with data marshaled from v.
func New(typ, id string, ts time.Time, v any) (Envelope, error) {
	if !KnownType(typ) {
		return Envelope{}, fmt.Errorf("unknown type: %q", typ)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Data: raw}, nil
}

// DecodeData strictly decodes the envelope data into dst.
// Unknown fields are rejected. An absent data field decodes as "{}".
func (e Envelope) DecodeData(dst any) error {
	raw := bytes.TrimSpace(e.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid data for %s: %w", e.Type, err)
	}
	return nil
}
