// Package protocol is the enumerated wire contract between the client and the
// real-time server: the frame envelope, the event and command names, and the
// payload shape of each.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire frame for every event and command.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Kind names an inbound event.
type Kind string

const (
	KindNewMessage     Kind = "message.new"
	KindTypingStarted  Kind = "typing.started"
	KindTypingStopped  Kind = "typing.stopped"
	KindMessagesRead   Kind = "messages.read"
	KindPeerOnline     Kind = "presence.online"
	KindPeerOffline    Kind = "presence.offline"
	KindPresenceStatus Kind = "presence.status"
	KindEntered        Kind = "conversation.entered"
)

// Kinds lists every routable inbound kind.
var Kinds = []Kind{
	KindNewMessage,
	KindTypingStarted,
	KindTypingStopped,
	KindMessagesRead,
	KindPeerOnline,
	KindPeerOffline,
	KindPresenceStatus,
	KindEntered,
}

// Handshake frames, only valid as the first frame of a connection.
const (
	EventAuthenticated = "authenticated"
	EventError         = "error"
)

// Command names an outbound command.
type Command string

const (
	CmdJoin          Command = "conversation.join"
	CmdLeave         Command = "conversation.leave"
	CmdTypingStart   Command = "typing.start"
	CmdTypingStop    Command = "typing.stop"
	CmdMarkRead      Command = "messages.mark_read"
	CmdPresenceQuery Command = "presence.query"
	CmdEnter         Command = "conversation.enter"
)

// Server error codes that mean the credential was rejected.
const (
	CodeUnauthorized = "unauthorized"
	CodeTokenExpired = "token_expired"
)

var (
	// ErrMalformed is returned for frames whose payload does not match the
	// shape required by their kind.
	ErrMalformed = errors.New("protocol: malformed event")
	// ErrUnknownEvent is returned for frames with an unrecognised event name.
	ErrUnknownEvent = errors.New("protocol: unknown event")
)

// Authenticated is the server's handshake acknowledgement.
type Authenticated struct {
	UserID string `json:"userId"`
}

// ServerError is the server's handshake rejection or runtime error frame.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsAuth reports whether the error means the credential is invalid or expired.
func (e ServerError) IsAuth() bool {
	return e.Code == CodeUnauthorized || e.Code == CodeTokenExpired
}

func (e ServerError) Error() string {
	if e.Message == "" {
		return "server error: " + e.Code
	}
	return fmt.Sprintf("server error: %s: %s", e.Code, e.Message)
}

// Encode builds an envelope with the given name and JSON-encoded payload.
func Encode(name string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: name}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Envelope{Event: name, Data: data}, nil
}

// NewCommand encodes an outbound command.
func NewCommand(cmd Command, payload any) (Envelope, error) {
	return Encode(string(cmd), payload)
}
