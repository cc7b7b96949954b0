package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/carchat/internal/model"
)

// Event is a decoded, validated inbound event.
type Event interface {
	Kind() Kind
	ConversationID() string
}

// NewMessage carries a message created in a conversation.
type NewMessage struct {
	Message model.Message
}

func (e NewMessage) Kind() Kind             { return KindNewMessage }
func (e NewMessage) ConversationID() string { return e.Message.ConversationID }

// Typing reports a peer starting or stopping to type.
type Typing struct {
	Conversation string
	UserID       string
	Started      bool
}

func (e Typing) Kind() Kind {
	if e.Started {
		return KindTypingStarted
	}
	return KindTypingStopped
}
func (e Typing) ConversationID() string { return e.Conversation }

// MessagesRead reports that UserID has read the listed messages.
type MessagesRead struct {
	Conversation string
	UserID       string
	MessageIDs   []string
}

func (e MessagesRead) Kind() Kind             { return KindMessagesRead }
func (e MessagesRead) ConversationID() string { return e.Conversation }

// Presence is a peer's online state, pushed or in reply to a query.
type Presence struct {
	kind         Kind
	Conversation string
	UserID       string
	Online       bool
}

func (e Presence) Kind() Kind             { return e.kind }
func (e Presence) ConversationID() string { return e.Conversation }

// Entered reports that a peer opened the conversation.
type Entered struct {
	Conversation string
	UserID       string
}

func (e Entered) Kind() Kind             { return KindEntered }
func (e Entered) ConversationID() string { return e.Conversation }

type messagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

type userPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type readPayload struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}

type presenceStatusPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Online         *bool  `json:"online"`
}

// Decode validates env against the payload shape of its kind. Frames that do
// not validate are rejected with ErrMalformed or ErrUnknownEvent; callers drop
// them.
func Decode(env Envelope) (Event, error) {
	switch Kind(env.Event) {
	case KindNewMessage:
		var p messagePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if err := require(env, p.ConversationID, "conversationId", p.ID, "id", p.SenderID, "senderId"); err != nil {
			return nil, err
		}
		typ := model.MessageType(p.Type)
		if typ == "" {
			typ = model.TypeText
		}
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown message type %q", ErrMalformed, env.Event, p.Type)
		}
		return NewMessage{Message: model.Message{
			ID:             p.ID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Content:        p.Content,
			Read:           p.Read,
			CreatedAt:      p.CreatedAt,
			Type:           typ,
		}}, nil

	case KindTypingStarted, KindTypingStopped:
		p, err := decodeUser(env)
		if err != nil {
			return nil, err
		}
		return Typing{Conversation: p.ConversationID, UserID: p.UserID, Started: Kind(env.Event) == KindTypingStarted}, nil

	case KindMessagesRead:
		var p readPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if err := require(env, p.ConversationID, "conversationId", p.UserID, "userId"); err != nil {
			return nil, err
		}
		return MessagesRead{Conversation: p.ConversationID, UserID: p.UserID, MessageIDs: p.MessageIDs}, nil

	case KindPeerOnline, KindPeerOffline:
		p, err := decodeUser(env)
		if err != nil {
			return nil, err
		}
		return Presence{
			kind:         Kind(env.Event),
			Conversation: p.ConversationID,
			UserID:       p.UserID,
			Online:       Kind(env.Event) == KindPeerOnline,
		}, nil

	case KindPresenceStatus:
		var p presenceStatusPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if err := require(env, p.ConversationID, "conversationId", p.UserID, "userId"); err != nil {
			return nil, err
		}
		if p.Online == nil {
			return nil, fmt.Errorf("%w: %s: missing online", ErrMalformed, env.Event)
		}
		return Presence{kind: KindPresenceStatus, Conversation: p.ConversationID, UserID: p.UserID, Online: *p.Online}, nil

	case KindEntered:
		p, err := decodeUser(env)
		if err != nil {
			return nil, err
		}
		return Entered{Conversation: p.ConversationID, UserID: p.UserID}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeUser(env Envelope) (userPayload, error) {
	var p userPayload
	if err := unmarshal(env, &p); err != nil {
		return p, err
	}
	return p, require(env, p.ConversationID, "conversationId", p.UserID, "userId")
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return nil
}

// require takes (value, name) pairs and fails on the first blank value.
func require(env Envelope, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i]) == "" {
			return fmt.Errorf("%w: %s: missing %s", ErrMalformed, env.Event, pairs[i+1])
		}
	}
	return nil
}
