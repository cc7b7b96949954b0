package api

import (
	"encoding/json"

	"github.com/matheus3301/carchat/internal/model"
)

type Empty struct{}

type StatusReply struct {
	Profile           string   `json:"profile"`
	State             string   `json:"state"`
	UserID            string   `json:"userId,omitempty"`
	Endpoint          string   `json:"endpoint,omitempty"`
	Attempts          int      `json:"attempts"`
	LoggedIn          bool     `json:"loggedIn"`
	OpenConversations []string `json:"openConversations,omitempty"`
	UptimeMs          int64    `json:"uptimeMs"`
}

type LoginRequest struct {
	Token string `json:"token"`
}

type ReconnectRequest struct {
	Endpoint string `json:"endpoint,omitempty"`
}

type ForegroundRequest struct {
	Foreground bool `json:"foreground"`
}

type ListConversationsRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type ConversationsReply struct {
	Conversations []model.Conversation `json:"conversations"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

// ConversationState describes an open conversation screen.
type ConversationState struct {
	ConversationID string `json:"conversationId"`
	Phase          string `json:"phase"`
	PeerTyping     bool   `json:"peerTyping"`
	PeerOnline     bool   `json:"peerOnline"`
	PeerViewing    bool   `json:"peerViewing"`
	Input          string `json:"input,omitempty"`
}

type TypeRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// SendRequest sends the composer content. A non-empty Text replaces the
// composer first.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
}

type SendReply struct {
	Message model.Message `json:"message"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Reload         bool   `json:"reload,omitempty"`
}

type MessagesReply struct {
	Messages []model.Message `json:"messages"`
}

type WatchRequest struct {
	// Prefix filters bus events by kind namespace, e.g. "conn.". Empty
	// means everything.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus notification streamed by WatchEvents.
type Event struct {
	EventID          string          `json:"eventId"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
