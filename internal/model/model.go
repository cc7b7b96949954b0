// Package model holds the conversation and message records shared by the
// cache, the REST client and the real-time layer.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the content kind of a message.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeSystem:
		return true
	}
	return false
}

// Message is one entry in a conversation's message list.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"createdAt"`
	Type           MessageType `json:"type"`
}

// Conversation is a chat thread between a buyer and a seller.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Peer returns the first participant that is not self, or "" if none.
func (c *Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// HasParticipant reports whether id takes part in the conversation.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// ProvisionalPrefix marks client-generated message ids.
// Server ids never start with it.
const ProvisionalPrefix = "tmp-"

// NewProvisionalID returns a fresh client-side id: tmp-<unix-ms>-<uuid>.
func NewProvisionalID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", ProvisionalPrefix, now.UnixMilli(), uuid.NewString())
}

// IsProvisional reports whether id was generated locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
