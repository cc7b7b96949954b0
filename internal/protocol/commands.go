package protocol

// ConversationRef is the payload of join, leave, typing and enter commands.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// MarkRead is the payload of the mark-read command.
type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// PresenceQuery asks whether UserID is online; the reply is a presence.status event.
type PresenceQuery struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
