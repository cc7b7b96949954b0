package bus

import "time"

// Event represents an app-level notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix ("conn.", "session.", "message.", "cache.").
const (
	ConnStateChanged     = "conn.state_changed"
	ConnReconnecting     = "conn.reconnecting"
	ConnRetriesExhausted = "conn.retries_exhausted"

	SessionAuthFailed = "session.auth_failed"
	SessionLoggedOut  = "session.logged_out"

	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	CacheMessagesUpdated = "cache.messages_updated"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
