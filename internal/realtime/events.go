package realtime

import "time"

// Reconnecting is the bus payload announcing a scheduled reconnect.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// RetriesExhausted is the bus payload for a terminal transient failure.
type RetriesExhausted struct {
	Attempts int
	Err      error
}

// AuthFailed is the bus payload for a rejected credential. Subscribers are
// expected to clear the stored credential.
type AuthFailed struct {
	Err error
}
