// Package realtime owns the single live connection to the real-time server:
// dialing with the user's credential, bounded reconnection, heartbeats and
// the observable connection state.
package realtime

import (
	"context"
	"errors"

	"github.com/matheus3301/carchat/internal/protocol"
)

var (
	// ErrEmptyCredential is returned by Connect for a blank credential.
	ErrEmptyCredential = errors.New("realtime: empty credential")
	// ErrUnauthorized marks a credential the server rejected. It is never retried.
	ErrUnauthorized = errors.New("realtime: unauthorized")
	// ErrNotConnected is returned by Emit outside the connected state.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrNoEndpoint is returned by Connect when no endpoint is configured.
	ErrNoEndpoint = errors.New("realtime: no endpoint configured")
)

// Conn is one authenticated transport session.
// Read is only called from a single goroutine; the other methods may be
// called concurrently with it.
type Conn interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Ping(ctx context.Context) error
	Close(reason string) error
	// UserID is the identity the server authenticated.
	UserID() string
}

// Dialer opens authenticated sessions. Dial returns an error wrapping
// ErrUnauthorized when the server rejects the credential.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string) (Conn, error)
}
