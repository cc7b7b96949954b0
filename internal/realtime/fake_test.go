package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/carchat/internal/protocol"
)

var errNetwork = errors.New("dial tcp: connection refused")

type fakeConn struct {
	user    string
	in      chan protocol.Envelope
	closed  chan struct{}
	once    sync.Once
	pingErr error

	mu      sync.Mutex
	written []protocol.Envelope
	reason  string
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{user: user, in: make(chan protocol.Envelope, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Written() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.written...)
}

// fakeDialer hands each dial to fn with its 1-based attempt number.
type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	endpoints []string
	fn        func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, credential string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.endpoints = append(d.endpoints, endpoint)
	d.mu.Unlock()
	return d.fn(n)
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.endpoints...)
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}
