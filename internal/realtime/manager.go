package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/observability"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/status"
)

// Options configures a Manager.
type Options struct {
	Endpoint          string
	Policy            Policy
	HeartbeatInterval time.Duration
	// BackgroundGrace is how long a backgrounded session survives before it is torn down.
	BackgroundGrace time.Duration
}

// Manager maintains at most one live session tied to the current credential.
// State changes are pushed through the status machine; nothing polls.
type Manager struct {
	dialer    Dialer
	policy    Policy
	heartbeat time.Duration
	grace     time.Duration
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	mu         sync.Mutex
	endpoint   string
	credential string
	conn       Conn
	userID     string
	attempts   int
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	inbound    func(protocol.Envelope)
	graceTimer *time.Timer
	suspended  bool
}

// NewManager creates a disconnected manager. A nil machine gets a private one.
func NewManager(d Dialer, opts Options, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if machine == nil {
		machine = status.NewMachine(b)
	}
	return &Manager{
		dialer:    d,
		policy:    opts.Policy.normalized(),
		heartbeat: opts.HeartbeatInterval,
		grace:     opts.BackgroundGrace,
		endpoint:  opts.Endpoint,
		machine:   machine,
		bus:       b,
		logger:    logging.OrNop(logger).Named("realtime"),
	}
}

// Connect starts a session with credential and returns without waiting for
// the dial. Calling it again with the running credential is a no-op; a
// different credential replaces the running session.
func (m *Manager) Connect(credential string) error {
	if strings.TrimSpace(credential) == "" {
		return ErrEmptyCredential
	}
	for {
		m.mu.Lock()
		if m.endpoint == "" {
			m.mu.Unlock()
			return ErrNoEndpoint
		}
		if m.cancel != nil {
			if m.credential == credential {
				m.mu.Unlock()
				return nil
			}
			done := m.stopLocked("credential changed")
			m.mu.Unlock()
			<-done
			m.setState(status.Disconnected)
			continue
		}
		m.startLocked(credential)
		m.mu.Unlock()
		return nil
	}
}

// Disconnect tears down the session and waits for it to stop. Safe to call
// when already disconnected. Must not be called from a state observer or an
// inbound handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.suspended = false
	m.stopGraceLocked()
	done := m.stopLocked("client disconnect")
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	m.setState(status.Disconnected)
}

// Logout disconnects and forgets the credential, so neither Foreground nor
// ReconnectWithEndpoint can resume the session.
func (m *Manager) Logout() {
	m.Disconnect()
	m.mu.Lock()
	m.credential = ""
	m.mu.Unlock()
}

// ReconnectWithEndpoint switches to endpoint and reconnects with the last
// credential, if any.
func (m *Manager) ReconnectWithEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrNoEndpoint
	}
	m.Disconnect()
	m.mu.Lock()
	m.endpoint = endpoint
	cred := m.credential
	m.mu.Unlock()
	m.logger.Info("endpoint changed", zap.String("endpoint", endpoint))
	if cred == "" {
		return nil
	}
	return m.Connect(cred)
}

// Emit writes a command to the live connection.
func (m *Manager) Emit(ctx context.Context, cmd protocol.Command, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	env, err := protocol.NewCommand(cmd, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, env); err != nil {
		return fmt.Errorf("emit %s: %w", cmd, err)
	}
	return nil
}

// SetInbound installs the function that receives every inbound frame. It is
// invoked on the connection's read goroutine, in arrival order.
func (m *Manager) SetInbound(fn func(protocol.Envelope)) {
	m.mu.Lock()
	m.inbound = fn
	m.mu.Unlock()
}

// Observe registers a synchronous state-change observer.
func (m *Manager) Observe(fn func(status.Change)) func() {
	return m.machine.Observe(fn)
}

func (m *Manager) State() status.State { return m.machine.Current() }

// Attempts is the number of reconnect attempts made in the current outage.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// UserID is the identity authenticated by the server, or "" before the first
// successful handshake.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Background arms the grace timer; when it fires the session is torn down
// but the credential is kept for Foreground.
func (m *Manager) Background() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil || m.graceTimer != nil {
		return
	}
	gen := m.gen
	m.graceTimer = time.AfterFunc(m.grace, func() { m.suspend(gen) })
	m.logger.Debug("backgrounded", zap.Duration("grace", m.grace))
}

// Foreground cancels a pending grace timer and resumes a suspended session.
func (m *Manager) Foreground() error {
	m.mu.Lock()
	m.stopGraceLocked()
	resume := m.suspended
	cred := m.credential
	m.suspended = false
	m.mu.Unlock()
	if !resume || cred == "" {
		return nil
	}
	m.logger.Info("resuming suspended session")
	return m.Connect(cred)
}

func (m *Manager) suspend(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.graceTimer == nil {
		m.mu.Unlock()
		return
	}
	m.graceTimer = nil
	m.suspended = true
	done := m.stopLocked("background grace expired")
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	m.setState(status.Disconnected)
	m.logger.Info("session suspended after background grace")
}

func (m *Manager) stopGraceLocked() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Manager) startLocked(credential string) {
	m.gen++
	m.credential = credential
	m.suspended = false
	m.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(ctx, m.gen, credential, m.endpoint, done)
}

// stopLocked cancels the running session and returns the channel closed when
// its goroutine exits, or nil if nothing was running.
func (m *Manager) stopLocked(reason string) chan struct{} {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil
	if m.conn != nil {
		_ = m.conn.Close(reason)
	}
	return m.done
}

func (m *Manager) run(ctx context.Context, gen uint64, credential, endpoint string, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.gen == gen {
			m.cancel = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	b := m.policy.backOff(ctx)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		m.setState(status.Connecting)
		conn, err := m.dialer.Dial(ctx, endpoint, credential)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			m.setState(status.Failed)
			if errors.Is(err, ErrUnauthorized) {
				observability.IncConnectFailure("auth")
				return backoff.Permanent(err)
			}
			observability.IncConnectFailure("transient")
			return err
		}

		if !m.attach(gen, conn) {
			_ = conn.Close("superseded")
			return backoff.Permanent(context.Canceled)
		}
		b.Reset()
		m.logger.Info("connected", zap.String("endpoint", endpoint), zap.String("user_id", conn.UserID()))
		m.setState(status.Connected)

		err = m.serve(ctx, conn)
		m.detach(conn)
		_ = conn.Close("connection lost")
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		m.setState(status.Disconnected)
		observability.IncConnectFailure("dropped")
		return err
	}
	notify := func(err error, delay time.Duration) {
		m.mu.Lock()
		m.attempts++
		n := m.attempts
		m.mu.Unlock()
		observability.IncReconnectAttempt()
		m.logger.Warn("connection failed, retrying",
			zap.Error(err),
			zap.String("class", "transient"),
			zap.Int("attempt", n),
			zap.Int("max_attempts", m.policy.MaxAttempts),
			zap.Duration("delay", delay),
		)
		m.publish(bus.ConnReconnecting, Reconnecting{Attempt: n, Delay: delay, Err: err})
	}

	err := backoff.RetryNotify(op, b, notify)
	if ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		m.mu.Lock()
		if m.gen == gen {
			m.credential = ""
		}
		m.mu.Unlock()
		m.logger.Error("credential rejected", zap.Error(err), zap.String("class", "auth"))
		m.publish(bus.SessionAuthFailed, AuthFailed{Err: err})
	case err != nil:
		n := m.Attempts()
		m.logger.Error("reconnect attempts exhausted", zap.Error(err), zap.Int("attempts", n))
		m.publish(bus.ConnRetriesExhausted, RetriesExhausted{Attempts: n, Err: err})
	}
}

// serve reads frames until the connection fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	if m.heartbeat > 0 {
		go m.heartbeatLoop(hbCtx, conn)
	}

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		m.mu.Lock()
		fn := m.inbound
		m.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.cancel == nil {
		return false
	}
	m.conn = conn
	m.userID = conn.UserID()
	m.attempts = 0
	return true
}

func (m *Manager) detach(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// setState applies a transition unless the machine is already there.
func (m *Manager) setState(to status.State) {
	from := m.machine.Current()
	if from == to {
		return
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition skipped", zap.Error(err))
		return
	}
	observability.SetConnectionState(string(from), string(to))
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(kind, payload))
	}
}
