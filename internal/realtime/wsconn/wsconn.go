// Package wsconn implements the realtime transport over WebSocket.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/observability"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/realtime"
)

// closeUnauthorized is the application close code some servers use instead
// of an error frame when they reject the token.
const closeUnauthorized websocket.StatusCode = 4401

const readLimit = 1 << 20

// Dialer opens WebSocket sessions authenticated with a bearer credential.
type Dialer struct {
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
	logger           *zap.Logger
}

// NewDialer returns a Dialer. A zero handshake timeout means 10s.
func NewDialer(handshakeTimeout time.Duration, logger *zap.Logger) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		HandshakeTimeout: handshakeTimeout,
		logger:           logging.OrNop(logger).Named("wsconn"),
	}
}

// Dial connects to endpoint and waits for the server's first frame, which
// must be "authenticated". A 401/403 upgrade response, an auth-class error
// frame or a 4401 close all yield realtime.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, endpoint, credential string) (realtime.Conn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, d.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	ws, resp, err := websocket.Dial(hsCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade rejected with %d", realtime.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	var first protocol.Envelope
	if err := wsjson.Read(hsCtx, ws, &first); err != nil {
		_ = ws.CloseNow()
		if websocket.CloseStatus(err) == closeUnauthorized {
			return nil, fmt.Errorf("%w: closed by server", realtime.ErrUnauthorized)
		}
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	switch first.Event {
	case protocol.EventAuthenticated:
		var auth protocol.Authenticated
		if err := json.Unmarshal(first.Data, &auth); err != nil || auth.UserID == "" {
			_ = ws.Close(websocket.StatusProtocolError, "bad handshake")
			return nil, errors.New("handshake: authenticated frame without userId")
		}
		d.logger.Debug("handshake complete", zap.String("user_id", auth.UserID))
		return &conn{ws: ws, userID: auth.UserID, logger: d.logger}, nil

	case protocol.EventError:
		var se protocol.ServerError
		_ = json.Unmarshal(first.Data, &se)
		_ = ws.Close(websocket.StatusNormalClosure, "")
		if se.IsAuth() {
			return nil, fmt.Errorf("%w: %s", realtime.ErrUnauthorized, se.Error())
		}
		return nil, fmt.Errorf("handshake: %w", se)
	}

	_ = ws.Close(websocket.StatusProtocolError, "unexpected handshake frame")
	return nil, fmt.Errorf("handshake: expected %q, got %q", protocol.EventAuthenticated, first.Event)
}

type conn struct {
	ws     *websocket.Conn
	userID string
	logger *zap.Logger
}

// Read returns the next well-formed envelope. Frames that are not a JSON
// envelope are logged and skipped; the session stays up.
func (c *conn) Read(ctx context.Context) (protocol.Envelope, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if typ != websocket.MessageText {
			c.drop("binary frame", len(data), nil)
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.drop("invalid json", len(data), err)
			continue
		}
		if env.Event == "" {
			c.drop("missing event name", len(data), nil)
			continue
		}
		return env, nil
	}
}

func (c *conn) drop(reason string, size int, err error) {
	observability.IncDroppedEvent("malformed")
	c.logger.Warn("dropping inbound frame",
		zap.String("reason", reason),
		zap.Int("bytes", size),
		zap.Error(err),
	)
}

func (c *conn) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, c.ws, env)
}

func (c *conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

func (c *conn) UserID() string { return c.userID }
