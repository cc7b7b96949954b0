package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/chat"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/realtime"
	"github.com/matheus3301/carchat/internal/status"
)

// Connection is the connection manager as seen by the session service.
type Connection interface {
	Connect(credential string) error
	Disconnect()
	Logout()
	ReconnectWithEndpoint(endpoint string) error
	State() status.State
	Attempts() int
	UserID() string
	Endpoint() string
	Background()
	Foreground() error
}

// Credentials persists the bearer token across restarts.
type Credentials interface {
	SaveCredential(token string) error
	Credential() (string, error)
	ClearCredential() error
}

// TokenSetter receives the bearer token for REST calls.
type TokenSetter interface {
	SetToken(token string)
}

// SessionService implements the SessionService control service.
type SessionService struct {
	profile   string
	startedAt time.Time
	conn      Connection
	creds     Credentials
	tokens    TokenSetter
	cache     *cache.Cache
	registry  *chat.Registry
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, conn Connection, creds Credentials, tokens TokenSetter, c *cache.Cache, r *chat.Registry, b *bus.Bus, logger *zap.Logger) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		conn:      conn,
		creds:     creds,
		tokens:    tokens,
		cache:     c,
		registry:  r,
		bus:       b,
		logger:    logging.OrNop(logger).Named("session"),
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *Empty) (*StatusReply, error) {
	token, err := s.creds.Credential()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "read credential: %v", err)
	}
	return &StatusReply{
		Profile:           s.profile,
		State:             string(s.conn.State()),
		UserID:            s.conn.UserID(),
		Endpoint:          s.conn.Endpoint(),
		Attempts:          s.conn.Attempts(),
		LoggedIn:          token != "",
		OpenConversations: s.registry.OpenIDs(),
		UptimeMs:          time.Since(s.startedAt).Milliseconds(),
	}, nil
}

// Login stores the token and opens the real-time session with it.
func (s *SessionService) Login(ctx context.Context, req *LoginRequest) (*StatusReply, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	if err := s.creds.SaveCredential(token); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "save credential: %v", err)
	}
	s.tokens.SetToken(token)
	if err := s.conn.Connect(token); err != nil {
		return nil, connectError(err)
	}
	s.logger.Info("logged in")
	return s.GetStatus(ctx, &Empty{})
}

func (s *SessionService) Logout(ctx context.Context, _ *Empty) (*StatusReply, error) {
	if err := s.EndSession("logout"); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "logout: %v", err)
	}
	return s.GetStatus(ctx, &Empty{})
}

// EndSession closes every conversation, tears down the connection and
// forgets the credential and cached data.
func (s *SessionService) EndSession(reason string) error {
	s.registry.CloseAll()
	s.conn.Logout()
	s.tokens.SetToken("")
	s.cache.Clear()
	err := s.creds.ClearCredential()
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(bus.SessionLoggedOut, reason))
	}
	s.logger.Info("session ended", zap.String("reason", reason))
	return err
}

// Reconnect restarts the session, optionally against a new endpoint.
func (s *SessionService) Reconnect(ctx context.Context, req *ReconnectRequest) (*StatusReply, error) {
	var err error
	if req.Endpoint != "" {
		err = s.conn.ReconnectWithEndpoint(req.Endpoint)
	} else {
		var token string
		token, err = s.creds.Credential()
		if err == nil {
			s.conn.Disconnect()
			err = s.conn.Connect(token)
		}
	}
	if err != nil {
		return nil, connectError(err)
	}
	return s.GetStatus(ctx, &Empty{})
}

func (s *SessionService) SetForeground(ctx context.Context, req *ForegroundRequest) (*StatusReply, error) {
	if req.Foreground {
		if err := s.conn.Foreground(); err != nil {
			return nil, connectError(err)
		}
	} else {
		s.conn.Background()
	}
	return s.GetStatus(ctx, &Empty{})
}

func connectError(err error) error {
	switch {
	case errors.Is(err, realtime.ErrEmptyCredential):
		return grpcstatus.Error(codes.Unauthenticated, "not logged in")
	case errors.Is(err, realtime.ErrNoEndpoint):
		return grpcstatus.Error(codes.FailedPrecondition, "no realtime endpoint configured")
	default:
		return grpcstatus.Errorf(codes.Internal, "connect: %v", err)
	}
}
