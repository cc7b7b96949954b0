package api

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/chat"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/model"
)

// Syncer loads server state into the cache.
type Syncer interface {
	RefreshConversations(ctx context.Context) ([]model.Conversation, error)
	LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error)
}

// ChatService implements the ChatService control service: the conversation
// list and the open conversation screens.
type ChatService struct {
	cache    *cache.Cache
	registry *chat.Registry
	syncer   Syncer
	logger   *zap.Logger
}

// NewChatService creates a new chat service.
func NewChatService(c *cache.Cache, r *chat.Registry, s Syncer, logger *zap.Logger) *ChatService {
	return &ChatService{cache: c, registry: r, syncer: s, logger: logging.OrNop(logger).Named("api")}
}

func (s *ChatService) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ConversationsReply, error) {
	if req.Refresh {
		list, err := s.syncer.RefreshConversations(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "refresh conversations: %v", err)
		}
		return &ConversationsReply{Conversations: list}, nil
	}
	return &ConversationsReply{Conversations: s.cache.Conversations()}, nil
}

// OpenConversation mounts the conversation's controller, then loads history
// so anything that arrived while mounting is picked up from the server.
// A history failure is logged; the screen still opens on cached data.
func (s *ChatService) OpenConversation(ctx context.Context, req *ConversationRequest) (*ConversationState, error) {
	id, err := conversationID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	wasOpen := s.registry.IsOpen(id)
	c := s.registry.Open(ctx, id)
	if !wasOpen {
		if _, err := s.syncer.LoadHistory(ctx, id); err != nil {
			s.logger.Warn("history load failed, using cache", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return describe(c), nil
}

func (s *ChatService) CloseConversation(_ context.Context, req *ConversationRequest) (*Empty, error) {
	id, err := conversationID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !s.registry.Close(id) {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s is not open", id)
	}
	return &Empty{}, nil
}

// Type feeds composer text to an open conversation, driving typing signals.
func (s *ChatService) Type(_ context.Context, req *TypeRequest) (*ConversationState, error) {
	c, err := s.controller(req.ConversationID)
	if err != nil {
		return nil, err
	}
	c.InputChanged(req.Text)
	return describe(c), nil
}

func (s *ChatService) controller(id string) (*chat.Controller, error) {
	id, err := conversationID(id)
	if err != nil {
		return nil, err
	}
	c, ok := s.registry.Get(id)
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %s is not open", id)
	}
	return c, nil
}

func conversationID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	return id, nil
}

func describe(c *chat.Controller) *ConversationState {
	peer := c.Peer()
	return &ConversationState{
		ConversationID: c.ConversationID(),
		Phase:          string(c.Phase()),
		PeerTyping:     peer.Typing,
		PeerOnline:     peer.Online,
		PeerViewing:    peer.Viewing,
		Input:          c.Input(),
	}
}
