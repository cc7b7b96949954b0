package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/chat"
	"github.com/matheus3301/carchat/internal/outbox"
)

// MessageService implements the MessageService control service.
type MessageService struct {
	chats  *ChatService
	cache  *cache.Cache
	syncer Syncer
}

// NewMessageService creates a new message service. Sends go through the
// conversation screens owned by chats.
func NewMessageService(chats *ChatService, c *cache.Cache, s Syncer) *MessageService {
	return &MessageService{chats: chats, cache: c, syncer: s}
}

// Send sends the composer content of an open conversation. The reply comes
// back once the server confirmed the message; by then the cached list
// already shows it.
func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*SendReply, error) {
	c, err := s.chats.controller(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.Text != "" {
		c.InputChanged(req.Text)
	}
	msg, err := c.Send(ctx)
	var sendErr *outbox.SendError
	switch {
	case err == nil:
		return &SendReply{Message: *msg}, nil
	case errors.Is(err, chat.ErrEmptyMessage):
		return nil, grpcstatus.Error(codes.InvalidArgument, "message is empty")
	case errors.Is(err, chat.ErrNotMounted):
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %s is not open", req.ConversationID)
	case errors.As(err, &sendErr):
		return nil, grpcstatus.Errorf(codes.Unavailable, "message not sent: %v", sendErr.Err)
	default:
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
}

func (s *MessageService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*MessagesReply, error) {
	id, err := conversationID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.Reload {
		msgs, err := s.syncer.LoadHistory(ctx, id)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "load history: %v", err)
		}
		return &MessagesReply{Messages: msgs}, nil
	}
	return &MessagesReply{Messages: s.cache.Messages(id)}, nil
}
