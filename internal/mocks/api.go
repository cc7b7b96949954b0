package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/matheus3301/carchat/internal/model"
	"github.com/matheus3301/carchat/internal/restapi"
)

// APIMock stands in for the REST backend client.
type APIMock struct {
	mock.Mock
}

func (m *APIMock) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	args := m.Called(ctx)
	var list []model.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]model.Conversation)
	}
	return list, args.Error(1)
}

func (m *APIMock) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv *model.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(*model.Conversation)
	}
	return conv, args.Error(1)
}

func (m *APIMock) ListMessages(ctx context.Context, conversationID string, opts *restapi.HistoryOptions) ([]model.Message, error) {
	args := m.Called(ctx, conversationID, opts)
	var list []model.Message
	if val := args.Get(0); val != nil {
		list = val.([]model.Message)
	}
	return list, args.Error(1)
}

func (m *APIMock) CreateMessage(ctx context.Context, conversationID, content string, typ model.MessageType) (*model.Message, error) {
	args := m.Called(ctx, conversationID, content, typ)
	var msg *model.Message
	if val := args.Get(0); val != nil {
		msg = val.(*model.Message)
	}
	return msg, args.Error(1)
}
