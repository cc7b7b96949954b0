// Package outbox makes sends feel instantaneous: a provisional message is
// shown at once and later swapped for the server's record or rolled back.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/model"
	"github.com/matheus3301/carchat/internal/observability"
)

// MessageCreator is the REST call that creates a message server-side.
type MessageCreator interface {
	CreateMessage(ctx context.Context, conversationID, content string, typ model.MessageType) (*model.Message, error)
}

// SendError reports a send that was rolled back. Content is what the user
// typed, for callers that want to offer it back.
type SendError struct {
	ConversationID string
	ProvisionalID  string
	Content        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SendAck is the bus payload for a confirmed send.
type SendAck struct {
	ConversationID string
	ProvisionalID  string
	MessageID      string
}

// Reconciler owns the optimistic send path.
type Reconciler struct {
	api    MessageCreator
	cache  *cache.Cache
	bus    *bus.Bus
	logger *zap.Logger
	self   func() string
	now    func() time.Time
}

// NewReconciler creates a reconciler. self returns the current user's id,
// used as the sender of provisional entries.
func NewReconciler(api MessageCreator, c *cache.Cache, b *bus.Bus, self func() string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		api:    api,
		cache:  c,
		bus:    b,
		logger: logging.OrNop(logger).Named("outbox"),
		self:   self,
		now:    time.Now,
	}
}

// Send inserts a provisional message at the end of the conversation's list,
// creates it server-side and reconciles. On success the provisional entry is
// replaced by the confirmed one, which is never duplicated even if its echo
// already arrived. On failure only the provisional entry is removed and a
// *SendError is returned.
func (r *Reconciler) Send(ctx context.Context, conversationID, content string, typ model.MessageType) (*model.Message, error) {
	if typ == "" {
		typ = model.TypeText
	}
	started := r.now()
	provisional := model.Message{
		ID:             model.NewProvisionalID(started),
		ConversationID: conversationID,
		SenderID:       r.self(),
		Content:        content,
		CreatedAt:      started,
		Type:           typ,
	}
	r.cache.UpdateMessages(conversationID, func(cur []model.Message) []model.Message {
		out, _ := model.AppendUnique(cur, provisional)
		return out
	})

	confirmed, err := r.api.CreateMessage(ctx, conversationID, content, typ)
	if err != nil {
		r.cache.UpdateMessages(conversationID, func(cur []model.Message) []model.Message {
			return model.Without(cur, provisional.ID)
		})
		observability.ObserveSend("failed", started)
		r.logger.Warn("send failed, rolled back",
			zap.String("conversation_id", conversationID),
			zap.String("provisional_id", provisional.ID),
			zap.Error(err),
		)
		sendErr := &SendError{
			ConversationID: conversationID,
			ProvisionalID:  provisional.ID,
			Content:        content,
			Err:            err,
		}
		r.publish(bus.MessageSendFailed, sendErr)
		return nil, sendErr
	}

	msg := *confirmed
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = provisional.CreatedAt
	}
	r.cache.UpdateMessages(conversationID, func(cur []model.Message) []model.Message {
		return model.Replace(cur, provisional.ID, msg)
	})
	r.cache.UpdateConversation(conversationID, func(conv *model.Conversation) {
		if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
			m := msg
			conv.LastMessage = &m
		}
		if msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
		}
	})

	observability.ObserveSend("confirmed", started)
	r.logger.Debug("send confirmed",
		zap.String("conversation_id", conversationID),
		zap.String("provisional_id", provisional.ID),
		zap.String("message_id", msg.ID),
	)
	r.publish(bus.MessageSendAck, SendAck{
		ConversationID: conversationID,
		ProvisionalID:  provisional.ID,
		MessageID:      msg.ID,
	})
	return &msg, nil
}

func (r *Reconciler) publish(kind string, payload any) {
	if r.bus != nil {
		r.bus.Publish(bus.NewEvent(kind, payload))
	}
}
