// Package sync keeps the cache in step with the server for conversations
// that are not on screen, and loads conversation lists and history.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/model"
	"github.com/matheus3301/carchat/internal/observability"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/restapi"
	"github.com/matheus3301/carchat/internal/router"
	"github.com/matheus3301/carchat/internal/status"
)

// API is the subset of the REST client the engine reads from.
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, opts *restapi.HistoryOptions) ([]model.Message, error)
}

// Inbound is where the engine subscribes to realtime events.
type Inbound interface {
	On(kind protocol.Kind, h router.Handler) func()
}

// OpenSet reports which conversations have a mounted controller; those merge
// their own inbound messages.
type OpenSet interface {
	IsOpen(conversationID string) bool
}

// Engine handles idempotent ingestion of inbound messages into the cache.
type Engine struct {
	api     API
	cache   *cache.Cache
	inbound Inbound
	open    OpenSet
	bus     *bus.Bus
	self    func() string
	logger  *zap.Logger

	queue  chan queued
	cancel context.CancelFunc
	unsub  func()
}

// NewEngine creates a new sync engine.
func NewEngine(api API, c *cache.Cache, in Inbound, open OpenSet, b *bus.Bus, self func() string, logger *zap.Logger) *Engine {
	return &Engine{
		api:     api,
		cache:   c,
		inbound: in,
		open:    open,
		bus:     b,
		self:    self,
		logger:  logging.OrNop(logger).Named("sync"),
		queue:   make(chan queued, 256),
	}
}

// Start subscribes to inbound messages and connection changes. Inbound
// messages are queued so REST lookups never block the socket read loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.unsub = e.inbound.On(protocol.KindNewMessage, e.enqueue)
	ch, unsub := e.bus.Subscribe("conn.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case q := <-e.queue:
				e.process(ctx, q)
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// queued is an inbound message together with whether its conversation had a
// mounted controller when the router delivered it.
type queued struct {
	msg  model.Message
	open bool
}

func (e *Engine) enqueue(ev protocol.Event) {
	nm, ok := ev.(protocol.NewMessage)
	if !ok {
		return
	}
	q := queued{msg: nm.Message, open: e.isOpen(nm.Message.ConversationID)}
	select {
	case e.queue <- q:
	default:
		observability.IncDroppedEvent("sync_queue_full")
		e.logger.Warn("sync queue full, dropping message", zap.String("conversation_id", nm.Message.ConversationID))
	}
}

// handleEvent refreshes the conversation list after every (re)connect, which
// picks up whatever arrived while offline.
func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	if evt.Kind != bus.ConnStateChanged {
		return
	}
	change, ok := evt.Payload.(status.Change)
	if !ok || change.To != status.Connected {
		return
	}
	if _, err := e.RefreshConversations(ctx); err != nil {
		e.logger.Warn("conversation refresh after connect failed", zap.Error(err))
	}
}

func (e *Engine) process(ctx context.Context, q queued) {
	if err := e.ingest(ctx, q.msg, q.open); err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("message_id", q.msg.ID))
	}
}

func (e *Engine) isOpen(conversationID string) bool {
	return e.open != nil && e.open.IsOpen(conversationID)
}

// IngestMessage merges m into its conversation (idempotent). Messages for
// open conversations and echoes of our own sends are left to their owners.
func (e *Engine) IngestMessage(ctx context.Context, m model.Message) error {
	return e.ingest(ctx, m, e.isOpen(m.ConversationID))
}

func (e *Engine) ingest(ctx context.Context, m model.Message, open bool) error {
	if open || m.SenderID == e.self() {
		return nil
	}

	added := false
	e.cache.UpdateMessages(m.ConversationID, func(cur []model.Message) []model.Message {
		out, ok := model.AppendUnique(cur, m)
		added = ok
		return out
	})
	if !added {
		return nil
	}

	known := e.cache.UpdateConversation(m.ConversationID, func(conv *model.Conversation) {
		if conv.LastMessage == nil || !m.CreatedAt.Before(conv.LastMessage.CreatedAt) {
			msg := m
			conv.LastMessage = &msg
		}
		if m.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = m.CreatedAt
		}
		if !m.Read {
			conv.UnreadCount++
		}
	})
	if known {
		return nil
	}

	conv, err := e.api.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("fetch conversation %s: %w", m.ConversationID, err)
	}
	e.cache.SetConversation(*conv)
	e.logger.Debug("new conversation discovered", zap.String("conversation_id", conv.ID))
	return nil
}

// RefreshConversations replaces the cached conversation records with the
// server's list.
func (e *Engine) RefreshConversations(ctx context.Context) ([]model.Conversation, error) {
	list, err := e.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range list {
		e.cache.SetConversation(conv)
	}
	e.logger.Info("conversations refreshed", zap.Int("count", len(list)))
	return e.cache.Conversations(), nil
}

// LoadHistory replaces the cached message list with the server's history.
// Pending provisional entries, and anything that arrived after the newest
// fetched message, are kept at the end.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	page, err := e.api.ListMessages(ctx, conversationID, nil)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	return e.cache.UpdateMessages(conversationID, func(cur []model.Message) []model.Message {
		out := make([]model.Message, 0, len(page)+len(cur))
		for _, m := range page {
			out, _ = model.AppendUnique(out, m)
		}
		var newest model.Message
		if len(page) > 0 {
			newest = page[len(page)-1]
		}
		for _, m := range cur {
			if model.IsProvisional(m.ID) || m.CreatedAt.After(newest.CreatedAt) {
				out, _ = model.AppendUnique(out, m)
			}
		}
		return out
	}), nil
}
