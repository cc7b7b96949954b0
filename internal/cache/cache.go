// Package cache is the client-side query cache for conversations and their
// message lists. Every mutation replaces the whole snapshot under a single
// lock and is written through to the store.
package cache

import (
	"encoding/json"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/model"
	"github.com/matheus3301/carchat/internal/store"
)

const (
	messagesPrefix      = "messages/"
	conversationsPrefix = "conversations/"
)

// MessagesUpdated is the bus payload published after a message list changes.
type MessagesUpdated struct {
	ConversationID string
	Count          int
}

// Cache holds the in-memory snapshots. A nil store keeps it memory-only.
type Cache struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu            sync.Mutex
	messages      map[string][]model.Message
	conversations map[string]model.Conversation
	convLoaded    bool
}

func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Cache {
	return &Cache{
		db:            db,
		bus:           b,
		logger:        logging.OrNop(logger).Named("cache"),
		messages:      make(map[string][]model.Message),
		conversations: make(map[string]model.Conversation),
	}
}

// Messages returns a copy of the cached list for conversationID.
func (c *Cache) Messages(conversationID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messagesLocked(conversationID))
}

// SetMessages replaces the cached list.
func (c *Cache) SetMessages(conversationID string, msgs []model.Message) {
	c.UpdateMessages(conversationID, func([]model.Message) []model.Message { return msgs })
}

// UpdateMessages applies fn to the current list and stores its result as
// the new snapshot. fn runs under the cache lock and must not call back into
// the cache. The new list is returned.
func (c *Cache) UpdateMessages(conversationID string, fn func([]model.Message) []model.Message) []model.Message {
	c.mu.Lock()
	cur := slices.Clone(c.messagesLocked(conversationID))
	next := slices.Clone(fn(cur))
	c.messages[conversationID] = next
	c.persistLocked(messagesPrefix+conversationID, next)
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(bus.CacheMessagesUpdated, MessagesUpdated{ConversationID: conversationID, Count: len(next)}))
	}
	return slices.Clone(next)
}

func (c *Cache) messagesLocked(conversationID string) []model.Message {
	if msgs, ok := c.messages[conversationID]; ok {
		return msgs
	}
	var msgs []model.Message
	c.loadLocked(messagesPrefix+conversationID, &msgs)
	c.messages[conversationID] = msgs
	return msgs
}

// Conversation returns the cached conversation and whether it was present.
func (c *Cache) Conversation(id string) (model.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadConversationsLocked()
	conv, ok := c.conversations[id]
	return cloneConversation(conv), ok
}

// Conversations returns every cached conversation, most recently updated first.
func (c *Cache) Conversations() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadConversationsLocked()
	out := make([]model.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, cloneConversation(conv))
	}
	slices.SortFunc(out, func(a, b model.Conversation) int {
		if cmp := b.UpdatedAt.Compare(a.UpdatedAt); cmp != 0 {
			return cmp
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (c *Cache) SetConversation(conv model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadConversationsLocked()
	conv = cloneConversation(conv)
	c.conversations[conv.ID] = conv
	c.persistLocked(conversationsPrefix+conv.ID, conv)
}

// UpdateConversation applies fn to the cached conversation. It reports false,
// without calling fn, when the conversation is not cached.
func (c *Cache) UpdateConversation(id string, fn func(*model.Conversation)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadConversationsLocked()
	conv, ok := c.conversations[id]
	if !ok {
		return false
	}
	conv = cloneConversation(conv)
	fn(&conv)
	c.conversations[id] = conv
	c.persistLocked(conversationsPrefix+id, conv)
	return true
}

// Invalidate drops the cached message list of a conversation so the next
// read goes back to the store (and, through sync, to the server).
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, conversationID)
	if c.db != nil {
		if err := c.db.Delete(messagesPrefix + conversationID); err != nil {
			c.logger.Warn("invalidate failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
}

// Clear forgets everything, in memory and on disk. Used on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string][]model.Message)
	c.conversations = make(map[string]model.Conversation)
	c.convLoaded = true
	if c.db == nil {
		return
	}
	for _, prefix := range []string{messagesPrefix, conversationsPrefix} {
		if err := c.db.DeletePrefix(prefix); err != nil {
			c.logger.Warn("clear failed", zap.String("prefix", prefix), zap.Error(err))
		}
	}
}

func (c *Cache) loadConversationsLocked() {
	if c.convLoaded {
		return
	}
	c.convLoaded = true
	if c.db == nil {
		return
	}
	entries, err := c.db.List(conversationsPrefix)
	if err != nil {
		c.logger.Warn("load conversations failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		var conv model.Conversation
		if err := json.Unmarshal(e.Value, &conv); err != nil {
			c.logger.Warn("skipping corrupt conversation entry", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if _, ok := c.conversations[conv.ID]; !ok {
			c.conversations[conv.ID] = conv
		}
	}
}

func (c *Cache) loadLocked(key string, v any) {
	if c.db == nil {
		return
	}
	data, err := c.db.Get(key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return
	}
	if data == nil {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
	}
}

// persistLocked writes v through to the store. Failures only cost the
// on-disk copy, so they are logged rather than returned.
func (c *Cache) persistLocked(key string, v any) {
	if c.db == nil {
		return
	}
	data, err := json.Marshal(v)
	if err == nil {
		err = c.db.Put(key, data)
	}
	if err != nil {
		c.logger.Warn("cache write-through failed", zap.String("key", key), zap.Error(err))
	}
}

func cloneConversation(conv model.Conversation) model.Conversation {
	conv.Participants = slices.Clone(conv.Participants)
	if conv.LastMessage != nil {
		m := *conv.LastMessage
		conv.LastMessage = &m
	}
	return conv
}
