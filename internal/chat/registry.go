package chat

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/logging"
)

// Registry tracks the open conversation screens. At most one controller
// exists per conversation.
type Registry struct {
	signals Signals
	sender  Sender
	cache   *cache.Cache
	self    func() string
	opts    Options
	logger  *zap.Logger

	mu   sync.Mutex
	open map[string]*Controller
}

func NewRegistry(s Signals, sender Sender, c *cache.Cache, self func() string, opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		signals: s,
		sender:  sender,
		cache:   c,
		self:    self,
		opts:    opts,
		logger:  logging.OrNop(logger),
		open:    make(map[string]*Controller),
	}
}

// Open returns the controller for conversationID, mounting a new one if the
// conversation is not open yet.
func (r *Registry) Open(ctx context.Context, conversationID string) *Controller {
	r.mu.Lock()
	c, ok := r.open[conversationID]
	if !ok {
		c = NewController(conversationID, r.signals, r.sender, r.cache, r.self, r.opts, r.logger)
		r.open[conversationID] = c
	}
	r.mu.Unlock()

	if !ok {
		c.Mount(ctx)
	}
	return c
}

// Close unmounts conversationID. It reports whether it was open.
func (r *Registry) Close(conversationID string) bool {
	r.mu.Lock()
	c, ok := r.open[conversationID]
	delete(r.open, conversationID)
	r.mu.Unlock()

	if ok {
		c.Unmount()
	}
	return ok
}

func (r *Registry) Get(conversationID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.open[conversationID]
	return c, ok
}

// IsOpen reports whether conversationID has a mounted controller, that is
// one already subscribed to inbound events.
func (r *Registry) IsOpen(conversationID string) bool {
	c, ok := r.Get(conversationID)
	return ok && c.Phase() != Inactive
}

// OpenIDs lists the open conversations in id order.
func (r *Registry) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll unmounts every open conversation. Used on logout.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range open {
		c.Unmount()
	}
}
