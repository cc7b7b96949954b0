// Package router translates between wire frames and typed in-process events.
// Inbound frames are validated and dispatched synchronously to subscribers of
// their kind; outbound commands go out only while the connection is up.
package router

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/observability"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/status"
)

// Handler receives a decoded inbound event.
type Handler func(protocol.Event)

// Transport is the part of the connection manager the router drives.
type Transport interface {
	Emit(ctx context.Context, cmd protocol.Command, payload any) error
	State() status.State
	Observe(fn func(status.Change)) func()
	SetInbound(fn func(protocol.Envelope))
}

type subscriber struct {
	id int
	fn Handler
}

// Router is the event router. The zero value is not usable; use New.
type Router struct {
	transport Transport
	logger    *zap.Logger

	mu   sync.RWMutex
	subs map[protocol.Kind][]subscriber
	next int
}

// New creates a router and installs it as the transport's inbound sink.
func New(t Transport, logger *zap.Logger) *Router {
	r := &Router{
		transport: t,
		logger:    logging.OrNop(logger).Named("router"),
		subs:      make(map[protocol.Kind][]subscriber),
	}
	t.SetInbound(r.Dispatch)
	return r
}

// On subscribes h to events of kind. The returned function unsubscribes and
// may be called any number of times.
func (r *Router) On(kind protocol.Kind, h Handler) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[kind] = append(r.subs[kind], subscriber{id: id, fn: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.off(kind, id) })
	}
}

func (r *Router) off(kind protocol.Kind, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[kind]
	for i, s := range list {
		if s.id == id {
			out := make([]subscriber, 0, len(list)-1)
			out = append(out, list[:i]...)
			r.subs[kind] = append(out, list[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of handlers registered for kind.
func (r *Router) Subscribers(kind protocol.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

// Dispatch decodes env and calls each current subscriber of its kind in
// registration order. Malformed and unknown frames are logged and dropped.
// Handlers may subscribe or unsubscribe while being called.
func (r *Router) Dispatch(env protocol.Envelope) {
	ev, err := protocol.Decode(env)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownEvent) {
			reason = "unknown"
		}
		observability.IncDroppedEvent(reason)
		r.logger.Warn("dropping inbound frame", zap.String("event", env.Event), zap.Error(err))
		return
	}

	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[ev.Kind()]))
	for _, s := range r.subs[ev.Kind()] {
		handlers = append(handlers, s.fn)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		observability.IncDroppedEvent("no_subscriber")
		return
	}
	observability.IncInboundEvent(string(ev.Kind()))
	for _, h := range handlers {
		h(ev)
	}
}

// Connected reports whether outbound commands would currently be sent.
func (r *Router) Connected() bool {
	return r.transport.State() == status.Connected
}

// OnStateChange forwards connection state changes to fn.
func (r *Router) OnStateChange(fn func(status.State)) func() {
	return r.transport.Observe(func(c status.Change) { fn(c.To) })
}
