// Package chat holds the per-conversation session controllers: room
// membership, typing and presence state, read receipts, and merging inbound
// messages into the cached list.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/model"
	"github.com/matheus3301/carchat/internal/outbox"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/router"
	"github.com/matheus3301/carchat/internal/status"
)

var (
	ErrEmptyMessage = errors.New("chat: empty message")
	ErrNotMounted   = errors.New("chat: conversation not open")
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	Inactive           Phase = "INACTIVE"
	Joining            Phase = "JOINING"
	Active             Phase = "ACTIVE"
	ActiveDisconnected Phase = "ACTIVE_DISCONNECTED"
)

// Signals is the event router surface a controller uses.
type Signals interface {
	On(kind protocol.Kind, h router.Handler) func()
	Connected() bool
	OnStateChange(fn func(status.State)) func()
	JoinRoom(ctx context.Context, conversationID string) bool
	LeaveRoom(ctx context.Context, conversationID string) bool
	StartTyping(ctx context.Context, conversationID string) bool
	StopTyping(ctx context.Context, conversationID string) bool
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) bool
	QueryPresence(ctx context.Context, peerID, conversationID string) bool
	AnnounceEntered(ctx context.Context, conversationID string) bool
}

// Sender performs the optimistic send.
type Sender interface {
	Send(ctx context.Context, conversationID, content string, typ model.MessageType) (*model.Message, error)
}

// Options holds the controller timers.
type Options struct {
	EnterDelay       time.Duration
	ReadReceiptDelay time.Duration
	TypingIdle       time.Duration
	PeerTypingExpiry time.Duration
	// RestoreInputOnFailure puts the text of a failed send back in the input.
	RestoreInputOnFailure bool
}

// DefaultOptions returns the stock timer values.
func DefaultOptions() Options {
	return Options{
		EnterDelay:       time.Second,
		ReadReceiptDelay: 2 * time.Second,
		TypingIdle:       time.Second,
		PeerTypingExpiry: 4 * time.Second,
	}
}

// PeerState is the ephemeral view of the other participant.
type PeerState struct {
	Typing  bool
	Online  bool
	Viewing bool
}

// Controller drives one open conversation. Every timer captures the mount
// generation and does nothing once it no longer matches.
type Controller struct {
	id      string
	signals Signals
	sender  Sender
	cache   *cache.Cache
	self    func() string
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	phase     Phase
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	peer      PeerState
	input     string
	typing    bool
	unsubs    []func()
	enterT    *time.Timer
	readT     *time.Timer
	typingT   *time.Timer
	peerTypeT *time.Timer
}

// NewController creates an inactive controller for conversationID.
func NewController(conversationID string, s Signals, sender Sender, c *cache.Cache, self func() string, opts Options, logger *zap.Logger) *Controller {
	return &Controller{
		id:      conversationID,
		signals: s,
		sender:  sender,
		cache:   c,
		self:    self,
		opts:    opts,
		logger:  logging.OrNop(logger).Named("chat").With(zap.String("conversation_id", conversationID)),
		phase:   Inactive,
	}
}

func (c *Controller) ConversationID() string { return c.id }

// Mount opens the conversation: subscribes to inbound events and joins the
// room if connected. Mounting an open controller does nothing.
func (c *Controller) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.phase != Inactive {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.phase = Joining
	for _, kind := range protocol.Kinds {
		c.unsubs = append(c.unsubs, c.signals.On(kind, c.handle))
	}
	c.unsubs = append(c.unsubs, c.signals.OnStateChange(c.onState))
	connected := c.signals.Connected()
	if !connected {
		c.phase = ActiveDisconnected
	}
	c.mu.Unlock()

	c.logger.Debug("mounted", zap.Bool("connected", connected))
	if connected {
		c.join(ctx)
	}
}

// join sends the join command, then schedules the enter announcement and
// asks for the peer's presence.
func (c *Controller) join(ctx context.Context) {
	joined := c.signals.JoinRoom(ctx, c.id)

	c.mu.Lock()
	if c.phase == Inactive {
		c.mu.Unlock()
		return
	}
	if !joined {
		c.phase = ActiveDisconnected
		c.mu.Unlock()
		return
	}
	c.phase = Active
	gen := c.gen
	stopTimer(c.enterT)
	c.enterT = time.AfterFunc(c.opts.EnterDelay, func() { c.announceEntered(gen) })
	peer := c.peerIDLocked()
	c.mu.Unlock()

	if peer != "" {
		c.signals.QueryPresence(ctx, peer, c.id)
	}
}

func (c *Controller) announceEntered(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.phase != Active {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()
	c.signals.AnnounceEntered(ctx, c.id)
}

// Unmount leaves the room and clears typing and presence state. Pending
// timers are stopped and disarmed.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if c.phase == Inactive {
		c.mu.Unlock()
		return
	}
	c.gen++
	unsubs := c.unsubs
	c.unsubs = nil
	for _, t := range []*time.Timer{c.enterT, c.readT, c.typingT, c.peerTypeT} {
		stopTimer(t)
	}
	c.enterT, c.readT, c.typingT, c.peerTypeT = nil, nil, nil, nil
	wasTyping := c.typing
	c.typing = false
	c.peer = PeerState{}
	c.phase = Inactive
	c.cancel()
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	ctx := context.Background()
	if wasTyping {
		c.signals.StopTyping(ctx, c.id)
	}
	c.signals.LeaveRoom(ctx, c.id)
	c.logger.Debug("unmounted")
}

func (c *Controller) onState(s status.State) {
	switch s {
	case status.Connected:
		c.mu.Lock()
		rejoin := c.phase == ActiveDisconnected
		if rejoin {
			c.phase = Joining
		}
		ctx := c.ctx
		c.mu.Unlock()
		if rejoin {
			c.logger.Debug("rejoining after reconnect")
			c.join(ctx)
		}
	case status.Disconnected, status.Failed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.phase == Inactive {
			return
		}
		c.phase = ActiveDisconnected
		c.peer = PeerState{}
		c.typing = false
		for _, t := range []*time.Timer{c.enterT, c.readT, c.typingT, c.peerTypeT} {
			stopTimer(t)
		}
		c.enterT, c.readT, c.typingT, c.peerTypeT = nil, nil, nil, nil
	}
}

// handle is subscribed to every inbound kind. Events for other
// conversations are ignored.
func (c *Controller) handle(ev protocol.Event) {
	if ev.ConversationID() != c.id {
		return
	}
	switch e := ev.(type) {
	case protocol.NewMessage:
		c.onNewMessage(e.Message)
	case protocol.Typing:
		c.onTyping(e)
	case protocol.MessagesRead:
		c.onMessagesRead(e)
	case protocol.Presence:
		c.mu.Lock()
		if c.phase != Inactive && c.isPeerLocked(e.UserID) {
			c.peer.Online = e.Online
			if !e.Online {
				c.peer.Viewing = false
				c.peer.Typing = false
				stopTimer(c.peerTypeT)
			}
		}
		c.mu.Unlock()
	case protocol.Entered:
		c.onEntered(e)
	}
}

// onNewMessage merges a peer's message into the cached list. Our own
// messages are skipped: the optimistic path already shows them.
func (c *Controller) onNewMessage(m model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Inactive || m.SenderID == c.self() {
		return
	}
	if c.isPeerLocked(m.SenderID) {
		c.peer.Typing = false
		stopTimer(c.peerTypeT)
	}
	added := false
	c.cache.UpdateMessages(c.id, func(cur []model.Message) []model.Message {
		out, ok := model.AppendUnique(cur, m)
		added = ok
		return out
	})
	if added {
		c.cache.UpdateConversation(c.id, func(conv *model.Conversation) {
			msg := m
			conv.LastMessage = &msg
			if m.CreatedAt.After(conv.UpdatedAt) {
				conv.UpdatedAt = m.CreatedAt
			}
		})
	}
}

func (c *Controller) onTyping(e protocol.Typing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Inactive || !c.isPeerLocked(e.UserID) {
		return
	}
	stopTimer(c.peerTypeT)
	c.peerTypeT = nil
	c.peer.Typing = e.Started
	if e.Started {
		gen := c.gen
		c.peerTypeT = time.AfterFunc(c.opts.PeerTypingExpiry, func() { c.expirePeerTyping(gen) })
	}
}

func (c *Controller) expirePeerTyping(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.peer.Typing = false
	}
}

func (c *Controller) onMessagesRead(e protocol.MessagesRead) {
	c.mu.Lock()
	inactive := c.phase == Inactive
	c.mu.Unlock()
	if inactive || len(e.MessageIDs) == 0 {
		return
	}
	c.cache.UpdateMessages(c.id, func(cur []model.Message) []model.Message {
		return model.MarkRead(cur, e.MessageIDs)
	})
}

// onEntered marks the peer as viewing and (re)arms the read receipt timer,
// so bursts of enter events produce a single batch.
func (c *Controller) onEntered(e protocol.Entered) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Inactive || !c.isPeerLocked(e.UserID) {
		return
	}
	c.peer.Viewing = true
	c.peer.Online = true
	stopTimer(c.readT)
	gen := c.gen
	c.readT = time.AfterFunc(c.opts.ReadReceiptDelay, func() { c.flushReadReceipts(gen) })
}

// flushReadReceipts sends one mark-read covering the user's own messages the
// peer has not read yet, then records them as read.
func (c *Controller) flushReadReceipts(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.phase != Active {
		c.mu.Unlock()
		return
	}
	c.readT = nil
	ctx := c.ctx
	unread := model.UnreadFrom(c.cache.Messages(c.id), c.self())
	c.mu.Unlock()

	if len(unread) == 0 || !c.signals.MarkRead(ctx, c.id, unread) {
		return
	}
	c.cache.UpdateMessages(c.id, func(cur []model.Message) []model.Message {
		return model.MarkRead(cur, unread)
	})
	c.logger.Debug("read receipts sent", zap.Int("count", len(unread)))
}

// InputChanged records the composer text and drives the local typing
// signal: start once on the first non-blank input, stop after TypingIdle
// without keystrokes or when the input is cleared.
func (c *Controller) InputChanged(text string) {
	c.mu.Lock()
	c.input = text
	if c.phase != Active {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	stopTimer(c.typingT)
	c.typingT = nil

	if strings.TrimSpace(text) == "" {
		wasTyping := c.typing
		c.typing = false
		c.mu.Unlock()
		if wasTyping {
			c.signals.StopTyping(ctx, c.id)
		}
		return
	}

	start := !c.typing
	gen := c.gen
	c.typingT = time.AfterFunc(c.opts.TypingIdle, func() { c.typingIdle(gen) })
	c.mu.Unlock()

	if start && c.signals.StartTyping(ctx, c.id) {
		c.mu.Lock()
		if c.gen == gen {
			c.typing = true
		}
		c.mu.Unlock()
	}
}

func (c *Controller) typingIdle(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.typingT = nil
	ctx := c.ctx
	c.mu.Unlock()
	c.signals.StopTyping(ctx, c.id)
}

// Send clears the input and sends its content optimistically. A failed send
// is already rolled back when the error is returned.
func (c *Controller) Send(ctx context.Context) (*model.Message, error) {
	c.mu.Lock()
	if c.phase == Inactive {
		c.mu.Unlock()
		return nil, ErrNotMounted
	}
	content := c.input
	if strings.TrimSpace(content) == "" {
		c.mu.Unlock()
		return nil, ErrEmptyMessage
	}
	c.input = ""
	wasTyping := c.typing
	c.typing = false
	stopTimer(c.typingT)
	c.typingT = nil
	lifeCtx := c.ctx
	c.mu.Unlock()

	if wasTyping {
		c.signals.StopTyping(lifeCtx, c.id)
	}

	msg, err := c.sender.Send(ctx, c.id, content, model.TypeText)
	if err != nil {
		var sendErr *outbox.SendError
		if c.opts.RestoreInputOnFailure && errors.As(err, &sendErr) {
			c.mu.Lock()
			if c.input == "" {
				c.input = sendErr.Content
			}
			c.mu.Unlock()
		}
		return nil, err
	}
	return msg, nil
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Peer() PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// peerIDLocked resolves the other participant from the cached conversation.
func (c *Controller) peerIDLocked() string {
	conv, ok := c.cache.Conversation(c.id)
	if !ok {
		return ""
	}
	return conv.Peer(c.self())
}

// isPeerLocked accepts user as the peer. When the conversation or its
// participants are not cached, any identity other than our own counts.
func (c *Controller) isPeerLocked(user string) bool {
	if user == "" || user == c.self() {
		return false
	}
	conv, ok := c.cache.Conversation(c.id)
	if !ok || len(conv.Participants) == 0 {
		return true
	}
	return conv.HasParticipant(user)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
