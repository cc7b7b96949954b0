package router

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/observability"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/realtime"
)

// Outbound commands are best-effort: when the connection is not up they are
// dropped, never queued, and the call reports false. Callers re-issue what
// they need after reconnecting.

func (r *Router) JoinRoom(ctx context.Context, conversationID string) bool {
	return r.send(ctx, protocol.CmdJoin, protocol.ConversationRef{ConversationID: conversationID})
}

func (r *Router) LeaveRoom(ctx context.Context, conversationID string) bool {
	return r.send(ctx, protocol.CmdLeave, protocol.ConversationRef{ConversationID: conversationID})
}

func (r *Router) StartTyping(ctx context.Context, conversationID string) bool {
	return r.send(ctx, protocol.CmdTypingStart, protocol.ConversationRef{ConversationID: conversationID})
}

func (r *Router) StopTyping(ctx context.Context, conversationID string) bool {
	return r.send(ctx, protocol.CmdTypingStop, protocol.ConversationRef{ConversationID: conversationID})
}

// MarkRead sends one read receipt covering every id in messageIDs.
func (r *Router) MarkRead(ctx context.Context, conversationID string, messageIDs []string) bool {
	if len(messageIDs) == 0 {
		return false
	}
	return r.send(ctx, protocol.CmdMarkRead, protocol.MarkRead{ConversationID: conversationID, MessageIDs: messageIDs})
}

// QueryPresence asks for peerID's online state; the reply arrives as a
// presence.status event.
func (r *Router) QueryPresence(ctx context.Context, peerID, conversationID string) bool {
	return r.send(ctx, protocol.CmdPresenceQuery, protocol.PresenceQuery{ConversationID: conversationID, UserID: peerID})
}

func (r *Router) AnnounceEntered(ctx context.Context, conversationID string) bool {
	return r.send(ctx, protocol.CmdEnter, protocol.ConversationRef{ConversationID: conversationID})
}

func (r *Router) send(ctx context.Context, cmd protocol.Command, payload any) bool {
	err := r.transport.Emit(ctx, cmd, payload)
	observability.IncCommand(string(cmd), err == nil)
	switch {
	case err == nil:
		return true
	case errors.Is(err, realtime.ErrNotConnected):
		r.logger.Debug("command dropped while disconnected", zap.String("command", string(cmd)))
	default:
		r.logger.Warn("command failed", zap.String("command", string(cmd)), zap.Error(err))
	}
	return false
}
