package api

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/outbox"
	"github.com/matheus3301/carchat/internal/realtime"
	"github.com/matheus3301/carchat/internal/status"
)

// EventService streams bus notifications to control clients.
type EventService struct {
	bus *bus.Bus
}

func NewEventService(b *bus.Bus) *EventService {
	return &EventService{bus: b}
}

func (s *EventService) WatchEvents(req *WatchRequest, stream EventSender) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(eventPayload(evt.Payload))
			if err != nil {
				payload = nil
			}
			if err := stream.Send(&Event{
				EventID:          uuid.New().String(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventPayload flattens bus payloads into JSON-friendly maps.
func eventPayload(p any) any {
	switch v := p.(type) {
	case status.Change:
		return map[string]any{"from": v.From, "to": v.To}
	case realtime.Reconnecting:
		return map[string]any{"attempt": v.Attempt, "delayMs": v.Delay.Milliseconds(), "error": errString(v.Err)}
	case realtime.RetriesExhausted:
		return map[string]any{"attempts": v.Attempts, "error": errString(v.Err)}
	case realtime.AuthFailed:
		return map[string]any{"error": errString(v.Err)}
	case *outbox.SendError:
		return map[string]any{
			"conversationId": v.ConversationID,
			"provisionalId":  v.ProvisionalID,
			"content":        v.Content,
			"error":          errString(v.Err),
		}
	case outbox.SendAck:
		return map[string]any{"conversationId": v.ConversationID, "provisionalId": v.ProvisionalID, "messageId": v.MessageID}
	case cache.MessagesUpdated:
		return map[string]any{"conversationId": v.ConversationID, "count": v.Count}
	case error:
		return map[string]any{"error": v.Error()}
	case fmt.Stringer:
		return v.String()
	}
	return p
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
