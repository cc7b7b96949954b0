package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/mocks"
	"github.com/matheus3301/carchat/internal/model"
)

func setup(t *testing.T) (*Reconciler, *mocks.APIMock, *cache.Cache, *bus.Bus) {
	t.Helper()
	api := &mocks.APIMock{}
	t.Cleanup(func() { api.AssertExpectations(t) })
	b := bus.New()
	c := cache.New(nil, b, zap.NewNop())
	r := NewReconciler(api, c, b, func() string { return "me" }, zap.NewNop())
	return r, api, c, b
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// Sending "Hello" shows a provisional entry at once and ends with exactly the
// server's message.
func TestSendReplacesProvisionalWithConfirmed(t *testing.T) {
	r, api, c, _ := setup(t)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	api.On("CreateMessage", mock.Anything, "C1", "Hello", model.TypeText).
		Run(func(mock.Arguments) {
			close(inFlight)
			<-release
		}).
		Return(&model.Message{ID: "42", SenderID: "me", Content: "Hello", Type: model.TypeText}, nil).
		Once()

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "C1", "Hello", model.TypeText)
		done <- err
	}()

	<-inFlight
	pending := c.Messages("C1")
	require.Len(t, pending, 1)
	assert.True(t, model.IsProvisional(pending[0].ID), "id %q should be provisional", pending[0].ID)
	assert.Equal(t, "Hello", pending[0].Content)
	assert.Equal(t, "me", pending[0].SenderID)

	close(release)
	require.NoError(t, <-done)

	final := c.Messages("C1")
	require.Len(t, final, 1)
	assert.Equal(t, "42", final[0].ID)
	assert.Equal(t, "Hello", final[0].Content)
	assert.Equal(t, "C1", final[0].ConversationID)
}

// The echo of a sent message may arrive before or after the confirmation;
// either way one copy remains.
func TestSendIdempotentWithInboundEcho(t *testing.T) {
	echo := model.Message{ID: "42", ConversationID: "C1", SenderID: "me", Content: "Hello"}
	insertEcho := func(c *cache.Cache) {
		c.UpdateMessages("C1", func(cur []model.Message) []model.Message {
			out, _ := model.AppendUnique(cur, echo)
			return out
		})
	}

	t.Run("echo before confirmation", func(t *testing.T) {
		r, api, c, _ := setup(t)
		api.On("CreateMessage", mock.Anything, "C1", "Hello", model.TypeText).
			Run(func(mock.Arguments) { insertEcho(c) }).
			Return(&echo, nil).Once()

		_, err := r.Send(context.Background(), "C1", "Hello", model.TypeText)
		require.NoError(t, err)
		assert.Equal(t, []string{"42"}, ids(c.Messages("C1")))
	})

	t.Run("echo after confirmation", func(t *testing.T) {
		r, api, c, _ := setup(t)
		api.On("CreateMessage", mock.Anything, "C1", "Hello", model.TypeText).Return(&echo, nil).Once()

		_, err := r.Send(context.Background(), "C1", "Hello", model.TypeText)
		require.NoError(t, err)
		insertEcho(c)
		assert.Equal(t, []string{"42"}, ids(c.Messages("C1")))
	})
}

func TestSendFailureRestoresPreSendList(t *testing.T) {
	r, api, c, b := setup(t)
	events, unsub := b.Subscribe(bus.MessageSendFailed, 1)
	defer unsub()

	before := []model.Message{{ID: "1", Content: "hi"}, {ID: "2", Content: "is it available?"}}
	c.SetMessages("C1", before)
	apiErr := errors.New("503 service unavailable")
	api.On("CreateMessage", mock.Anything, "C1", "Offer 20k", model.TypeText).Return(nil, apiErr).Once()

	msg, err := r.Send(context.Background(), "C1", "Offer 20k", model.TypeText)
	assert.Nil(t, msg)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, apiErr)
	assert.Equal(t, "Offer 20k", sendErr.Content)
	assert.True(t, model.IsProvisional(sendErr.ProvisionalID))

	assert.Equal(t, before, c.Messages("C1"))

	select {
	case evt := <-events:
		assert.Same(t, sendErr, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed")
	}
}

// Rolling back removes only the provisional entry, so a peer message that
// arrived while the request was in flight is kept.
func TestSendFailureKeepsConcurrentInbound(t *testing.T) {
	r, api, c, _ := setup(t)
	c.SetMessages("C1", []model.Message{{ID: "1"}})
	api.On("CreateMessage", mock.Anything, "C1", "x", model.TypeText).
		Run(func(mock.Arguments) {
			c.UpdateMessages("C1", func(cur []model.Message) []model.Message {
				out, _ := model.AppendUnique(cur, model.Message{ID: "2", SenderID: "peer"})
				return out
			})
		}).
		Return(nil, errors.New("timeout")).Once()

	_, err := r.Send(context.Background(), "C1", "x", model.TypeText)
	require.Error(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(c.Messages("C1")))
}

// countingCreator assigns sequential server ids and holds every call until
// release is closed.
type countingCreator struct {
	mu      sync.Mutex
	next    int
	arrived chan struct{}
	release chan struct{}
}

func (f *countingCreator) CreateMessage(ctx context.Context, conversationID, content string, typ model.MessageType) (*model.Message, error) {
	f.arrived <- struct{}{}
	<-f.release
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &model.Message{ID: fmt.Sprintf("srv-%d", f.next), Content: content}, nil
}

// Two sends of the same text within the same millisecond get distinct
// provisional ids and end as two confirmed messages.
func TestRapidDoubleSendKeepsBothMessages(t *testing.T) {
	api := &countingCreator{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	c := cache.New(nil, nil, nil)
	r := NewReconciler(api, c, nil, func() string { return "me" }, nil)
	fixed := time.UnixMilli(1700000000000)
	r.now = func() time.Time { return fixed }

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Send(context.Background(), "C1", "Hello", model.TypeText)
			assert.NoError(t, err)
		}()
	}
	<-api.arrived
	<-api.arrived

	pending := c.Messages("C1")
	require.Len(t, pending, 2)
	assert.NotEqual(t, pending[0].ID, pending[1].ID)
	assert.True(t, model.IsProvisional(pending[0].ID) && model.IsProvisional(pending[1].ID))

	close(api.release)
	wg.Wait()

	final := c.Messages("C1")
	assert.ElementsMatch(t, []string{"srv-1", "srv-2"}, ids(final))
}

func TestSendUpdatesConversationAndAcks(t *testing.T) {
	r, api, c, b := setup(t)
	acks, unsub := b.Subscribe(bus.MessageSendAck, 1)
	defer unsub()

	c.SetConversation(model.Conversation{ID: "C1", Participants: []string{"me", "seller"}})
	sentAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	api.On("CreateMessage", mock.Anything, "C1", "Hello", model.TypeText).
		Return(&model.Message{ID: "42", Content: "Hello", CreatedAt: sentAt}, nil).Once()

	_, err := r.Send(context.Background(), "C1", "Hello", "")
	require.NoError(t, err)

	conv, ok := c.Conversation("C1")
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "42", conv.LastMessage.ID)
	assert.Equal(t, sentAt, conv.UpdatedAt)

	select {
	case evt := <-acks:
		ack := evt.Payload.(SendAck)
		assert.Equal(t, "42", ack.MessageID)
		assert.True(t, model.IsProvisional(ack.ProvisionalID))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack")
	}
}
