package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(NewEvent(ConnStateChanged, "test"))

	select {
	case evt := <-ch:
		if evt.Kind != ConnStateChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, ConnStateChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: ConnStateChanged})
	b.Publish(Event{Kind: MessageSendFailed})

	select {
	case evt := <-ch:
		if evt.Kind != MessageSendFailed {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageSendFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: SessionAuthFailed})

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received event after unsubscribe: %v", evt)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("channel not closed after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("session.", 1)
	unsub()
	unsub()
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
