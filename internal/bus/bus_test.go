package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSMessage, 10)
	defer unsub()

	b.Emit(MessageSendAck, "c1", "s1")

	select {
	case evt := <-ch:
		if evt.Kind != MessageSendAck || evt.ConversationID != "c1" {
			t.Errorf("got %q/%q, want %s/c1", evt.Kind, evt.ConversationID, MessageSendAck)
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
	ch, unsub := b.Subscribe(NSConnection, 10)
	defer unsub()

	b.Publish(Event{Kind: MessageComposed})
	b.Publish(Event{Kind: ConnectionStatusChanged})

	select {
	case evt := <-ch:
		if evt.Kind != ConnectionStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, ConnectionStatusChanged)
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

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSMessage, 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: MessageComposed})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
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
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestEmitOnNilBus(t *testing.T) {
	var b *Bus
	b.Emit(MessageComposed, "c1", nil)
}
