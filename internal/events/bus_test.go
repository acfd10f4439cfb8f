package events

import (
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(KindConversationStart, ConversationStart{SubjectID: "s"})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(KindEscalation, Escalation{SubjectID: "phone_+14155550100", Level: 2})

	select {
	case e := <-ch:
		if e.Kind != KindEscalation {
			t.Errorf("Kind = %q, want %q", e.Kind, KindEscalation)
		}
		payload, ok := e.Payload.(Escalation)
		if !ok {
			t.Fatalf("Payload = %T, want Escalation", e.Payload)
		}
		if payload.Level != 2 {
			t.Errorf("Level = %d, want 2", payload.Level)
		}
		if e.Timestamp.IsZero() {
			t.Error("Timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(KindConversationStart, ConversationStart{SubjectID: "s"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Kind != KindConversationStart {
				t.Errorf("subscriber %d: Kind = %q", i, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	full := b.Subscribe(1)
	healthy := b.Subscribe(8)
	defer b.Unsubscribe(full)
	defer b.Unsubscribe(healthy)

	// Fill the slow subscriber's buffer; further publishes drop for it
	// but still reach the healthy one.
	for i := 0; i < 5; i++ {
		b.Publish(KindSweepComplete, SweepComplete{SessionsEnded: i})
	}

	received := 0
	for {
		select {
		case <-healthy:
			received++
			if received == 5 {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("healthy subscriber received %d of 5 events", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after Unsubscribe, want 0", got)
	}

	// Double unsubscribe is a no-op, not a panic.
	b.Unsubscribe(ch)
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	// Must not panic or deliver to the closed channel.
	b.Publish(KindConversationEnd, ConversationEnd{SubjectID: "s"})
}
