package events

import (
	"testing"
	"time"
)

func TestPublishSubscribeDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: VersionAdded, Crate: "tokio", Version: "1.0.0"})

	select {
	case ev := <-sub:
		if ev.Type != VersionAdded || ev.Crate != "tokio" {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}

	if _, ok := <-sub; ok {
		t.Errorf("expected channel closed after unsubscribe")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe() // never drained

	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: BuildQueued})
	}
	_ = sub
}
