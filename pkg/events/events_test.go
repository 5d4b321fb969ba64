package events

import (
	"testing"
	"time"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	if b.SubscriberCount() != 2 {
		t.Fatalf("subscriber count = %d, want 2", b.SubscriberCount())
	}

	b.Publish(&Event{Type: EventAlertRaised, Message: "cpu high"})

	for i, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			if ev.Type != EventAlertRaised {
				t.Errorf("subscriber %d got %s", i, ev.Type)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestEventCarriesAlertDetail(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{
		Type:  EventAlertRaised,
		Alert: &alerting.Event{Kind: alerting.EventRaised, Alert: &types.Alert{ID: "a-1"}},
	})

	select {
	case ev := <-sub:
		if ev.Alert == nil || ev.Alert.Alert.ID != "a-1" {
			t.Errorf("alert detail = %+v, want alert a-1", ev.Alert)
		}
		if ev.Action != nil {
			t.Error("action detail set on an alert event")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	if _, ok := <-sub; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	// Never read from slow; fill its buffer past capacity
	for i := 0; i < cap(slow)+10; i++ {
		b.Publish(&Event{Type: EventServerOffline})
	}

	// A fresh subscriber still gets new events
	fresh := b.Subscribe()
	b.Publish(&Event{Type: EventServerOnline})
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-fresh:
			if ev.Type == EventServerOnline {
				return
			}
		case <-deadline:
			t.Fatal("publish blocked behind a slow subscriber")
		}
	}
}
