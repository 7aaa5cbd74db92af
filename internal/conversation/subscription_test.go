package conversation

import (
	"fmt"
	"testing"
	"time"
)

func TestSubscriptionFiltering(t *testing.T) {
	subs := NewSubscriptions()
	roomOnly := subs.Subscribe("letta_agent-1", []string{"!wanted:x"}, nil)
	typeOnly := subs.Subscribe("", nil, []string{"m.room.message"})

	subs.Publish(SubscribedEvent{
		IdentityID: "letta_agent-1",
		RoomID:     "!wanted:x",
		EventType:  "m.room.message",
		ReceivedAt: time.Now(),
	})
	subs.Publish(SubscribedEvent{
		IdentityID: "letta_agent-1",
		RoomID:     "!other:x",
		EventType:  "m.room.member",
		ReceivedAt: time.Now(),
	})

	if got := len(roomOnly.Drain()); got != 1 {
		t.Errorf("room-filtered subscription buffered %d events, want 1", got)
	}
	if got := len(typeOnly.Drain()); got != 1 {
		t.Errorf("type-filtered subscription buffered %d events, want 1", got)
	}
}

func TestSubscriptionDropsOldestOnOverflow(t *testing.T) {
	subs := NewSubscriptions()
	sub := subs.Subscribe("", nil, nil)

	for i := 0; i < subscriptionBufferSize+10; i++ {
		subs.Publish(SubscribedEvent{
			RoomID:    "!room:x",
			EventType: "m.room.message",
			Body:      fmt.Sprintf("msg-%d", i),
		})
	}

	events := sub.Drain()
	if len(events) != subscriptionBufferSize {
		t.Fatalf("buffer holds %d, want %d", len(events), subscriptionBufferSize)
	}
	if events[0].Body != "msg-10" {
		t.Errorf("oldest surviving event = %q, want msg-10", events[0].Body)
	}
	if sub.EventCount() != subscriptionBufferSize+10 {
		t.Errorf("EventCount = %d, want %d", sub.EventCount(), subscriptionBufferSize+10)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	subs := NewSubscriptions()
	sub := subs.Subscribe("", nil, nil)
	subs.Unsubscribe(sub.ID)
	subs.Publish(SubscribedEvent{RoomID: "!room:x"})
	if got := len(sub.Drain()); got != 0 {
		t.Errorf("unsubscribed consumer still received %d events", got)
	}
	if subs.Len() != 0 {
		t.Errorf("registry Len = %d after unsubscribe", subs.Len())
	}
}
