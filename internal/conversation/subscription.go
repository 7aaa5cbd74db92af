package conversation

// subscription.go lets diagnostic consumers observe per-identity event
// streams without touching the delivery path. Subscriptions are in-memory
// only and vanish on restart.

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriptionBufferSize bounds each subscription's backlog; the oldest
// buffered event is dropped on overflow.
const subscriptionBufferSize = 100

// SubscribedEvent is one observed event, reduced to the routable facts.
type SubscribedEvent struct {
	IdentityID string    `json:"identity_id"`
	RoomID     string    `json:"room_id"`
	EventType  string    `json:"event_type"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Subscription is one consumer's filtered view. Empty Rooms or EventTypes
// mean "all".
type Subscription struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Rooms      []string  `json:"rooms,omitempty"`
	EventTypes []string  `json:"event_types,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	mu         sync.Mutex
	eventCount int
	buffer     []SubscribedEvent
}

// matches reports whether the subscription wants this event.
func (s *Subscription) matches(evt SubscribedEvent) bool {
	if s.IdentityID != "" && s.IdentityID != evt.IdentityID {
		return false
	}
	if len(s.Rooms) > 0 && !slices.Contains(s.Rooms, evt.RoomID) {
		return false
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, evt.EventType) {
		return false
	}
	return true
}

func (s *Subscription) push(evt SubscribedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCount++
	if len(s.buffer) >= subscriptionBufferSize {
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, evt)
}

// Drain returns and clears the buffered events.
func (s *Subscription) Drain() []SubscribedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	return out
}

// EventCount returns the total number of matched events, including dropped
// ones.
func (s *Subscription) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}

// Subscriptions is the registry.
type Subscriptions struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewSubscriptions creates an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new filtered consumer and returns it.
func (r *Subscriptions) Subscribe(identityID string, rooms, eventTypes []string) *Subscription {
	sub := &Subscription{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Rooms:      rooms,
		EventTypes: eventTypes,
		CreatedAt:  time.Now(),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

// Get returns a live subscription by id.
func (r *Subscriptions) Get(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// Unsubscribe removes a subscription; unknown ids are a no-op.
func (r *Subscriptions) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Publish fans the event out to every matching subscription.
func (r *Subscriptions) Publish(evt SubscribedEvent) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(evt) {
			sub.push(evt)
		}
	}
}

// Len returns the number of live subscriptions.
func (r *Subscriptions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
