package relay

import (
	"context"
	"sync"

	"github.com/opd-ai/privdm/event"
)

// MockTransport is a scriptable in-process Transport for tests. Events
// are delivered by the test through the MockSubscription handles; with
// Loopback set, published events are echoed to matching subscriptions,
// which is enough to simulate a full relay round trip.
type MockTransport struct {
	mu        sync.Mutex
	subs      []*MockSubscription
	published []*event.Event

	// OnSubscribe, when set, runs synchronously after each Subscribe
	// registers its subscription. Tests use it to script page replies.
	OnSubscribe func(sub *MockSubscription)

	// PublishErr, when set, fails every publish with this error.
	PublishErr error

	// Loopback echoes published events to matching live subscriptions.
	Loopback bool
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Subscribe registers a MockSubscription and invokes OnSubscribe.
func (t *MockTransport) Subscribe(relays []string, filter event.Filter, cb SubscribeCallbacks) (Subscription, error) {
	sub := &MockSubscription{
		Relays: relays,
		Filter: filter,
		cb:     cb,
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	hook := t.OnSubscribe
	t.mu.Unlock()

	if hook != nil {
		hook(sub)
	}
	return sub, nil
}

// Publish records the event and acks it per relay.
func (t *MockTransport) Publish(ctx context.Context, relays []string, ev *event.Event) []PublishResult {
	t.mu.Lock()
	t.published = append(t.published, ev)
	err := t.PublishErr
	loopback := t.Loopback
	subs := append([]*MockSubscription(nil), t.subs...)
	t.mu.Unlock()

	results := make([]PublishResult, 0, len(relays))
	for _, relay := range relays {
		results = append(results, PublishResult{Relay: relay, OK: err == nil, Err: err})
	}

	if loopback && err == nil {
		for _, sub := range subs {
			if !sub.Closed() && sub.Filter.Matches(ev) {
				sub.Deliver(ev)
			}
		}
	}
	return results
}

// Subscriptions returns every subscription opened so far.
func (t *MockTransport) Subscriptions() []*MockSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*MockSubscription(nil), t.subs...)
}

// LastSubscription returns the most recent subscription, or nil.
func (t *MockTransport) LastSubscription() *MockSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

// Published returns every event published so far.
func (t *MockTransport) Published() []*event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*event.Event(nil), t.published...)
}

// MockSubscription is the test-side handle of one mock subscription.
type MockSubscription struct {
	Relays []string
	Filter event.Filter

	mu     sync.Mutex
	cb     SubscribeCallbacks
	closed bool
}

// Close marks the subscription closed; no further deliveries fire.
func (s *MockSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

// Closed reports whether Close was called.
func (s *MockSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Deliver feeds an event to the subscriber.
func (s *MockSubscription) Deliver(ev *event.Event) {
	s.mu.Lock()
	closed := s.closed
	onEvent := s.cb.OnEvent
	s.mu.Unlock()

	if !closed && onEvent != nil {
		onEvent(ev)
	}
}

// EndOfStored signals that stored events are exhausted.
func (s *MockSubscription) EndOfStored() {
	s.mu.Lock()
	closed := s.closed
	onEnd := s.cb.OnEndOfStored
	s.mu.Unlock()

	if !closed && onEnd != nil {
		onEnd()
	}
}

// CloseWithReasons simulates the relay side closing the subscription.
func (s *MockSubscription) CloseWithReasons(reasons []string) {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	onClose := s.cb.OnClose
	s.mu.Unlock()

	if !closed && onClose != nil {
		onClose(reasons)
	}
}
