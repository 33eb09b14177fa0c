// Package relay defines the transport contract the message engine
// consumes: subscribe with a filter and receive events, publish an event
// and get an ack or failure per relay. Pool implements it over WebSocket
// relay connections; MockTransport implements it for tests.
package relay

import (
	"context"
	"strings"

	"github.com/opd-ai/privdm/event"
)

// RateLimitPrefix is the close-reason marker a relay uses to signal
// throttling. It is the sole out-of-band backpressure signal the engine
// reacts to.
const RateLimitPrefix = "rate-limited:"

// IsRateLimited reports whether any close reason carries the
// rate-limit marker.
func IsRateLimited(reasons []string) bool {
	for _, reason := range reasons {
		if strings.HasPrefix(reason, RateLimitPrefix) {
			return true
		}
	}
	return false
}

// PublishResult is one relay's acknowledgement of a publish.
type PublishResult struct {
	Relay string
	OK    bool
	Err   error
}

// SubscribeCallbacks receive a subscription's lifecycle. OnEvent fires
// per matching event; OnEndOfStored fires once when every relay has
// delivered its stored events; OnClose fires once when the subscription
// is over, with whatever close reasons relays supplied.
type SubscribeCallbacks struct {
	OnEvent       func(ev *event.Event)
	OnEndOfStored func()
	OnClose       func(reasons []string)
}

// Subscription is a live subscription handle.
type Subscription interface {
	// Close ends the subscription. Callbacks stop firing after Close
	// returns, except the final OnClose.
	Close()
}

// Transport is the relay access the engine depends on.
type Transport interface {
	// Subscribe opens one subscription across the given relays.
	Subscribe(relays []string, filter event.Filter, cb SubscribeCallbacks) (Subscription, error)

	// Publish sends a signed event to every relay and reports
	// per-relay acknowledgement.
	Publish(ctx context.Context, relays []string, ev *event.Event) []PublishResult
}
