package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/opd-ai/privdm/event"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second
	// maxFrameSize bounds a single relay frame (events are small; this
	// leaves room for batched stored-event bursts).
	maxFrameSize = 512 * 1024
)

// Pool is a Transport over WebSocket relay connections, speaking the
// relay protocol: REQ/CLOSE upstream, EVENT/EOSE/CLOSED/OK downstream.
// Each Subscribe or Publish call dials its own connections; connection
// reuse across calls is the caller's concern.
type Pool struct {
	// DialTimeout bounds each relay dial. Zero means the default.
	DialTimeout time.Duration
}

var _ Transport = (*Pool)(nil)

// NewPool creates a Pool with default timeouts.
func NewPool() *Pool {
	return &Pool{DialTimeout: defaultDialTimeout}
}

func (p *Pool) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return defaultDialTimeout
}

type poolSub struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *poolSub) Close() {
	s.once.Do(s.cancel)
}

// Subscribe opens the filter on every relay and streams matching events
// until Close. Events failing signature verification are dropped before
// delivery.
func (p *Pool) Subscribe(relays []string, filter event.Filter, cb SubscribeCallbacks) (Subscription, error) {
	if len(relays) == 0 {
		return nil, errors.New("no relays")
	}

	subID := uuid.NewString()
	req, err := json.Marshal([]interface{}{"REQ", subID, filter})
	if err != nil {
		return nil, fmt.Errorf("encode subscription request: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &poolSub{cancel: cancel}

	st := &subState{
		remaining:   len(relays),
		eosePending: len(relays),
		cb:          cb,
	}
	for _, url := range relays {
		go p.runSubscription(ctx, url, subID, req, st)
	}

	return sub, nil
}

// subState fans the per-connection streams into the caller's callbacks:
// OnEndOfStored once every connection reported end of stored events,
// OnClose once every connection is gone.
type subState struct {
	mu          sync.Mutex
	remaining   int
	eosePending int
	eoseFired   bool
	reasons     []string
	cb          SubscribeCallbacks
}

func (st *subState) event(ev *event.Event) {
	if st.cb.OnEvent != nil {
		st.cb.OnEvent(ev)
	}
}

func (st *subState) endOfStored() {
	st.mu.Lock()
	st.eosePending--
	fire := st.eosePending == 0 && !st.eoseFired
	if fire {
		st.eoseFired = true
	}
	st.mu.Unlock()

	if fire && st.cb.OnEndOfStored != nil {
		st.cb.OnEndOfStored()
	}
}

func (st *subState) connDone(eoseSeen bool, reason string) {
	st.mu.Lock()
	if reason != "" {
		st.reasons = append(st.reasons, reason)
	}
	st.remaining--
	fireClose := st.remaining == 0
	reasons := append([]string(nil), st.reasons...)
	st.mu.Unlock()

	// OnClose must precede the synthesized end-of-stored: a CLOSED
	// subscription is not a completed one, and subscribers check the
	// close reasons before trusting the eose signal.
	if fireClose && st.cb.OnClose != nil {
		st.cb.OnClose(reasons)
	}

	if !eoseSeen {
		st.endOfStored()
	}
}

func (p *Pool) runSubscription(ctx context.Context, url, subID string, req []byte, st *subState) {
	eoseSeen := false
	reason := ""
	defer func() {
		st.connDone(eoseSeen, reason)
	}()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runSubscription",
			"relay":    url,
			"error":    err.Error(),
		}).Warn("relay dial failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameSize)

	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(frame) < 3 || !frameMatchesSub(frame[1], subID) {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				continue
			}
			if !ev.Verify() {
				logrus.WithFields(logrus.Fields{
					"function": "runSubscription",
					"relay":    url,
					"event_id": shortID(ev.ID),
				}).Warn("dropping event with invalid signature")
				continue
			}
			st.event(&ev)

		case "EOSE":
			if frameMatchesSub(frame[1], subID) && !eoseSeen {
				eoseSeen = true
				st.endOfStored()
			}

		case "CLOSED":
			if !frameMatchesSub(frame[1], subID) {
				continue
			}
			if len(frame) >= 3 {
				json.Unmarshal(frame[2], &reason)
			}
			return
		}
	}
}

func frameMatchesSub(raw json.RawMessage, subID string) bool {
	var id string
	return json.Unmarshal(raw, &id) == nil && id == subID
}

// Publish sends the event to every relay concurrently and waits for
// each relay's acknowledgement (or the context deadline).
func (p *Pool) Publish(ctx context.Context, relays []string, ev *event.Event) []PublishResult {
	results := make([]PublishResult, len(relays))

	payload, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		for i, url := range relays {
			results[i] = PublishResult{Relay: url, Err: fmt.Errorf("encode event: %w", err)}
		}
		return results
	}

	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			ok, err := p.publishOne(ctx, url, ev.ID, payload)
			results[i] = PublishResult{Relay: url, OK: ok, Err: err}
		}(i, url)
	}
	wg.Wait()

	return results
}

func (p *Pool) publishOne(ctx context.Context, url, eventID string, payload []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameSize)

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return false, fmt.Errorf("write to %s: %w", url, err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return false, fmt.Errorf("awaiting ack from %s: %w", url, err)
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 3 {
			continue
		}
		var label, ackID string
		if json.Unmarshal(frame[0], &label) != nil || label != "OK" {
			continue
		}
		if json.Unmarshal(frame[1], &ackID) != nil || ackID != eventID {
			continue
		}

		var accepted bool
		json.Unmarshal(frame[2], &accepted)
		if accepted {
			return true, nil
		}

		reason := ""
		if len(frame) >= 4 {
			json.Unmarshal(frame[3], &reason)
		}
		return false, fmt.Errorf("relay %s rejected event: %s", url, reason)
	}
}

// shortID truncates an id for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
