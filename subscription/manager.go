package subscription

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/privdm/dedup"
	"github.com/opd-ai/privdm/envelope"
	"github.com/opd-ai/privdm/event"
	"github.com/opd-ai/privdm/relay"
	"github.com/opd-ai/privdm/signer"
	"github.com/opd-ai/privdm/store"
)

// DefaultRestartDelay is how long the manager waits before
// resubscribing after a rate-limited close.
const DefaultRestartDelay = 5 * time.Second

// State is the manager's lifecycle phase.
type State int

const (
	// StateIdle means no subscription is open and no restart is pending.
	StateIdle State = iota
	// StateRunning means the subscription is live or being restarted.
	StateRunning
	// StateStopped means Stop was called; Start may be called again.
	StateStopped
)

// Options configures a Manager. Transport, Signer, and Store are
// required; the rest default sensibly.
type Options struct {
	Transport relay.Transport
	Signer    signer.Signer
	Store     store.Store
	Relays    []string

	// Dedup tracks processed wrap ids. Sharing one set with the
	// backfill engine keeps the two paths from double-processing;
	// when nil the manager creates its own.
	Dedup *dedup.Set

	// OnMessage fires for every newly persisted message, in arrival
	// order. It runs on the drain goroutine.
	OnMessage func(msg *store.Message)

	// RestartDelay overrides DefaultRestartDelay.
	RestartDelay time.Duration
}

// Manager owns the standing gift-wrap subscription for one identity.
type Manager struct {
	mutex     sync.Mutex
	transport relay.Transport
	signer    signer.Signer
	store     store.Store
	relays    []string
	pubKey    string
	dedup     *dedup.Set
	onMessage func(msg *store.Message)
	delay     time.Duration

	state        State
	sub          relay.Subscription
	queue        []*event.Event
	draining     bool
	restartTimer *time.Timer
	// generation invalidates callbacks from a superseded subscription.
	generation uint64
}

// NewManager creates a live pipeline manager for the signer's identity.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("subscription: transport is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("subscription: signer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("subscription: store is required")
	}

	pubKey, err := opts.Signer.PublicKey()
	if err != nil {
		return nil, err
	}

	set := opts.Dedup
	if set == nil {
		set = dedup.NewSet()
	}
	delay := opts.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}

	return &Manager{
		transport: opts.Transport,
		signer:    opts.Signer,
		store:     opts.Store,
		relays:    opts.Relays,
		pubKey:    pubKey,
		dedup:     set,
		onMessage: opts.OnMessage,
		delay:     delay,
	}, nil
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.state
}

// Start seeds the duplicate tracker from the store, derives the
// subscription window from the newest stored wrap, and opens the
// subscription. Starting a running manager is a no-op.
func (m *Manager) Start() error {
	m.mutex.Lock()
	if m.state == StateRunning {
		m.mutex.Unlock()
		return nil
	}
	m.state = StateRunning
	m.mutex.Unlock()

	known, err := m.store.WrapIDs()
	if err != nil {
		m.setState(StateIdle)
		return err
	}
	m.dedup.Seed(known)

	var since int64
	if s, ok, err := m.store.SinceTimestamp(); err != nil {
		m.setState(StateIdle)
		return err
	} else if ok {
		since = s
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"pubkey":   shortID(m.pubKey),
		"since":    since,
		"known":    len(known),
	}).Info("opening live subscription")

	return m.subscribe(since)
}

// Stop closes the subscription and discards all pipeline state,
// including the duplicate tracker and any queued events. The store is
// untouched; a later Start reseeds from it.
func (m *Manager) Stop() {
	m.mutex.Lock()
	m.generation++
	sub := m.sub
	m.sub = nil
	timer := m.restartTimer
	m.restartTimer = nil
	m.queue = nil
	m.state = StateStopped
	m.mutex.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sub != nil {
		sub.Close()
	}
	m.dedup.Clear()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"pubkey":   shortID(m.pubKey),
	}).Info("live subscription stopped")
}

func (m *Manager) setState(s State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.state = s
}

// subscribe opens the wrap subscription. since of zero means unbounded.
func (m *Manager) subscribe(since int64) error {
	filter := event.Filter{
		Kinds: []int{event.KindGiftWrap},
		PTags: []string{m.pubKey},
		Since: since,
	}

	m.mutex.Lock()
	if m.state != StateRunning {
		m.mutex.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	m.mutex.Unlock()

	sub, err := m.transport.Subscribe(m.relays, filter, relay.SubscribeCallbacks{
		OnEvent: func(ev *event.Event) { m.enqueue(gen, ev) },
		OnClose: func(reasons []string) { m.handleClose(gen, reasons) },
	})
	if err != nil {
		m.setState(StateIdle)
		return err
	}

	m.mutex.Lock()
	if m.generation != gen {
		// Stopped while subscribing.
		m.mutex.Unlock()
		sub.Close()
		return nil
	}
	m.sub = sub
	m.mutex.Unlock()
	return nil
}

// enqueue appends an event and kicks off a drain if none is running.
// Events are processed strictly in arrival order by a single goroutine.
func (m *Manager) enqueue(gen uint64, ev *event.Event) {
	m.mutex.Lock()
	if m.generation != gen || m.state != StateRunning {
		m.mutex.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	start := !m.draining
	if start {
		m.draining = true
	}
	m.mutex.Unlock()

	if start {
		go m.drain()
	}
}

func (m *Manager) drain() {
	for {
		m.mutex.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mutex.Unlock()
			return
		}
		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.mutex.Unlock()

		m.process(ev)
	}
}

// process runs one wrap through dedup, decode, and persistence.
// Undecodable wraps are routine on a shared relay and are dropped
// without surfacing an error.
func (m *Manager) process(ev *event.Event) {
	if ev == nil {
		return
	}
	if !m.dedup.Add(ev.ID) {
		return
	}

	result := envelope.UnwrapGiftWrap(m.signer, ev)
	if !result.Decoded() {
		logrus.WithFields(logrus.Fields{
			"function": "process",
			"wrap_id":  shortID(ev.ID),
			"reason":   result.Reason,
		}).Debug("skipping undecodable wrap")
		return
	}

	msg := &store.Message{
		ID:             result.Message.Rumor.ID,
		ConversationID: result.Message.ConversationID,
		SenderPubKey:   result.Message.SenderPubKey,
		Content:        result.Message.Rumor.Content,
		CreatedAt:      result.Message.Rumor.CreatedAt,
		Rumor:          result.Message.Rumor,
		WrapID:         ev.ID,
	}

	saved, err := m.store.SaveMessage(msg, ev.CreatedAt)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "process",
			"wrap_id":  shortID(ev.ID),
			"error":    err,
		}).Error("failed to persist message")
		return
	}
	if !saved {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":     "process",
		"message_id":   shortID(msg.ID),
		"conversation": msg.ConversationID,
	}).Debug("message persisted")

	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

// handleClose reacts to the relay side ending the subscription. A
// rate-limited close schedules a delayed resubscribe with a recomputed
// window; the duplicate tracker is kept so redelivered wraps are
// dropped. Any other close leaves the manager idle.
func (m *Manager) handleClose(gen uint64, reasons []string) {
	m.mutex.Lock()
	if m.generation != gen || m.state != StateRunning {
		m.mutex.Unlock()
		return
	}
	m.sub = nil

	if !relay.IsRateLimited(reasons) {
		m.state = StateIdle
		m.mutex.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleClose",
			"reasons":  reasons,
		}).Warn("subscription closed by relay")
		return
	}

	delay := m.delay
	m.restartTimer = time.AfterFunc(delay, func() { m.restart(gen) })
	m.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleClose",
		"delay":    delay,
	}).Info("rate limited, restart scheduled")
}

// restart resubscribes after a rate-limited close. The window is
// recomputed from the wall clock rather than the store so the retry
// covers everything the closed subscription may have missed.
func (m *Manager) restart(gen uint64) {
	m.mutex.Lock()
	if m.generation != gen || m.state != StateRunning {
		m.mutex.Unlock()
		return
	}
	m.restartTimer = nil
	m.mutex.Unlock()

	since := time.Now().Add(-store.SinceMargin).Unix()
	if err := m.subscribe(since); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restart",
			"error":    err,
		}).Error("failed to resubscribe after rate limit")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
