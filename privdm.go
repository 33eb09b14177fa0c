package privdm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/privdm/backfill"
	"github.com/opd-ai/privdm/dedup"
	"github.com/opd-ai/privdm/envelope"
	"github.com/opd-ai/privdm/relay"
	"github.com/opd-ai/privdm/signer"
	"github.com/opd-ai/privdm/store"
	"github.com/opd-ai/privdm/subscription"
)

// OptimisticWrapPrefix marks a locally sent message persisted before
// any relay acknowledged it. The wrap id is synthesized from the
// message id, so the self-addressed copy arriving later deduplicates
// against it.
const OptimisticWrapPrefix = "optimistic-"

// Config assembles a Messenger. Signer, Transport, and Store are
// required.
type Config struct {
	Signer    signer.Signer
	Transport relay.Transport
	Store     store.Store

	// Relays is the default relay set for subscriptions and publishes.
	Relays []string

	// LiveRestartDelay overrides the live pipeline's rate-limit
	// restart delay.
	LiveRestartDelay time.Duration

	// BackfillRetryDelays overrides the backfill backoff schedule.
	BackfillRetryDelays []time.Duration
}

// RecipientResult reports delivery of one recipient's wrap.
type RecipientResult struct {
	PubKey  string
	Results []relay.PublishResult
}

// Published reports whether at least one relay accepted the wrap.
func (r RecipientResult) Published() bool {
	for _, res := range r.Results {
		if res.OK {
			return true
		}
	}
	return false
}

// SendResult summarizes one send: the message's identity plus per-
// recipient relay acknowledgements. The message is already persisted
// locally whatever the relay outcomes.
type SendResult struct {
	MessageID      string
	ConversationID string
	Recipients     []RecipientResult
	SelfCopy       []relay.PublishResult
}

// Messenger is the engine facade: send, follow live, backfill, and
// read the local store, all for one identity.
type Messenger struct {
	signer    signer.Signer
	transport relay.Transport
	store     store.Store
	relays    []string
	pubKey    string
	dedup     *dedup.Set
	live      *subscription.Manager

	backfillOpts backfill.Options

	handlerMu sync.RWMutex
	onMessage func(msg *store.Message)
}

// New wires a Messenger from its dependencies.
func New(cfg Config) (*Messenger, error) {
	if cfg.Signer == nil {
		return nil, errors.New("privdm: signer is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("privdm: transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("privdm: store is required")
	}

	pubKey, err := cfg.Signer.PublicKey()
	if err != nil {
		return nil, err
	}

	m := &Messenger{
		signer:    cfg.Signer,
		transport: cfg.Transport,
		store:     cfg.Store,
		relays:    cfg.Relays,
		pubKey:    pubKey,
		dedup:     dedup.NewSet(),
	}

	m.live, err = subscription.NewManager(subscription.Options{
		Transport:    cfg.Transport,
		Signer:       cfg.Signer,
		Store:        cfg.Store,
		Relays:       cfg.Relays,
		Dedup:        m.dedup,
		RestartDelay: cfg.LiveRestartDelay,
		OnMessage:    m.dispatch,
	})
	if err != nil {
		return nil, err
	}

	m.backfillOpts = backfill.Options{
		Transport:   cfg.Transport,
		Signer:      cfg.Signer,
		Store:       cfg.Store,
		Relays:      cfg.Relays,
		Dedup:       m.dedup,
		RetryDelays: cfg.BackfillRetryDelays,
	}

	return m, nil
}

// PublicKey returns the local identity's public key in hex.
func (m *Messenger) PublicKey() string {
	return m.pubKey
}

// OnMessage registers the handler invoked for every newly stored
// incoming message. A nil handler unregisters.
func (m *Messenger) OnMessage(handler func(msg *store.Message)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	m.onMessage = handler
}

func (m *Messenger) dispatch(msg *store.Message) {
	m.handlerMu.RLock()
	handler := m.onMessage
	m.handlerMu.RUnlock()

	if handler != nil {
		handler(msg)
	}
}

// SendMessage encrypts message for every recipient and publishes the
// wraps. See SendMessageWithOptions.
func (m *Messenger) SendMessage(ctx context.Context, recipients []envelope.Recipient, message string) (*SendResult, error) {
	return m.SendMessageWithOptions(ctx, recipients, message, nil)
}

// SendMessageWithOptions sends with threading or subject options. The
// message is persisted locally before any publish, so a send that
// reaches no relay still shows in local history; the self-addressed
// wrap makes it recoverable from relays that did accept it. Publish
// failures are reported per recipient in the result, not as an error.
func (m *Messenger) SendMessageWithOptions(ctx context.Context, recipients []envelope.Recipient, message string, opts *envelope.Options) (*SendResult, error) {
	set, err := envelope.CreateGiftWraps(m.signer, recipients, message, opts)
	if err != nil {
		return nil, err
	}

	rumor := set.Rumor
	conversationID := envelope.ConversationID(rumor)

	msg := &store.Message{
		ID:             rumor.ID,
		ConversationID: conversationID,
		SenderPubKey:   m.pubKey,
		Content:        rumor.Content,
		CreatedAt:      rumor.CreatedAt,
		Rumor:          rumor,
		WrapID:         OptimisticWrapPrefix + rumor.ID,
	}
	if _, err := m.store.SaveMessage(msg, nowSeconds()); err != nil {
		return nil, err
	}

	// Whatever we send ourselves is read.
	if err := m.store.MarkRead(conversationID, rumor.CreatedAt); err != nil {
		return nil, err
	}

	// The self copy will arrive on the live subscription; its wrap id
	// is claimed now so the pipeline skips the decode.
	m.dedup.Add(set.SelfWrap.ID)

	result := &SendResult{
		MessageID:      rumor.ID,
		ConversationID: conversationID,
		Recipients:     make([]RecipientResult, 0, len(recipients)),
	}

	for i, recipient := range recipients {
		targets := m.relays
		if recipient.RelayHint != "" {
			targets = append(append([]string(nil), m.relays...), recipient.RelayHint)
		}
		result.Recipients = append(result.Recipients, RecipientResult{
			PubKey:  recipient.PubKey,
			Results: m.transport.Publish(ctx, targets, set.Wraps[i]),
		})
	}
	result.SelfCopy = m.transport.Publish(ctx, m.relays, set.SelfWrap)

	logrus.WithFields(logrus.Fields{
		"function":     "SendMessage",
		"message_id":   shortID(rumor.ID),
		"conversation": conversationID,
		"recipients":   len(recipients),
	}).Info("message sent")

	return result, nil
}

// StartLive opens the live subscription for incoming wraps.
func (m *Messenger) StartLive() error {
	return m.live.Start()
}

// StopLive closes the live subscription and discards its in-memory
// pipeline state.
func (m *Messenger) StopLive() {
	m.live.Stop()
}

// LiveState reports the live pipeline's lifecycle phase.
func (m *Messenger) LiveState() subscription.State {
	return m.live.State()
}

// Backfill fetches stored history until exhausted or interrupted. Safe
// to run alongside the live subscription; the shared duplicate tracker
// and the store keep the two paths from double-writing.
func (m *Messenger) Backfill(ctx context.Context) (backfill.Result, error) {
	engine, err := backfill.NewEngine(m.backfillOpts)
	if err != nil {
		return backfill.Result{}, err
	}
	return engine.Run(ctx)
}

// ShouldBackfill reports whether a backfill run is due: one has never
// completed, or the last completion is older than maxAge.
func (m *Messenger) ShouldBackfill(maxAge time.Duration) (bool, error) {
	status, err := m.store.BackfillStatus()
	if err != nil {
		return false, err
	}
	if !status.Complete {
		return true, nil
	}
	return time.Since(time.Unix(status.CompletedAt, 0)) > maxAge, nil
}

// Conversations lists stored conversations, most recent first.
func (m *Messenger) Conversations() ([]*store.Conversation, error) {
	return m.store.LoadConversations()
}

// Messages lists a conversation's messages, oldest first.
func (m *Messenger) Messages(conversationID string) ([]*store.Message, error) {
	return m.store.LoadMessages(conversationID)
}

// MarkRead advances a conversation's last-read timestamp.
func (m *Messenger) MarkRead(conversationID string, timestamp int64) error {
	return m.store.MarkRead(conversationID, timestamp)
}

// ReadState returns the read-state map for every conversation.
func (m *Messenger) ReadState() (store.ReadStateMap, error) {
	return m.store.ReadState()
}

// MergeReadState reconciles a read-state copy from another device.
func (m *Messenger) MergeReadState(remote store.ReadStateMap) (store.ReadStateMap, error) {
	return m.store.MergeReadState(remote)
}

// Clear wipes all local message data and stops the live pipeline.
func (m *Messenger) Clear() error {
	m.live.Stop()
	return m.store.Clear()
}

func nowSeconds() int64 {
	return time.Now().Unix()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
