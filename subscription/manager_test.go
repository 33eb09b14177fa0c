package subscription

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/privdm/crypto"
	"github.com/opd-ai/privdm/envelope"
	"github.com/opd-ai/privdm/event"
	"github.com/opd-ai/privdm/relay"
	"github.com/opd-ai/privdm/signer"
	"github.com/opd-ai/privdm/store"
	"github.com/opd-ai/privdm/store/memstore"
)

type testIdentity struct {
	keys   *crypto.KeyPair
	signer *signer.LocalSigner
	pubKey string
}

func newIdentity(t *testing.T) *testIdentity {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sig, err := signer.NewLocalSigner(keys)
	require.NoError(t, err)
	pubKey, err := sig.PublicKey()
	require.NoError(t, err)
	return &testIdentity{keys: keys, signer: sig, pubKey: pubKey}
}

// wrapFor builds a gift wrap from sender to recipient carrying message.
func wrapFor(t *testing.T, sender *testIdentity, recipient *testIdentity, message string) *event.Event {
	t.Helper()
	set, err := envelope.CreateGiftWraps(sender.signer, []envelope.Recipient{{PubKey: recipient.pubKey}}, message, nil)
	require.NoError(t, err)
	require.Len(t, set.Wraps, 1)
	return set.Wraps[0]
}

type managerFixture struct {
	manager   *Manager
	transport *relay.MockTransport
	store     *memstore.MemStore
	messages  chan *store.Message
	bob       *testIdentity
}

func newFixture(t *testing.T, opts Options) *managerFixture {
	t.Helper()
	f := &managerFixture{
		transport: relay.NewMockTransport(),
		store:     memstore.New(),
		messages:  make(chan *store.Message, 64),
		bob:       newIdentity(t),
	}
	opts.Transport = f.transport
	opts.Signer = f.bob.signer
	opts.Store = f.store
	opts.Relays = []string{"wss://relay.test"}
	opts.OnMessage = func(msg *store.Message) { f.messages <- msg }

	manager, err := NewManager(opts)
	require.NoError(t, err)
	f.manager = manager
	t.Cleanup(manager.Stop)
	return f
}

func (f *managerFixture) waitMessage(t *testing.T) *store.Message {
	t.Helper()
	select {
	case msg := <-f.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived")
		return nil
	}
}

func (f *managerFixture) expectNoMessage(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.messages:
		t.Fatalf("unexpected message %q", msg.Content)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManagerDeliversInArrivalOrder(t *testing.T) {
	f := newFixture(t, Options{})
	alice := newIdentity(t)

	require.NoError(t, f.manager.Start())
	assert.Equal(t, StateRunning, f.manager.State())

	sub := f.transport.LastSubscription()
	require.NotNil(t, sub)
	assert.Equal(t, []int{event.KindGiftWrap}, sub.Filter.Kinds)
	assert.Equal(t, []string{f.bob.pubKey}, sub.Filter.PTags)

	const n = 5
	for i := 0; i < n; i++ {
		sub.Deliver(wrapFor(t, alice, f.bob, fmt.Sprintf("message %d", i)))
	}

	for i := 0; i < n; i++ {
		msg := f.waitMessage(t)
		assert.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
		assert.Equal(t, alice.pubKey, msg.SenderPubKey)
	}
}

func TestManagerDropsDuplicateWraps(t *testing.T) {
	f := newFixture(t, Options{})
	alice := newIdentity(t)

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()

	wrap := wrapFor(t, alice, f.bob, "hello")
	sub.Deliver(wrap)
	f.waitMessage(t)

	sub.Deliver(wrap)
	f.expectNoMessage(t)

	msgs, err := f.store.LoadMessages(f.waitStoreConversation(t))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func (f *managerFixture) waitStoreConversation(t *testing.T) string {
	t.Helper()
	convs, err := f.store.LoadConversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	return convs[0].ID
}

func TestManagerSwallowsUndecodableWraps(t *testing.T) {
	f := newFixture(t, Options{})
	alice := newIdentity(t)
	carol := newIdentity(t)

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()

	// Addressed to someone else entirely; decode fails at the wrap layer.
	sub.Deliver(wrapFor(t, alice, carol, "not for bob"))
	f.expectNoMessage(t)

	sub.Deliver(wrapFor(t, alice, f.bob, "for bob"))
	msg := f.waitMessage(t)
	assert.Equal(t, "for bob", msg.Content)
}

func TestManagerSeedsDedupFromStore(t *testing.T) {
	f := newFixture(t, Options{})
	alice := newIdentity(t)

	wrap := wrapFor(t, alice, f.bob, "already stored")
	saved, err := f.store.SaveMessage(&store.Message{
		ID:             "rumor-1",
		ConversationID: "conv",
		SenderPubKey:   alice.pubKey,
		Content:        "already stored",
		CreatedAt:      time.Now().Unix(),
		WrapID:         wrap.ID,
	}, wrap.CreatedAt)
	require.NoError(t, err)
	require.True(t, saved)

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()

	// Seeded from the store, so a relay redelivery is ignored.
	sub.Deliver(wrap)
	f.expectNoMessage(t)
}

func TestManagerStartUsesStoredSinceWindow(t *testing.T) {
	f := newFixture(t, Options{})

	wrapCreatedAt := time.Now().Unix()
	_, err := f.store.SaveMessage(&store.Message{
		ID:             "rumor-1",
		ConversationID: "conv",
		SenderPubKey:   "alice",
		Content:        "x",
		CreatedAt:      wrapCreatedAt,
		WrapID:         "wrap-1",
	}, wrapCreatedAt)
	require.NoError(t, err)

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()
	assert.Equal(t, wrapCreatedAt-int64(store.SinceMargin/time.Second), sub.Filter.Since)
}

func TestManagerStartEmptyStoreUnboundedWindow(t *testing.T) {
	f := newFixture(t, Options{})

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()
	assert.Zero(t, sub.Filter.Since)
}

func TestManagerStopClearsPipelineState(t *testing.T) {
	f := newFixture(t, Options{})
	alice := newIdentity(t)

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()
	wrap := wrapFor(t, alice, f.bob, "before stop")
	sub.Deliver(wrap)
	f.waitMessage(t)

	f.manager.Stop()
	assert.Equal(t, StateStopped, f.manager.State())
	assert.True(t, sub.Closed())

	// After a fresh start the dedup set is reseeded from the store,
	// so the stored wrap is still ignored.
	require.NoError(t, f.manager.Start())
	next := f.transport.LastSubscription()
	next.Deliver(wrap)
	f.expectNoMessage(t)
}

func TestManagerRestartsAfterRateLimitedClose(t *testing.T) {
	f := newFixture(t, Options{RestartDelay: 50 * time.Millisecond})
	alice := newIdentity(t)

	require.NoError(t, f.manager.Start())
	first := f.transport.LastSubscription()

	wrap := wrapFor(t, alice, f.bob, "before limit")
	first.Deliver(wrap)
	f.waitMessage(t)

	first.CloseWithReasons([]string{relay.RateLimitPrefix + " slow down"})

	require.Eventually(t, func() bool {
		return len(f.transport.Subscriptions()) == 2
	}, 5*time.Second, 10*time.Millisecond, "manager never resubscribed")

	second := f.transport.LastSubscription()
	require.NotSame(t, first, second)

	// The window is recomputed from the wall clock.
	now := time.Now().Unix()
	margin := int64(store.SinceMargin / time.Second)
	assert.InDelta(t, now-margin, second.Filter.Since, 10)

	// The dedup set survives the restart, so a redelivered wrap from
	// the retried window is dropped.
	second.Deliver(wrap)
	f.expectNoMessage(t)

	second.Deliver(wrapFor(t, alice, f.bob, "after restart"))
	msg := f.waitMessage(t)
	assert.Equal(t, "after restart", msg.Content)
	assert.Equal(t, StateRunning, f.manager.State())
}

func TestManagerNonRateLimitCloseGoesIdle(t *testing.T) {
	f := newFixture(t, Options{RestartDelay: 50 * time.Millisecond})

	require.NoError(t, f.manager.Start())
	sub := f.transport.LastSubscription()
	sub.CloseWithReasons([]string{"error: shutting down"})

	require.Eventually(t, func() bool {
		return f.manager.State() == StateIdle
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.transport.Subscriptions(), 1, "no restart without the rate-limit marker")
}

func TestNewManagerValidation(t *testing.T) {
	bob := newIdentity(t)
	st := memstore.New()
	transport := relay.NewMockTransport()

	_, err := NewManager(Options{Signer: bob.signer, Store: st})
	assert.Error(t, err)

	_, err = NewManager(Options{Transport: transport, Store: st})
	assert.Error(t, err)

	_, err = NewManager(Options{Transport: transport, Signer: bob.signer})
	assert.Error(t, err)
}
