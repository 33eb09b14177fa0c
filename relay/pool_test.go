package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/opd-ai/privdm/crypto"
	"github.com/opd-ai/privdm/event"
)

func signedTestEvent(t *testing.T) *event.Event {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ev, err := event.Finalize(event.Template{
		Kind:      event.KindGiftWrap,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{"p", "someone"}},
		Content:   "ciphertext",
	}, keys)
	require.NoError(t, err)
	return ev
}

// testRelay runs a scripted relay: handle receives the accepted
// connection and the first frame the client sent.
func testRelay(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		handle(ctx, conn, frame)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeFrame(ctx context.Context, conn *websocket.Conn, elems ...interface{}) {
	data, err := json.Marshal(elems)
	if err != nil {
		return
	}
	conn.Write(ctx, websocket.MessageText, data)
}

func TestPoolSubscribeDeliversEventsAndEndOfStored(t *testing.T) {
	ev := signedTestEvent(t)

	url := testRelay(t, func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage) {
		var subID string
		require.NoError(t, json.Unmarshal(first[1], &subID))

		writeFrame(ctx, conn, "EVENT", subID, ev)
		writeFrame(ctx, conn, "EOSE", subID)
		conn.Read(ctx) // hold the connection open until the client closes
	})

	events := make(chan *event.Event, 4)
	eose := make(chan struct{}, 1)

	pool := NewPool()
	sub, err := pool.Subscribe([]string{url}, event.Filter{Kinds: []int{event.KindGiftWrap}}, SubscribeCallbacks{
		OnEvent:       func(ev *event.Event) { events <- ev },
		OnEndOfStored: func() { eose <- struct{}{} },
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case got := <-events:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case <-eose:
	case <-time.After(5 * time.Second):
		t.Fatal("end of stored never signaled")
	}
}

func TestPoolSubscribeDropsInvalidSignatures(t *testing.T) {
	ev := signedTestEvent(t)
	forged := *ev
	forged.Content = "tampered"

	url := testRelay(t, func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage) {
		var subID string
		require.NoError(t, json.Unmarshal(first[1], &subID))

		writeFrame(ctx, conn, "EVENT", subID, &forged)
		writeFrame(ctx, conn, "EVENT", subID, ev)
		writeFrame(ctx, conn, "EOSE", subID)
		conn.Read(ctx)
	})

	events := make(chan *event.Event, 4)
	eose := make(chan struct{}, 1)

	pool := NewPool()
	sub, err := pool.Subscribe([]string{url}, event.Filter{}, SubscribeCallbacks{
		OnEvent:       func(ev *event.Event) { events <- ev },
		OnEndOfStored: func() { eose <- struct{}{} },
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-eose:
	case <-time.After(5 * time.Second):
		t.Fatal("end of stored never signaled")
	}

	require.Len(t, events, 1, "the tampered event must be dropped")
	got := <-events
	assert.Equal(t, ev.ID, got.ID)
}

func TestPoolSubscribeReportsCloseReasons(t *testing.T) {
	url := testRelay(t, func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage) {
		var subID string
		require.NoError(t, json.Unmarshal(first[1], &subID))
		writeFrame(ctx, conn, "CLOSED", subID, RateLimitPrefix+" slow down")
	})

	closed := make(chan []string, 1)

	pool := NewPool()
	sub, err := pool.Subscribe([]string{url}, event.Filter{}, SubscribeCallbacks{
		OnClose: func(reasons []string) { closed <- reasons },
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case reasons := <-closed:
		assert.True(t, IsRateLimited(reasons))
	case <-time.After(5 * time.Second):
		t.Fatal("close never reported")
	}
}

func TestPoolCloseReasonPrecedesSynthesizedEndOfStored(t *testing.T) {
	url := testRelay(t, func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage) {
		var subID string
		require.NoError(t, json.Unmarshal(first[1], &subID))
		writeFrame(ctx, conn, "CLOSED", subID, RateLimitPrefix+" slow down")
	})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	pool := NewPool()
	sub, err := pool.Subscribe([]string{url}, event.Filter{}, SubscribeCallbacks{
		OnEndOfStored: func() {
			mu.Lock()
			order = append(order, "eose")
			mu.Unlock()
			close(done)
		},
		OnClose: func(reasons []string) {
			mu.Lock()
			order = append(order, "close")
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("end of stored never signaled")
	}

	// A subscription ended by CLOSED still settles the end-of-stored
	// accounting, but only after the reasons are observable.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"close", "eose"}, order)
}

func TestPoolPublishAck(t *testing.T) {
	ev := signedTestEvent(t)

	url := testRelay(t, func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage) {
		var published event.Event
		require.NoError(t, json.Unmarshal(first[1], &published))
		writeFrame(ctx, conn, "OK", published.ID, true, "")
	})

	pool := NewPool()
	results := pool.Publish(context.Background(), []string{url}, ev)

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.NoError(t, results[0].Err)
}

func TestPoolPublishRejection(t *testing.T) {
	ev := signedTestEvent(t)

	url := testRelay(t, func(ctx context.Context, conn *websocket.Conn, first []json.RawMessage) {
		var published event.Event
		require.NoError(t, json.Unmarshal(first[1], &published))
		writeFrame(ctx, conn, "OK", published.ID, false, "blocked: spam")
	})

	pool := NewPool()
	results := pool.Publish(context.Background(), []string{url}, ev)

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.ErrorContains(t, results[0].Err, "blocked: spam")
}

func TestPoolPublishUnreachableRelay(t *testing.T) {
	ev := signedTestEvent(t)

	pool := NewPool()
	pool.DialTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results := pool.Publish(ctx, []string{"ws://127.0.0.1:1"}, ev)

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Error(t, results[0].Err)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited([]string{"rate-limited: too fast"}))
	assert.False(t, IsRateLimited([]string{"closed", "error: internal"}))
	assert.False(t, IsRateLimited(nil))
}
