package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const (
	// DefaultPageSize is the per-page event limit sent to relays.
	DefaultPageSize = 100

	// DefaultCollectTimeout bounds the wait for one page's end-of-stored
	// signal.
	DefaultCollectTimeout = 15 * time.Second
)

// DefaultRetryDelays is the backoff schedule applied when a relay
// rate-limits a page fetch. Its length is the retry budget.
var DefaultRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// errRateLimited marks a page fetch the relay refused for throttling.
var errRateLimited = errors.New("backfill: rate limited")

// Options configures an Engine. Transport, Signer, and Store are
// required.
type Options struct {
	Transport relay.Transport
	Signer    signer.Signer
	Store     store.Store
	Relays    []string

	// Dedup tracks processed wrap ids, shared with the live pipeline
	// so neither path re-decodes the other's work. When nil the engine
	// creates its own.
	Dedup *dedup.Set

	// PageSize overrides DefaultPageSize.
	PageSize int

	// RetryDelays overrides DefaultRetryDelays.
	RetryDelays []time.Duration

	// CollectTimeout overrides DefaultCollectTimeout.
	CollectTimeout time.Duration
}

// Result summarizes one backfill run.
type Result struct {
	// Complete is true when a page came back empty, meaning the relays
	// hold no history older than the last cursor.
	Complete bool

	// Wraps counts gift wraps examined across all pages.
	Wraps int

	// Saved counts messages newly persisted.
	Saved int
}

// Engine pages through stored gift wraps and persists their messages.
type Engine struct {
	transport      relay.Transport
	signer         signer.Signer
	store          store.Store
	relays         []string
	pubKey         string
	dedup          *dedup.Set
	pageSize       int
	retryDelays    []time.Duration
	collectTimeout time.Duration
}

// NewEngine creates a backfill engine for the signer's identity.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("backfill: transport is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("backfill: signer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("backfill: store is required")
	}

	pubKey, err := opts.Signer.PublicKey()
	if err != nil {
		return nil, err
	}

	set := opts.Dedup
	if set == nil {
		set = dedup.NewSet()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	retryDelays := opts.RetryDelays
	if retryDelays == nil {
		retryDelays = DefaultRetryDelays
	}
	collectTimeout := opts.CollectTimeout
	if collectTimeout <= 0 {
		collectTimeout = DefaultCollectTimeout
	}

	return &Engine{
		transport:      opts.Transport,
		signer:         opts.Signer,
		store:          opts.Store,
		relays:         opts.Relays,
		pubKey:         pubKey,
		dedup:          set,
		pageSize:       pageSize,
		retryDelays:    retryDelays,
		collectTimeout: collectTimeout,
	}, nil
}

type pageResult struct {
	events []*event.Event
	err    error
}

// Run pages through history until the relays are exhausted or ctx is
// cancelled. A page whose retry budget runs out stands as best effort
// and the run moves on. An incomplete run returns the progress made so
// far alongside the error; everything persisted stays persisted.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var result Result

	logrus.WithFields(logrus.Fields{
		"function":  "Run",
		"pubkey":    shortID(e.pubKey),
		"page_size": e.pageSize,
	}).Info("backfill started")

	pending := e.startFetch(ctx, 0)
	for {
		var page pageResult
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case page = <-pending:
		}
		if page.err != nil {
			return result, page.err
		}

		if len(page.events) == 0 {
			if err := e.store.SetBackfillComplete(); err != nil {
				return result, err
			}
			result.Complete = true
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"wraps":    result.Wraps,
				"saved":    result.Saved,
			}).Info("backfill complete")
			return result, nil
		}

		// Issue the next fetch before decoding this page; the cursor
		// needs only the timestamps, which are already in hand.
		until := minCreatedAt(page.events) - 1
		pending = e.startFetch(ctx, until)

		for _, wrap := range page.events {
			result.Wraps++
			if e.processWrap(wrap) {
				result.Saved++
			}
		}
	}
}

func (e *Engine) startFetch(ctx context.Context, until int64) <-chan pageResult {
	ch := make(chan pageResult, 1)
	go func() {
		events, err := e.fetchPage(ctx, until)
		ch <- pageResult{events: events, err: err}
	}()
	return ch
}

// fetchPage collects one page, retrying rate-limited fetches through
// the backoff schedule. When the schedule is exhausted the last
// attempt's result is taken as the page, possibly empty. Other
// failures are never retried.
func (e *Engine) fetchPage(ctx context.Context, until int64) ([]*event.Event, error) {
	events, err := e.collectPage(ctx, until)
	for attempt := 0; errors.Is(err, errRateLimited); attempt++ {
		if attempt == len(e.retryDelays) {
			logrus.WithFields(logrus.Fields{
				"function": "fetchPage",
				"events":   len(events),
			}).Warn("retry budget exhausted, keeping best-effort page")
			return events, nil
		}

		delay := e.retryDelays[attempt]
		logrus.WithFields(logrus.Fields{
			"function": "fetchPage",
			"attempt":  attempt + 1,
			"delay":    delay,
		}).Warn("page fetch rate limited, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		events, err = e.collectPage(ctx, until)
	}
	return events, err
}

// collectPage opens one bounded subscription and gathers events until
// end-of-stored. until of zero means newest first with no upper bound.
func (e *Engine) collectPage(ctx context.Context, until int64) ([]*event.Event, error) {
	filter := event.Filter{
		Kinds: []int{event.KindGiftWrap},
		PTags: []string{e.pubKey},
		Until: until,
		Limit: e.pageSize,
	}

	var mu sync.Mutex
	var events []*event.Event
	eose := make(chan struct{}, 1)
	closed := make(chan []string, 1)

	sub, err := e.transport.Subscribe(e.relays, filter, relay.SubscribeCallbacks{
		OnEvent: func(ev *event.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		OnEndOfStored: func() {
			select {
			case eose <- struct{}{}:
			default:
			}
		},
		OnClose: func(reasons []string) {
			select {
			case closed <- reasons:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	snapshot := func() []*event.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*event.Event(nil), events...)
	}
	closeResult := func(reasons []string) ([]*event.Event, error) {
		if relay.IsRateLimited(reasons) {
			// Whatever arrived before the throttle is kept; a retry
			// or the best-effort fallback decides its fate.
			return snapshot(), errRateLimited
		}
		return nil, fmt.Errorf("backfill: subscription closed: %s", strings.Join(reasons, "; "))
	}

	select {
	case <-eose:
		// A close reason can land together with a synthesized
		// end-of-stored; the reason wins, or a throttled page would
		// pass for a completed one.
		select {
		case reasons := <-closed:
			return closeResult(reasons)
		default:
		}
		return snapshot(), nil
	case reasons := <-closed:
		return closeResult(reasons)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.collectTimeout):
		return nil, errors.New("backfill: timed out waiting for stored events")
	}
}

// processWrap runs one wrap through dedup, decode, and persistence,
// reporting whether a new message was saved.
func (e *Engine) processWrap(wrap *event.Event) bool {
	if wrap == nil || !e.dedup.Add(wrap.ID) {
		return false
	}

	result := envelope.UnwrapGiftWrap(e.signer, wrap)
	if !result.Decoded() {
		logrus.WithFields(logrus.Fields{
			"function": "processWrap",
			"wrap_id":  shortID(wrap.ID),
			"reason":   result.Reason,
		}).Debug("skipping undecodable wrap")
		return false
	}

	msg := &store.Message{
		ID:             result.Message.Rumor.ID,
		ConversationID: result.Message.ConversationID,
		SenderPubKey:   result.Message.SenderPubKey,
		Content:        result.Message.Rumor.Content,
		CreatedAt:      result.Message.Rumor.CreatedAt,
		Rumor:          result.Message.Rumor,
		WrapID:         wrap.ID,
	}

	saved, err := e.store.SaveMessage(msg, wrap.CreatedAt)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processWrap",
			"wrap_id":  shortID(wrap.ID),
			"error":    err,
		}).Error("failed to persist message")
		return false
	}
	return saved
}

func minCreatedAt(events []*event.Event) int64 {
	min := events[0].CreatedAt
	for _, ev := range events[1:] {
		if ev.CreatedAt < min {
			min = ev.CreatedAt
		}
	}
	return min
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
