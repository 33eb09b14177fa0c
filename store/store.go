// Package store defines the persistence contract the message pipelines
// write through: dedup-safe append, conversation aggregation, monotonic
// read-state, and the bookkeeping live subscription and backfill need to
// resume. Any durable keyed store can satisfy it; sqlstore is the
// embedded SQLite implementation and memstore the in-memory one.
package store

import (
	"time"

	"github.com/opd-ai/privdm/envelope"
)

// SinceMargin is subtracted from the newest wrap timestamp when resuming
// a live subscription: the two-day timestamp-randomization window plus a
// one-day safety margin.
const SinceMargin = 3 * 24 * time.Hour

// Message is a decoded direct message as persisted: the rumor's fields
// flattened for querying, plus the originating wrap id.
type Message struct {
	ID             string
	ConversationID string
	SenderPubKey   string
	Content        string
	CreatedAt      int64
	Rumor          *envelope.Rumor
	WrapID         string
}

// Conversation aggregates one thread.
type Conversation struct {
	ID           string
	Participants []string
	LastMessage  *Message
	MessageCount int
}

// BackfillStatus records whether a full history backfill has completed
// and when, so later sessions can decide whether to re-run it.
type BackfillStatus struct {
	Complete    bool
	CompletedAt int64
}

// ReadStateMap maps conversation id to the last-read timestamp.
type ReadStateMap map[string]int64

// Store is the persistence contract. Implementations must make
// SaveMessage's duplicate check atomic per message id: the live pipeline
// and the backfill engine write concurrently and both rely on it.
type Store interface {
	// SaveMessage persists a message unless one with the same id exists.
	// It returns false for duplicates without touching anything. On a
	// fresh insert it atomically updates the owning conversation's
	// participant set and count, advances its most-recent message only
	// if the new timestamp is >= the current one, and records the
	// maximum wrap timestamp seen.
	SaveMessage(msg *Message, wrapCreatedAt int64) (bool, error)

	// LoadConversations returns every conversation, most recent first.
	LoadConversations() ([]*Conversation, error)

	// LoadMessages returns a conversation's messages, oldest first.
	LoadMessages(conversationID string) ([]*Message, error)

	// WrapIDs exports every known wrap id for dedup seeding at startup.
	WrapIDs() (map[string]struct{}, error)

	// SinceTimestamp returns (max wrap timestamp seen) - SinceMargin.
	// ok is false when the store holds no messages.
	SinceTimestamp() (since int64, ok bool, err error)

	// BackfillStatus reports backfill completion bookkeeping.
	BackfillStatus() (BackfillStatus, error)

	// SetBackfillComplete marks backfill complete as of now.
	SetBackfillComplete() error

	// ReadState returns the full read-state map.
	ReadState() (ReadStateMap, error)

	// MarkRead records a last-read timestamp for a conversation. It is
	// monotonic: the write only takes effect if timestamp exceeds the
	// stored value.
	MarkRead(conversationID string, timestamp int64) error

	// MergeReadState reconciles a remote read-state copy: per key the
	// result is max(local, remote). The merged map is returned.
	MergeReadState(remote ReadStateMap) (ReadStateMap, error)

	// Clear wipes everything, never partially. Used on identity switch.
	Clear() error
}
