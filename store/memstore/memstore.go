// Package memstore implements the persistence contract in memory. It
// backs tests and ephemeral sessions where nothing should touch disk.
package memstore

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/privdm/store"
)

// MemStore is an in-memory store.Store.
type MemStore struct {
	mu            sync.Mutex
	messages      map[string]*store.Message
	wrapIDs       map[string]struct{}
	conversations map[string]*store.Conversation
	readState     store.ReadStateMap
	maxWrapTS     int64
	hasWrapTS     bool
	backfill      store.BackfillStatus
}

var _ store.Store = (*MemStore)(nil)

// New creates an empty in-memory store.
func New() *MemStore {
	m := &MemStore{}
	m.reset()
	return m
}

func (m *MemStore) reset() {
	m.messages = make(map[string]*store.Message)
	m.wrapIDs = make(map[string]struct{})
	m.conversations = make(map[string]*store.Conversation)
	m.readState = make(store.ReadStateMap)
	m.maxWrapTS = 0
	m.hasWrapTS = false
	m.backfill = store.BackfillStatus{}
}

// SaveMessage persists a message unless its id is already known.
func (m *MemStore) SaveMessage(msg *store.Message, wrapCreatedAt int64) (bool, error) {
	if msg == nil || msg.ID == "" {
		return false, errors.New("invalid message")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.ID]; ok {
		return false, nil
	}

	stored := *msg
	m.messages[msg.ID] = &stored
	m.wrapIDs[msg.WrapID] = struct{}{}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		m.conversations[msg.ConversationID] = &store.Conversation{
			ID:           msg.ConversationID,
			Participants: strings.Split(msg.ConversationID, "+"),
			LastMessage:  &stored,
			MessageCount: 1,
		}
	} else {
		conv.MessageCount++
		if msg.CreatedAt >= conv.LastMessage.CreatedAt {
			conv.LastMessage = &stored
		}
	}

	if !m.hasWrapTS || wrapCreatedAt > m.maxWrapTS {
		m.maxWrapTS = wrapCreatedAt
		m.hasWrapTS = true
	}

	return true, nil
}

// LoadConversations returns every conversation, most recent first.
func (m *MemStore) LoadConversations() ([]*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversations := make([]*store.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		copied := *conv
		conversations = append(conversations, &copied)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastMessage.CreatedAt > conversations[j].LastMessage.CreatedAt
	})
	return conversations, nil
}

// LoadMessages returns a conversation's messages, oldest first.
func (m *MemStore) LoadMessages(conversationID string) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var messages []*store.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			copied := *msg
			messages = append(messages, &copied)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
	return messages, nil
}

// WrapIDs exports every known wrap id.
func (m *MemStore) WrapIDs() (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{}, len(m.wrapIDs))
	for id := range m.wrapIDs {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// SinceTimestamp returns the resume floor for a live subscription.
func (m *MemStore) SinceTimestamp() (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasWrapTS {
		return 0, false, nil
	}
	return m.maxWrapTS - int64(store.SinceMargin.Seconds()), true, nil
}

// BackfillStatus reports backfill completion bookkeeping.
func (m *MemStore) BackfillStatus() (store.BackfillStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.backfill, nil
}

// SetBackfillComplete marks backfill complete as of now.
func (m *MemStore) SetBackfillComplete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backfill = store.BackfillStatus{Complete: true, CompletedAt: time.Now().Unix()}
	return nil
}

// ReadState returns a copy of the read-state map.
func (m *MemStore) ReadState() (store.ReadStateMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := make(store.ReadStateMap, len(m.readState))
	for id, ts := range m.readState {
		state[id] = ts
	}
	return state, nil
}

// MarkRead records a last-read timestamp; older timestamps are ignored.
func (m *MemStore) MarkRead(conversationID string, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timestamp > m.readState[conversationID] {
		m.readState[conversationID] = timestamp
	}
	return nil
}

// MergeReadState merges a remote copy with max(local, remote) per key.
func (m *MemStore) MergeReadState(remote store.ReadStateMap) (store.ReadStateMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for convID, remoteTs := range remote {
		if remoteTs > m.readState[convID] {
			m.readState[convID] = remoteTs
		}
	}

	merged := make(store.ReadStateMap, len(m.readState))
	for id, ts := range m.readState {
		merged[id] = ts
	}
	return merged, nil
}

// Clear wipes everything.
func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	return nil
}
