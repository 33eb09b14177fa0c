// Package sqlstore implements the persistence contract on an embedded
// SQLite database.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/privdm/envelope"
	"github.com/opd-ai/privdm/store"
)

const (
	metaLastWrapCreatedAt = "last_wrap_created_at"
	metaBackfillComplete  = "backfill_complete"
	metaBackfillCompleted = "backfill_completed_at"
)

func nowSeconds() int64 {
	return time.Now().Unix()
}

// SQLStore is a store.Store backed by SQLite.
type SQLStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLStore)(nil)

// New opens (or creates) the database at the given path and prepares the
// schema. Use ":memory:" for an ephemeral database.
func New(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors
	// from the two pipeline writers.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"dsn":      dataSourceName,
	}).Debug("message store opened")

	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_pubkey TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		rumor TEXT NOT NULL,
		wrap_id TEXT NOT NULL,
		wrap_created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants TEXT NOT NULL,
		last_message_id TEXT NOT NULL,
		last_created_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS read_state (
		conversation_id TEXT PRIMARY KEY,
		last_read_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SaveMessage persists a message unless its id is already known. The
// duplicate check, the conversation update, and the wrap-timestamp
// bookkeeping commit in one transaction.
func (s *SQLStore) SaveMessage(msg *store.Message, wrapCreatedAt int64) (bool, error) {
	if msg == nil || msg.ID == "" {
		return false, fmt.Errorf("invalid message")
	}

	rumorJSON, err := json.Marshal(msg.Rumor)
	if err != nil {
		return false, fmt.Errorf("serialize rumor: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO messages
			(id, conversation_id, sender_pubkey, content, created_at, rumor, wrap_id, wrap_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderPubKey, msg.Content,
		msg.CreatedAt, string(rumorJSON), msg.WrapID, wrapCreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	if err := s.upsertConversation(tx, msg); err != nil {
		return false, err
	}

	// Track the newest wrap timestamp for the live subscription's since floor.
	if _, err := tx.Exec(`
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE excluded.value > sync_meta.value`,
		metaLastWrapCreatedAt, wrapCreatedAt); err != nil {
		return false, fmt.Errorf("update wrap timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) upsertConversation(tx *sql.Tx, msg *store.Message) error {
	var lastCreatedAt int64
	var count int
	err := tx.QueryRow(
		`SELECT last_created_at, message_count FROM conversations WHERE id = ?`,
		msg.ConversationID).Scan(&lastCreatedAt, &count)

	switch {
	case err == sql.ErrNoRows:
		participants := strings.Split(msg.ConversationID, "+")
		participantsJSON, err := json.Marshal(participants)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO conversations
				(id, participants, last_message_id, last_created_at, message_count)
			VALUES (?, ?, ?, ?, 1)`,
			msg.ConversationID, string(participantsJSON), msg.ID, msg.CreatedAt)
		return err

	case err != nil:
		return fmt.Errorf("load conversation: %w", err)
	}

	if msg.CreatedAt >= lastCreatedAt {
		_, err = tx.Exec(`
			UPDATE conversations
			SET message_count = ?, last_message_id = ?, last_created_at = ?
			WHERE id = ?`,
			count+1, msg.ID, msg.CreatedAt, msg.ConversationID)
	} else {
		// Out-of-order arrival: count it, but never regress the preview.
		_, err = tx.Exec(
			`UPDATE conversations SET message_count = ? WHERE id = ?`,
			count+1, msg.ConversationID)
	}
	return err
}

// LoadConversations returns every conversation, most recent first.
func (s *SQLStore) LoadConversations() ([]*store.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.participants, c.message_count,
		       m.id, m.conversation_id, m.sender_pubkey, m.content, m.created_at, m.rumor, m.wrap_id
		FROM conversations c
		JOIN messages m ON m.id = c.last_message_id
		ORDER BY c.last_created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*store.Conversation
	for rows.Next() {
		conv := &store.Conversation{}
		var participantsJSON string
		msg, dest := scanTargets()
		if err := rows.Scan(append([]interface{}{&conv.ID, &participantsJSON, &conv.MessageCount}, dest...)...); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participantsJSON), &conv.Participants); err != nil {
			return nil, fmt.Errorf("parse participants: %w", err)
		}
		if err := finishMessage(msg); err != nil {
			return nil, err
		}
		conv.LastMessage = msg.Message
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// LoadMessages returns a conversation's messages, oldest first.
func (s *SQLStore) LoadMessages(conversationID string) ([]*store.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_pubkey, content, created_at, rumor, wrap_id
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, dest := scanTargets()
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if err := finishMessage(msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg.Message)
	}
	return messages, rows.Err()
}

// WrapIDs exports every known wrap id.
func (s *SQLStore) WrapIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT wrap_id FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("load wrap ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// SinceTimestamp returns the resume floor for a live subscription.
func (s *SQLStore) SinceTimestamp() (int64, bool, error) {
	var value int64
	err := s.db.QueryRow(
		`SELECT value FROM sync_meta WHERE key = ?`, metaLastWrapCreatedAt).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value - int64(store.SinceMargin.Seconds()), true, nil
}

// BackfillStatus reports whether and when a full backfill completed.
func (s *SQLStore) BackfillStatus() (store.BackfillStatus, error) {
	var status store.BackfillStatus

	var complete int64
	err := s.db.QueryRow(
		`SELECT value FROM sync_meta WHERE key = ?`, metaBackfillComplete).Scan(&complete)
	if err == sql.ErrNoRows {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	status.Complete = complete == 1

	err = s.db.QueryRow(
		`SELECT value FROM sync_meta WHERE key = ?`, metaBackfillCompleted).Scan(&status.CompletedAt)
	if err != nil && err != sql.ErrNoRows {
		return status, err
	}
	return status, nil
}

// SetBackfillComplete marks backfill complete as of now.
func (s *SQLStore) SetBackfillComplete() error {
	now := nowSeconds()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range map[string]int64{
		metaBackfillComplete:  1,
		metaBackfillCompleted: now,
	} {
		if _, err := tx.Exec(`
			INSERT INTO sync_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadState returns the full read-state map.
func (s *SQLStore) ReadState() (store.ReadStateMap, error) {
	rows, err := s.db.Query(`SELECT conversation_id, last_read_at FROM read_state`)
	if err != nil {
		return nil, fmt.Errorf("load read state: %w", err)
	}
	defer rows.Close()

	state := make(store.ReadStateMap)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		state[id] = ts
	}
	return state, rows.Err()
}

// MarkRead records a last-read timestamp; older timestamps are ignored.
func (s *SQLStore) MarkRead(conversationID string, timestamp int64) error {
	_, err := s.db.Exec(`
		INSERT INTO read_state (conversation_id, last_read_at) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET last_read_at = excluded.last_read_at
		WHERE excluded.last_read_at > read_state.last_read_at`,
		conversationID, timestamp)
	return err
}

// MergeReadState merges a remote copy with max(local, remote) per key.
func (s *SQLStore) MergeReadState(remote store.ReadStateMap) (store.ReadStateMap, error) {
	merged, err := s.ReadState()
	if err != nil {
		return nil, err
	}

	for convID, remoteTs := range remote {
		if remoteTs > merged[convID] {
			merged[convID] = remoteTs
			if err := s.MarkRead(convID, remoteTs); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

// Clear wipes all tables in one transaction.
func (s *SQLStore) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "conversations", "sync_meta", "read_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("message store cleared")
	return nil
}

// scannedMessage pairs a Message with the raw rumor column during scans.
type scannedMessage struct {
	Message  *store.Message
	rumorRaw string
}

func scanTargets() (*scannedMessage, []interface{}) {
	msg := &scannedMessage{Message: &store.Message{}}
	dest := []interface{}{
		&msg.Message.ID, &msg.Message.ConversationID, &msg.Message.SenderPubKey,
		&msg.Message.Content, &msg.Message.CreatedAt, &msg.rumorRaw, &msg.Message.WrapID,
	}
	return msg, dest
}

func finishMessage(msg *scannedMessage) error {
	var rumor envelope.Rumor
	if err := json.Unmarshal([]byte(msg.rumorRaw), &rumor); err != nil {
		return fmt.Errorf("parse rumor: %w", err)
	}
	msg.Message.Rumor = &rumor
	return nil
}
