// Package store provides SQLite-backed persistence for conversations,
// messages, threat sessions, durable idempotency flags and generated
// report documents. Messages are append-only; conversation metadata is
// updated in place. Writes that fail are surfaced to the caller so the
// UI can show a transient error and the user can resend.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Payload is the structured body of a message. User turns carry only
// ResponseText; assistant turns additionally carry the extraction flags and
// the evidence snapshot at the time of the reply.
type Payload struct {
	ResponseText            string            `json:"responseText"`
	ThreatDetected          bool              `json:"threatDetected"`
	HasEnoughEvidence       bool              `json:"hasEnoughEvidence"`
	EvidenceSnapshot        map[string]string `json:"evidenceSnapshot,omitempty"`
	ProtectionPlanGenerated bool              `json:"protectionPlanGenerated,omitempty"`
}

// Message is a single chat turn. Immutable once written.
type Message struct {
	ID             string
	ConversationID string
	OwnerID        string
	Sender         Sender
	Payload        Payload
	Images         []string
	CreatedAt      time.Time
}

// Conversation is the per-thread metadata row.
type Conversation struct {
	ID           string
	OwnerID      string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// ThreatSession is the durable cross-session record of a detected threat.
// One row per conversation; a new incident supersedes the previous row.
type ThreatSession struct {
	ConversationID          string
	DetectedAt              time.Time
	ProtectionPlanGenerated bool
	FollowUpSent            bool
}

// Report is a persisted generated document.
type Report struct {
	ID             string
	ConversationID string
	Kind           string
	Content        string
	CreatedAt      time.Time
}

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	convSubs    map[string][]func()
	messageSubs map[string][]func()
}

// Open opens (creating if needed) the database at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{
		db:          db,
		convSubs:    make(map[string][]func()),
		messageSubs: make(map[string][]func()),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			payload TEXT NOT NULL,
			images TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS threat_sessions (
			conversation_id TEXT PRIMARY KEY,
			detected_at_ms INTEGER NOT NULL,
			plan_generated INTEGER NOT NULL DEFAULT 0,
			follow_up_sent INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS flags (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateConversation inserts a new conversation owned by ownerID and returns it.
func (s *Store) CreateConversation(ownerID, title string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, owner_id, title, created_at, updated_at, message_count) VALUES (?,?,?,?,?,0);`,
		c.ID, c.OwnerID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.notifyConversations(ownerID)
	return c, nil
}

// Conversation returns one conversation by id.
func (s *Store) Conversation(id string) (Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, owner_id, title, created_at, updated_at, message_count FROM conversations WHERE id = ?;`, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
		return Conversation{}, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return c, nil
}

// Conversations returns all conversations for an owner, most recently updated first.
func (s *Store) Conversations(ownerID string) ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, title, created_at, updated_at, message_count FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC;`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage persists a message and bumps the conversation metadata.
// The message id and timestamp are assigned here when unset so that the
// write-time timestamp is the total order over the conversation.
func (s *Store) AppendMessage(msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	images := msg.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return Message{}, fmt.Errorf("encode images: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		`INSERT INTO messages (id, conversation_id, owner_id, sender, payload, images, created_at) VALUES (?,?,?,?,?,?,?);`,
		msg.ID, msg.ConversationID, msg.OwnerID, string(msg.Sender), string(payload), string(imagesJSON), msg.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET updated_at = ?, message_count = message_count + 1 WHERE id = ?;`,
		msg.CreatedAt, msg.ConversationID,
	); err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	s.notifyMessages(msg.ConversationID)
	s.notifyConversations(msg.OwnerID)
	return msg, nil
}

// Messages returns all messages of a conversation in write order.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, owner_id, sender, payload, images, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC;`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var sender, payload, images string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &sender, &payload, &images, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = Sender(sender)
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			return nil, fmt.Errorf("decode images of %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutThreatSession upserts the threat session for a conversation. A fresh
// detection replaces the previous incident's row entirely.
func (s *Store) PutThreatSession(ts ThreatSession) error {
	_, err := s.db.Exec(
		`INSERT INTO threat_sessions (conversation_id, detected_at_ms, plan_generated, follow_up_sent)
		 VALUES (?,?,?,?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   detected_at_ms = excluded.detected_at_ms,
		   plan_generated = excluded.plan_generated,
		   follow_up_sent = excluded.follow_up_sent;`,
		ts.ConversationID, ts.DetectedAt.UnixMilli(), boolInt(ts.ProtectionPlanGenerated), boolInt(ts.FollowUpSent),
	)
	if err != nil {
		return fmt.Errorf("put threat session: %w", err)
	}
	return nil
}

// ThreatSession loads the threat session for a conversation. The second
// return value reports whether one exists.
func (s *Store) ThreatSession(conversationID string) (ThreatSession, bool, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, detected_at_ms, plan_generated, follow_up_sent FROM threat_sessions WHERE conversation_id = ?;`,
		conversationID)
	var ts ThreatSession
	var ms int64
	var plan, follow int
	if err := row.Scan(&ts.ConversationID, &ms, &plan, &follow); err != nil {
		if err == sql.ErrNoRows {
			return ThreatSession{}, false, nil
		}
		return ThreatSession{}, false, fmt.Errorf("load threat session: %w", err)
	}
	ts.DetectedAt = time.UnixMilli(ms).UTC()
	ts.ProtectionPlanGenerated = plan != 0
	ts.FollowUpSent = follow != 0
	return ts, true, nil
}

// MarkPlanGenerated sets the plan flag on an existing threat session.
func (s *Store) MarkPlanGenerated(conversationID string) error {
	_, err := s.db.Exec(`UPDATE threat_sessions SET plan_generated = 1 WHERE conversation_id = ?;`, conversationID)
	if err != nil {
		return fmt.Errorf("mark plan generated: %w", err)
	}
	return nil
}

// SetFlag persists a durable per-conversation boolean, keyed name_conversationID.
func (s *Store) SetFlag(name, conversationID string, value bool) error {
	_, err := s.db.Exec(
		`INSERT INTO flags (key, value) VALUES (?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value;`,
		name+"_"+conversationID, boolInt(value),
	)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

// Flag reads a durable per-conversation boolean. Missing flags read false.
func (s *Store) Flag(name, conversationID string) (bool, error) {
	row := s.db.QueryRow(`SELECT value FROM flags WHERE key = ?;`, name+"_"+conversationID)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("read flag %s: %w", name, err)
	}
	return v != 0, nil
}

// SaveReport persists a generated document and returns it with id and timestamp set.
func (s *Store) SaveReport(r Report) (Report, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO reports (id, conversation_id, kind, content, created_at) VALUES (?,?,?,?,?);`,
		r.ID, r.ConversationID, r.Kind, r.Content, r.CreatedAt,
	)
	if err != nil {
		return Report{}, fmt.Errorf("save report: %w", err)
	}
	return r, nil
}

// Reports returns all generated documents for a conversation, oldest first.
func (s *Store) Reports(conversationID string) ([]Report, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, kind, content, created_at FROM reports WHERE conversation_id = ? ORDER BY created_at ASC, id ASC;`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Kind, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SubscribeConversations registers an in-process callback fired after any
// write touching the owner's conversation list. Returns an unsubscribe func.
func (s *Store) SubscribeConversations(ownerID string, fn func()) func() {
	return s.subscribe(s.convSubs, ownerID, fn)
}

// SubscribeMessages registers an in-process callback fired after a message is
// appended to the conversation. Returns an unsubscribe func.
func (s *Store) SubscribeMessages(conversationID string, fn func()) func() {
	return s.subscribe(s.messageSubs, conversationID, fn)
}

func (s *Store) subscribe(m map[string][]func(), key string, fn func()) func() {
	s.mu.Lock()
	m[key] = append(m[key], fn)
	idx := len(m[key]) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		subs := m[key]
		if idx < len(subs) {
			subs[idx] = nil
		}
		s.mu.Unlock()
	}
}

func (s *Store) notifyConversations(ownerID string) { s.notify(s.convSubs, ownerID) }
func (s *Store) notifyMessages(convID string)       { s.notify(s.messageSubs, convID) }

func (s *Store) notify(m map[string][]func(), key string) {
	s.mu.Lock()
	subs := make([]func(), len(m[key]))
	copy(subs, m[key])
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn()
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
