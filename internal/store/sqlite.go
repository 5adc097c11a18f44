// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agents, conversations, messages, waiting list and settings with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			uid         TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			email       TEXT NOT NULL UNIQUE,
			avatar      TEXT,
			auto_assign INTEGER NOT NULL DEFAULT 1,
			status      INTEGER NOT NULL DEFAULT 2,

			CHECK (status IN (1, 2, 3, 4))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL UNIQUE,
			user_id    TEXT NOT NULL,
			user_name  TEXT NOT NULL,
			agent_id   TEXT,
			ended      INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_ended ON conversations(ended);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			room_id         TEXT NOT NULL,
			sender          TEXT,
			recipient       TEXT,
			from_agent      INTEGER NOT NULL DEFAULT 0,
			body            TEXT NOT NULL,
			log_message     INTEGER NOT NULL DEFAULT 0,
			log_type        INTEGER NOT NULL DEFAULT 2,
			unread          INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS waiting_list (
			user_id     TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			wait_count  INTEGER NOT NULL DEFAULT 1,
			enqueued_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_waiting_enqueued ON waiting_list(enqueued_at);

		CREATE TABLE IF NOT EXISTS transfers (
			conversation_id TEXT NOT NULL,
			room_id         TEXT NOT NULL,
			from_agent      TEXT NOT NULL,
			to_agent        TEXT NOT NULL,
			takeover        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_conversation ON transfers(conversation_id);

		CREATE TABLE IF NOT EXISTS settings (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			user_count        INTEGER NOT NULL DEFAULT 5,
			queue_auto_assign INTEGER NOT NULL DEFAULT 1
		);

		INSERT OR IGNORE INTO settings (id, user_count, queue_auto_assign) VALUES (1, 5, 1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// --- Directory ---

const agentColumns = "uid, name, email, avatar, auto_assign, status"

func scanAgent(row *sql.Row) (*AgentProfile, error) {
	var a AgentProfile
	var avatar sql.NullString
	err := row.Scan(&a.UID, &a.Name, &a.Email, &avatar, &a.AutoAssign, &a.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.Avatar = avatar.String
	return &a, nil
}

// GetAgentByID retrieves an agent profile by uid.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, uid string) (*AgentProfile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE uid = ?", uid)
	return scanAgent(row)
}

// GetAgentByEmail retrieves an agent profile by email address.
func (s *SQLiteStore) GetAgentByEmail(ctx context.Context, email string) (*AgentProfile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE email = ?", email)
	return scanAgent(row)
}

// GetAllAvailableAgents returns every agent whose durable status is not offline.
func (s *SQLiteStore) GetAllAvailableAgents(ctx context.Context) ([]*AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE status != ? ORDER BY uid",
		StatusOffline)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentProfile
	for rows.Next() {
		var a AgentProfile
		var avatar sql.NullString
		if err := rows.Scan(&a.UID, &a.Name, &a.Email, &avatar, &a.AutoAssign, &a.Status); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Avatar = avatar.String
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// ChangeStatus persists an agent's availability status.
func (s *SQLiteStore) ChangeStatus(ctx context.Context, uid string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ? WHERE uid = ?", status, uid)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAgent inserts a durable agent record. Used by provisioning tooling and tests.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *AgentProfile) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agents (uid, name, email, avatar, auto_assign, status) VALUES (?, ?, ?, ?, ?, ?)",
		a.UID, a.Name, a.Email, a.Avatar, a.AutoAssign, a.Status)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// --- Conversations ---

// CreateConversation creates a new conversation.
// Returns ErrDuplicateConversation if the room already has one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, room_id, user_id, user_name, agent_id, ended, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.RoomID,
		conv.UserID,
		conv.UserName,
		nullable(conv.AgentID),
		conv.Ended,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "room_id", conv.RoomID)
	return nil
}

// GetConversationDetail retrieves the conversation for a room, joined with
// the assigned agent's display name when one is set.
// Returns ErrNotFound if no conversation exists for the room.
func (s *SQLiteStore) GetConversationDetail(ctx context.Context, roomID, forAgentID string) (*Conversation, error) {
	query := `
		SELECT c.id, c.room_id, c.user_id, c.user_name, c.agent_id, c.ended,
		       c.created_at, c.updated_at, a.name
		FROM conversations c
		LEFT JOIN agents a ON a.uid = c.agent_id
		WHERE c.room_id = ?
	`

	var conv Conversation
	var agentID, agentName sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&conv.ID,
		&conv.RoomID,
		&conv.UserID,
		&conv.UserName,
		&agentID,
		&conv.Ended,
		&createdAtStr,
		&updatedAtStr,
		&agentName,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.AgentID = agentID.String
	conv.AgentName = agentName.String

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// UpdateConversationAgent persists the assigned agent for a conversation.
// An empty agentID releases the conversation back to unassigned.
func (s *SQLiteStore) UpdateConversationAgent(ctx context.Context, conversationID, agentID string) error {
	query := "UPDATE conversations SET agent_id = ?, updated_at = ? WHERE id = ?"
	if agentID != "" {
		query = "UPDATE conversations SET agent_id = ?, ended = 0, updated_at = ? WHERE id = ?"
	}
	res, err := s.db.ExecContext(ctx, query,
		nullable(agentID), time.Now().UTC().Format(time.RFC3339), conversationID)
	if err != nil {
		return fmt.Errorf("updating conversation agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransferConversation records a transfer or takeover.
func (s *SQLiteStore) TransferConversation(ctx context.Context, rec *TransferRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO transfers (conversation_id, room_id, from_agent, to_agent, takeover, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ConversationID, rec.RoomID, rec.FromAgent, rec.ToAgent, rec.Takeover,
		rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

// EndActiveChat marks a conversation as ended. Ending an already-ended
// conversation is a no-op.
func (s *SQLiteStore) EndActiveChat(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET ended = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), conversationID)
	if err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	return nil
}

// MessageConversation appends a chat or log entry to a conversation.
func (s *SQLiteStore) MessageConversation(ctx context.Context, entry *MessageEntry) error {
	query := `
		INSERT INTO messages (id, conversation_id, room_id, sender, recipient, from_agent, body, log_message, log_type, unread, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.ConversationID,
		entry.RoomID,
		nullable(entry.From),
		nullable(entry.To),
		entry.FromAgent,
		entry.Body,
		entry.LogMessage,
		entry.LogType,
		entry.Unread,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// MarkAllRead clears the unread flag on every message an agent has in a conversation.
func (s *SQLiteStore) MarkAllRead(ctx context.Context, conversationID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET unread = 0 WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}

// ListActiveConversations returns every non-ended conversation ordered by creation time.
func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.room_id, c.user_id, c.user_name, c.agent_id, c.ended,
		       c.created_at, c.updated_at, a.name
		FROM conversations c
		LEFT JOIN agents a ON a.uid = c.agent_id
		WHERE c.ended = 0
		ORDER BY c.created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var agentID, agentName sql.NullString
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&conv.ID, &conv.RoomID, &conv.UserID, &conv.UserName,
			&agentID, &conv.Ended, &createdAtStr, &updatedAtStr, &agentName); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conv.AgentID = agentID.String
		conv.AgentName = agentName.String
		conv.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		conv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAtStr)
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// --- Waiting list ---

// Enqueue inserts a waiting-list entry unless the user already has one.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *WaitingEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO waiting_list (user_id, room_id, wait_count, enqueued_at) VALUES (?, ?, ?, ?)",
		entry.UserID, entry.RoomID, entry.WaitCount,
		entry.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting waiting entry: %w", err)
	}
	return nil
}

// Dequeue removes a user's waiting-list entry. Removing an absent entry is a no-op.
func (s *SQLiteStore) Dequeue(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM waiting_list WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting waiting entry: %w", err)
	}
	return nil
}

// ListQueued returns waiting entries in FIFO order.
func (s *SQLiteStore) ListQueued(ctx context.Context) ([]*WaitingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, room_id, wait_count, enqueued_at FROM waiting_list ORDER BY enqueued_at")
	if err != nil {
		return nil, fmt.Errorf("querying waiting list: %w", err)
	}
	defer rows.Close()

	var entries []*WaitingEntry
	for rows.Next() {
		var e WaitingEntry
		var enqueuedAtStr string
		if err := rows.Scan(&e.UserID, &e.RoomID, &e.WaitCount, &enqueuedAtStr); err != nil {
			return nil, fmt.Errorf("scanning waiting entry: %w", err)
		}
		e.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAtStr)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// InWaitingList reports whether the user has a waiting-list entry.
func (s *SQLiteStore) InWaitingList(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM waiting_list WHERE user_id = ?", userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying waiting list: %w", err)
	}
	return true, nil
}

// --- Settings ---

// GetSettings returns the capacity settings row.
func (s *SQLiteStore) GetSettings(ctx context.Context) (*Settings, error) {
	var st Settings
	err := s.db.QueryRowContext(ctx,
		"SELECT user_count, queue_auto_assign FROM settings WHERE id = 1").
		Scan(&st.UserCount, &st.QueueAutoAssign)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	return &st, nil
}

// UpdateSettings replaces the capacity settings. Used by provisioning tooling and tests.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, st *Settings) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE settings SET user_count = ?, queue_auto_assign = ? WHERE id = 1",
		st.UserCount, st.QueueAutoAssign)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	return nil
}

// nullable maps an empty string to NULL so unassigned fields stay NULL in the schema.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
