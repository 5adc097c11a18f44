// ABOUTME: PostgreSQL implementation of the Store interface using pgx
// ABOUTME: Drop-in alternative to SQLite for deployments with a shared database

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
// The schema is created if it doesn't exist.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			uid         TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			email       TEXT NOT NULL UNIQUE,
			avatar      TEXT,
			auto_assign BOOLEAN NOT NULL DEFAULT TRUE,
			status      INTEGER NOT NULL DEFAULT 2,

			CHECK (status IN (1, 2, 3, 4))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL UNIQUE,
			user_id    TEXT NOT NULL,
			user_name  TEXT NOT NULL,
			agent_id   TEXT,
			ended      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			room_id         TEXT NOT NULL,
			sender          TEXT,
			recipient       TEXT,
			from_agent      BOOLEAN NOT NULL DEFAULT FALSE,
			body            TEXT NOT NULL,
			log_message     BOOLEAN NOT NULL DEFAULT FALSE,
			log_type        INTEGER NOT NULL DEFAULT 2,
			unread          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS waiting_list (
			user_id     TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			wait_count  INTEGER NOT NULL DEFAULT 1,
			enqueued_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transfers (
			conversation_id TEXT NOT NULL,
			room_id         TEXT NOT NULL,
			from_agent      TEXT NOT NULL,
			to_agent        TEXT NOT NULL,
			takeover        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			user_count        INTEGER NOT NULL DEFAULT 5,
			queue_auto_assign BOOLEAN NOT NULL DEFAULT TRUE
		);

		INSERT INTO settings (id, user_count, queue_auto_assign)
			VALUES (1, 5, TRUE) ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgAgentColumns = "uid, name, email, COALESCE(avatar, ''), auto_assign, status"

// GetAgentByID retrieves an agent profile by uid.
func (s *PostgresStore) GetAgentByID(ctx context.Context, uid string) (*AgentProfile, error) {
	var a AgentProfile
	err := s.pool.QueryRow(ctx,
		"SELECT "+pgAgentColumns+" FROM agents WHERE uid = $1", uid).
		Scan(&a.UID, &a.Name, &a.Email, &a.Avatar, &a.AutoAssign, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return &a, nil
}

// GetAgentByEmail retrieves an agent profile by email.
func (s *PostgresStore) GetAgentByEmail(ctx context.Context, email string) (*AgentProfile, error) {
	var a AgentProfile
	err := s.pool.QueryRow(ctx,
		"SELECT "+pgAgentColumns+" FROM agents WHERE email = $1", email).
		Scan(&a.UID, &a.Name, &a.Email, &a.Avatar, &a.AutoAssign, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return &a, nil
}

// GetAllAvailableAgents returns agents whose durable status is not offline.
func (s *PostgresStore) GetAllAvailableAgents(ctx context.Context) ([]*AgentProfile, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgAgentColumns+" FROM agents WHERE status != $1 ORDER BY uid",
		StatusOffline)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentProfile
	for rows.Next() {
		var a AgentProfile
		if err := rows.Scan(&a.UID, &a.Name, &a.Email, &a.Avatar, &a.AutoAssign, &a.Status); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// ChangeStatus persists an agent's availability status.
func (s *PostgresStore) ChangeStatus(ctx context.Context, uid string, status Status) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE agents SET status = $1 WHERE uid = $2", status, uid)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation creates a new conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, room_id, user_id, user_name, agent_id, ended, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`, conv.ID, conv.RoomID, conv.UserID, conv.UserName, conv.AgentID, conv.Ended,
		conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversationDetail retrieves the conversation for a room.
func (s *PostgresStore) GetConversationDetail(ctx context.Context, roomID, forAgentID string) (*Conversation, error) {
	var conv Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.room_id, c.user_id, c.user_name, COALESCE(c.agent_id, ''),
		       c.ended, c.created_at, c.updated_at, COALESCE(a.name, '')
		FROM conversations c
		LEFT JOIN agents a ON a.uid = c.agent_id
		WHERE c.room_id = $1
	`, roomID).Scan(&conv.ID, &conv.RoomID, &conv.UserID, &conv.UserName,
		&conv.AgentID, &conv.Ended, &conv.CreatedAt, &conv.UpdatedAt, &conv.AgentName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversationAgent persists the assigned agent for a conversation.
func (s *PostgresStore) UpdateConversationAgent(ctx context.Context, conversationID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE conversations SET agent_id = NULLIF($1, ''), ended = CASE WHEN $1 <> '' THEN FALSE ELSE ended END, updated_at = $2 WHERE id = $3",
		agentID, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("updating conversation agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransferConversation records a transfer or takeover.
func (s *PostgresStore) TransferConversation(ctx context.Context, rec *TransferRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfers (conversation_id, room_id, from_agent, to_agent, takeover, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ConversationID, rec.RoomID, rec.FromAgent, rec.ToAgent, rec.Takeover, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

// EndActiveChat marks a conversation as ended.
func (s *PostgresStore) EndActiveChat(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE conversations SET ended = TRUE, updated_at = $1 WHERE id = $2",
		time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	return nil
}

// MessageConversation appends a chat or log entry to a conversation.
func (s *PostgresStore) MessageConversation(ctx context.Context, entry *MessageEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, room_id, sender, recipient, from_agent, body, log_message, log_type, unread, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.ConversationID, entry.RoomID, entry.From, entry.To,
		entry.FromAgent, entry.Body, entry.LogMessage, entry.LogType, entry.Unread,
		entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// MarkAllRead clears the unread flag on a conversation's messages.
func (s *PostgresStore) MarkAllRead(ctx context.Context, conversationID, agentID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE messages SET unread = FALSE WHERE conversation_id = $1", conversationID)
	if err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}

// ListActiveConversations returns every non-ended conversation ordered by creation time.
func (s *PostgresStore) ListActiveConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.room_id, c.user_id, c.user_name, COALESCE(c.agent_id, ''),
		       c.ended, c.created_at, c.updated_at, COALESCE(a.name, '')
		FROM conversations c
		LEFT JOIN agents a ON a.uid = c.agent_id
		WHERE c.ended = FALSE
		ORDER BY c.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.RoomID, &conv.UserID, &conv.UserName,
			&conv.AgentID, &conv.Ended, &conv.CreatedAt, &conv.UpdatedAt, &conv.AgentName); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// Enqueue inserts a waiting entry unless the user already has one.
func (s *PostgresStore) Enqueue(ctx context.Context, entry *WaitingEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO waiting_list (user_id, room_id, wait_count, enqueued_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (user_id) DO NOTHING
	`, entry.UserID, entry.RoomID, entry.WaitCount, entry.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting waiting entry: %w", err)
	}
	return nil
}

// Dequeue removes a user's waiting entry.
func (s *PostgresStore) Dequeue(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM waiting_list WHERE user_id = $1", userID)
	if err != nil {
		return fmt.Errorf("deleting waiting entry: %w", err)
	}
	return nil
}

// ListQueued returns waiting entries in FIFO order.
func (s *PostgresStore) ListQueued(ctx context.Context) ([]*WaitingEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT user_id, room_id, wait_count, enqueued_at FROM waiting_list ORDER BY enqueued_at")
	if err != nil {
		return nil, fmt.Errorf("querying waiting list: %w", err)
	}
	defer rows.Close()

	var entries []*WaitingEntry
	for rows.Next() {
		var e WaitingEntry
		if err := rows.Scan(&e.UserID, &e.RoomID, &e.WaitCount, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning waiting entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// InWaitingList reports whether the user has a waiting entry.
func (s *PostgresStore) InWaitingList(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM waiting_list WHERE user_id = $1)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying waiting list: %w", err)
	}
	return exists, nil
}

// GetSettings returns the capacity settings row.
func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var st Settings
	err := s.pool.QueryRow(ctx,
		"SELECT user_count, queue_auto_assign FROM settings WHERE id = 1").
		Scan(&st.UserCount, &st.QueueAutoAssign)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	return &st, nil
}
