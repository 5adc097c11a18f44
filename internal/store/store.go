// ABOUTME: Store interfaces and data types for livechat-gateway persistence
// ABOUTME: Defines Conversation, MessageEntry, WaitingEntry and the collaborator contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose room already has one
var ErrDuplicateConversation = errors.New("conversation already exists")

// Status is an agent's availability status.
type Status int

const (
	StatusOnline Status = iota + 1
	StatusOffline
	StatusBusy
	StatusDoNotDisturb
)

// Label returns the display label shown on agent consoles.
func (s Status) Label() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusOffline:
		return "Offline"
	case StatusBusy:
		return "Busy"
	case StatusDoNotDisturb:
		return "Do not disturb"
	default:
		return "Online"
	}
}

// Class returns the CSS-style class consoles key their indicators on.
func (s Status) Class() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusBusy:
		return "away"
	case StatusDoNotDisturb:
		return "do-not-disturb"
	default:
		return "online"
	}
}

// LogType classifies persisted log/system entries in a conversation.
type LogType int

const (
	LogGreeting LogType = iota + 1 // agent joined / auto-assign greeting
	LogChat                        // regular chat message
	LogUserLeft                    // user left the chat
	LogSystem                      // end, disconnect, waiting notices
	LogTransfer                    // chat handed to another agent
	LogTakeover                    // chat claimed from its previous holder
)

// AgentProfile is the durable agent record held by the agent directory.
type AgentProfile struct {
	UID        string
	Name       string
	Email      string
	Avatar     string
	AutoAssign bool // per-agent opt-in to automatic chat assignment
	Status     Status
}

// Conversation is one user-agent chat session. The persisted AgentID is the
// single source of truth for who holds the chat; in-memory room lists are a
// derived cache.
type Conversation struct {
	ID        string // conversation identifier
	RoomID    string
	UserID    string
	UserName  string
	AgentID   string // empty while unassigned
	AgentName string
	Ended     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageEntry is a chat or log entry appended to a conversation.
type MessageEntry struct {
	ID             string
	ConversationID string
	RoomID         string
	From           string // sender identity ("who")
	To             string // recipient identity ("whom")
	FromAgent      bool
	Body           string
	LogMessage     bool
	LogType        LogType
	Unread         bool
	CreatedAt      time.Time
}

// WaitingEntry is a queued session with no agent assigned yet.
type WaitingEntry struct {
	UserID     string
	RoomID     string
	WaitCount  int
	EnqueuedAt time.Time
}

// TransferRecord captures an explicit handoff of a conversation between agents.
type TransferRecord struct {
	ConversationID string
	RoomID         string
	FromAgent      string
	ToAgent        string
	Takeover       bool
	CreatedAt      time.Time
}

// Settings are the operator-controlled capacity knobs, read fresh per operation.
type Settings struct {
	UserCount       int  // max concurrent chats per agent
	QueueAutoAssign bool // whether queued/incoming chats auto-route
}

// Directory is the agent-directory collaborator.
type Directory interface {
	GetAgentByID(ctx context.Context, uid string) (*AgentProfile, error)
	GetAgentByEmail(ctx context.Context, email string) (*AgentProfile, error)

	// GetAllAvailableAgents returns agents whose durable status is not offline,
	// used to seed the presence registry at boot.
	GetAllAvailableAgents(ctx context.Context) ([]*AgentProfile, error)

	ChangeStatus(ctx context.Context, uid string, status Status) error
}

// ConversationStore is the persisted-conversation collaborator.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversationDetail returns the conversation for a room. forAgentID
	// scopes agent-specific projections (unread counts); empty means none.
	GetConversationDetail(ctx context.Context, roomID, forAgentID string) (*Conversation, error)

	// UpdateConversationAgent persists the assigned agent ("who"). An empty
	// agentID releases the conversation back to unassigned. Assigning an
	// agent reopens an ended conversation.
	UpdateConversationAgent(ctx context.Context, conversationID, agentID string) error

	TransferConversation(ctx context.Context, rec *TransferRecord) error
	EndActiveChat(ctx context.Context, conversationID string) error
	MessageConversation(ctx context.Context, entry *MessageEntry) error
	MarkAllRead(ctx context.Context, conversationID, agentID string) error

	// ListActiveConversations returns every non-ended conversation, used to
	// rebuild agent load lists after a restart.
	ListActiveConversations(ctx context.Context) ([]*Conversation, error)
}

// WaitingList is the waiting-queue collaborator. Order is FIFO by enqueue time.
type WaitingList interface {
	// Enqueue inserts an entry unless the user already has one.
	Enqueue(ctx context.Context, entry *WaitingEntry) error
	Dequeue(ctx context.Context, userID string) error
	ListQueued(ctx context.Context) ([]*WaitingEntry, error)
	InWaitingList(ctx context.Context, userID string) (bool, error)
}

// SettingsStore exposes the capacity settings collaborator.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*Settings, error)
}

// Store aggregates every persistence collaborator the gateway consumes.
type Store interface {
	Directory
	ConversationStore
	WaitingList
	SettingsStore
	Close() error
}
