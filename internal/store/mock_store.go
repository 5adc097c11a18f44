// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*AgentProfile  // keyed by uid
	agentsByEmail map[string]string         // email -> uid
	conversations map[string]*Conversation  // keyed by conversation ID
	roomIndex     map[string]string         // room_id -> conversation ID
	messages      map[string][]*MessageEntry // keyed by conversation ID
	waiting       map[string]*WaitingEntry  // keyed by user ID
	transfers     []*TransferRecord
	settings      Settings

	// DirectoryCalls counts profile fetches, letting tests assert that
	// idempotent registration skips the directory.
	DirectoryCalls int
}

// NewMockStore creates a new MockStore with default settings.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*AgentProfile),
		agentsByEmail: make(map[string]string),
		conversations: make(map[string]*Conversation),
		roomIndex:     make(map[string]string),
		messages:      make(map[string][]*MessageEntry),
		waiting:       make(map[string]*WaitingEntry),
		settings:      Settings{UserCount: 5, QueueAutoAssign: true},
	}
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error { return nil }

// AddAgent seeds a directory profile.
func (m *MockStore) AddAgent(a *AgentProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[cp.UID] = &cp
	m.agentsByEmail[cp.Email] = cp.UID
}

// SetSettings replaces the capacity settings.
func (m *MockStore) SetSettings(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

// GetAgentByID retrieves an agent profile by uid.
func (m *MockStore) GetAgentByID(ctx context.Context, uid string) (*AgentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DirectoryCalls++
	a, ok := m.agents[uid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetAgentByEmail retrieves an agent profile by email.
func (m *MockStore) GetAgentByEmail(ctx context.Context, email string) (*AgentProfile, error) {
	m.mu.RLock()
	uid, ok := m.agentsByEmail[email]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetAgentByID(ctx, uid)
}

// GetAllAvailableAgents returns agents whose status is not offline.
func (m *MockStore) GetAllAvailableAgents(ctx context.Context) ([]*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AgentProfile
	for _, a := range m.agents {
		if a.Status != StatusOffline {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// ChangeStatus updates an agent's durable status.
func (m *MockStore) ChangeStatus(ctx context.Context, uid string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[uid]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roomIndex[conv.RoomID]; exists {
		return ErrDuplicateConversation
	}
	cp := *conv
	m.conversations[cp.ID] = &cp
	m.roomIndex[cp.RoomID] = cp.ID
	return nil
}

// GetConversationDetail retrieves the conversation for a room.
func (m *MockStore) GetConversationDetail(ctx context.Context, roomID, forAgentID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.roomIndex[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.conversations[id]
	if cp.AgentID != "" {
		if a, ok := m.agents[cp.AgentID]; ok {
			cp.AgentName = a.Name
		}
	}
	return &cp, nil
}

// UpdateConversationAgent sets (or clears) the assigned agent.
func (m *MockStore) UpdateConversationAgent(ctx context.Context, conversationID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.AgentID = agentID
	if agentID != "" {
		conv.Ended = false
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// TransferConversation records a transfer.
func (m *MockStore) TransferConversation(ctx context.Context, rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.transfers = append(m.transfers, &cp)
	return nil
}

// Transfers returns recorded transfers.
func (m *MockStore) Transfers() []*TransferRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TransferRecord, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// EndActiveChat marks a conversation ended.
func (m *MockStore) EndActiveChat(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Ended = true
	return nil
}

// MessageConversation appends a message entry.
func (m *MockStore) MessageConversation(ctx context.Context, entry *MessageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.messages[cp.ConversationID] = append(m.messages[cp.ConversationID], &cp)
	return nil
}

// Messages returns the entries appended to a conversation.
func (m *MockStore) Messages(conversationID string) []*MessageEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.messages[conversationID]
	out := make([]*MessageEntry, len(src))
	copy(out, src)
	return out
}

// MarkAllRead clears the unread flag on a conversation's messages.
func (m *MockStore) MarkAllRead(ctx context.Context, conversationID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[conversationID] {
		msg.Unread = false
	}
	return nil
}

// ListActiveConversations returns non-ended conversations ordered by creation time.
func (m *MockStore) ListActiveConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if !c.Ended {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Enqueue inserts a waiting entry unless the user already has one.
func (m *MockStore) Enqueue(ctx context.Context, entry *WaitingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.waiting[entry.UserID]; exists {
		return nil
	}
	cp := *entry
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now()
	}
	m.waiting[cp.UserID] = &cp
	return nil
}

// Dequeue removes a user's waiting entry.
func (m *MockStore) Dequeue(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.waiting, userID)
	return nil
}

// ListQueued returns waiting entries in FIFO order.
func (m *MockStore) ListQueued(ctx context.Context) ([]*WaitingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WaitingEntry
	for _, e := range m.waiting {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

// InWaitingList reports whether the user has a waiting entry.
func (m *MockStore) InWaitingList(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.waiting[userID]
	return ok, nil
}

// GetSettings returns the capacity settings.
func (m *MockStore) GetSettings(ctx context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := m.settings
	return &cp, nil
}
