// ABOUTME: Session lifecycle controller: connect, assign, transfer, end.
// ABOUTME: Serializes all state transitions and applies assignment decisions.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ferndesk/livechat/internal/assign"
	"github.com/ferndesk/livechat/internal/metrics"
	"github.com/ferndesk/livechat/internal/presence"
	"github.com/ferndesk/livechat/internal/store"
	"github.com/ferndesk/livechat/internal/transport"
)

// ErrTargetOffline is returned when a transfer target has logged out of the
// chat panel between the picker render and the transfer request.
var ErrTargetOffline = errors.New("agent has logged out of the chat panel")

// ErrTargetNotOnline is returned when a transfer target is connected but
// their availability status is not online.
var ErrTargetNotOnline = errors.New("agent is not online right now")

const (
	defaultGracePeriod = 5 * time.Second
	defaultGreeting    = "Hi %s, you are connected with %s. How can I help you today?"
	defaultWaitingText = "All of our agents are currently busy. Please hold on, you will be connected to the next available agent."
)

// Config carries the controller's tunables. Zero values fall back to
// defaults.
type Config struct {
	GracePeriod time.Duration
	// GreetingText is the system greeting sent on assignment. It may contain
	// two %s verbs, filled with the user's and the agent's names.
	GreetingText string
	// WaitingText is the system message sent to a user placed on the
	// waiting list.
	WaitingText string
}

// Controller owns every session state transition. Handlers for connects,
// messages, transfers, and disconnects run one at a time under a single
// mutex, so each operation observes the state the previous one left behind.
type Controller struct {
	mu sync.Mutex

	registry *presence.Registry
	engine   *assign.Engine
	notifier *Notifier
	bus      transport.Transport
	store    store.Store
	grace    *graceTracker
	logger   *slog.Logger

	greetingText string
	waitingText  string
}

// NewController creates a controller wired to its collaborators.
func NewController(registry *presence.Registry, engine *assign.Engine, notifier *Notifier, bus transport.Transport, st store.Store, cfg Config, logger *slog.Logger) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.GreetingText == "" {
		cfg.GreetingText = defaultGreeting
	}
	if cfg.WaitingText == "" {
		cfg.WaitingText = defaultWaitingText
	}
	return &Controller{
		registry:     registry,
		engine:       engine,
		notifier:     notifier,
		bus:          bus,
		store:        st,
		grace:        newGraceTracker(cfg.GracePeriod),
		logger:       logger.With("component", "chat"),
		greetingText: cfg.GreetingText,
		waitingText:  cfg.WaitingText,
	}
}

// Close cancels pending grace timers.
func (c *Controller) Close() {
	c.grace.stop()
}

// UserConnect handles a user joining (or rejoining) their chat room. A new
// session is routed through the assignment engine; a reconnect within the
// grace window resumes the existing session untouched.
func (c *Controller) UserConnect(ctx context.Context, connID, userID, userName, roomID string) (*store.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resumed := c.grace.cancel(userID)
	c.bus.Join(transport.RoomGroup(roomID), connID)

	conv, err := c.store.GetConversationDetail(ctx, roomID, "")
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := time.Now().UTC()
		conv = &store.Conversation{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			UserID:    userID,
			UserName:  userName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	// A live assignment survives reconnects and page refreshes.
	if conv.AgentID != "" && c.registry.IsOnline(conv.AgentID) && !conv.Ended {
		c.logger.Debug("user rejoined held conversation",
			"user_id", userID,
			"room_id", roomID,
			"agent_id", conv.AgentID,
			"resumed", resumed)
		return conv, nil
	}
	if conv.Ended {
		conv.Ended = false
		conv.AgentID = ""
		conv.AgentName = ""
	}

	decision, err := c.engine.Route(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("routing chat: %w", err)
	}

	switch decision.Outcome {
	case assign.OutcomeAssigned:
		if err := c.applyAssignment(ctx, conv, decision.Agent, NotifyActiveChat, metrics.SourceDirect); err != nil {
			return nil, err
		}
	case assign.OutcomeQueued:
		c.sendSystemMessage(ctx, conv, c.waitingText, store.LogSystem)
		c.announceQueueChange(ctx, NotifyQueueMember, conv)
	case assign.OutcomeAlreadyQueued:
		// Position unchanged, nothing to announce.
	}
	return conv, nil
}

// AgentConnect handles an agent opening the chat panel. Logging in brings
// the agent online: the durable status is set before the roster is touched,
// so an agent who logged out (persisted offline) is assignable again on
// reconnect. Registration is idempotent; a second connection for an
// already-registered agent keeps their current status and load. Queued chats
// are drained to whoever has capacity, this agent included.
func (c *Controller) AgentConnect(ctx context.Context, connID, uid string) (presence.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.grace.cancel(uid)
	if !c.registry.IsOnline(uid) {
		if err := c.store.ChangeStatus(ctx, uid, store.StatusOnline); err != nil {
			return presence.Agent{}, fmt.Errorf("persisting online status: %w", err)
		}
	}
	agent, err := c.registry.Register(ctx, uid)
	if err != nil {
		return presence.Agent{}, fmt.Errorf("registering agent: %w", err)
	}

	c.bus.Join(transport.GroupAgents, connID)
	c.bus.Join(transport.AgentGroup(uid), connID)

	c.notifier.BroadcastAgentViews(ctx)
	c.notifier.BroadcastStatusChange(uid, agent.Status)
	metrics.AgentsOnline.Set(float64(len(c.registry.All())))

	c.drainQueue(ctx)
	return agent, nil
}

// drainQueue assigns waiting users in FIFO order while an eligible agent
// exists. Stops at the first user nobody can take.
func (c *Controller) drainQueue(ctx context.Context) {
	queued, err := c.store.ListQueued(ctx)
	if err != nil {
		c.logger.Error("listing waiting queue", "error", err)
		return
	}

	for _, entry := range queued {
		agent, ok, err := c.engine.Next(ctx)
		if err != nil {
			c.logger.Error("picking agent for queued chat", "error", err)
			return
		}
		if !ok {
			return
		}

		conv, err := c.store.GetConversationDetail(ctx, entry.RoomID, "")
		if err != nil {
			c.logger.Error("loading queued conversation",
				"room_id", entry.RoomID,
				"error", err)
			continue
		}
		if err := c.store.Dequeue(ctx, entry.UserID); err != nil {
			c.logger.Error("dequeueing user", "user_id", entry.UserID, "error", err)
			continue
		}
		c.announceQueueChange(ctx, NotifyQueueMemberRemoved, conv)
		if err := c.applyAssignment(ctx, conv, agent, NotifyActiveChat, metrics.SourceQueue); err != nil {
			c.logger.Error("assigning queued chat",
				"room_id", entry.RoomID,
				"agent_id", agent.UID,
				"error", err)
		}
	}
}

// applyAssignment persists the agent onto the conversation, updates the
// in-memory load list, greets the user, and notifies the agent's console.
func (c *Controller) applyAssignment(ctx context.Context, conv *store.Conversation, agent presence.Agent, notify NotificationType, source string) error {
	if err := c.store.UpdateConversationAgent(ctx, conv.ID, agent.UID); err != nil {
		return fmt.Errorf("persisting assignment: %w", err)
	}
	conv.AgentID = agent.UID
	conv.AgentName = agent.Name
	conv.Ended = false
	c.registry.AddRoom(agent.UID, conv.RoomID)

	greeting := fmt.Sprintf(c.greetingText, conv.UserName, agent.Name)
	entry := &store.MessageEntry{
		ID:             ulid.Make().String(),
		ConversationID: conv.ID,
		RoomID:         conv.RoomID,
		From:           agent.UID,
		To:             conv.UserID,
		FromAgent:      true,
		Body:           greeting,
		LogMessage:     true,
		LogType:        store.LogGreeting,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.MessageConversation(ctx, entry); err != nil {
		return fmt.Errorf("recording greeting: %w", err)
	}

	c.bus.Publish(transport.RoomGroup(conv.RoomID), transport.Event{
		Name: EventChatMessage,
		Payload: ChatMessage{
			ID:        entry.ID,
			RoomID:    conv.RoomID,
			From:      agent.UID,
			FromName:  agent.Name,
			To:        conv.UserID,
			FromAgent: true,
			Body:      greeting,
			System:    true,
			SentAt:    time.Now().UTC(),
		},
	})
	c.bus.Publish(transport.AgentGroup(agent.UID), transport.Event{
		Name:    EventActiveChatNew,
		Payload: conversationView(conv),
	})
	c.bus.Publish(transport.GroupAgents, transport.Event{
		Name:    EventActiveChatNew,
		Payload: conversationView(conv),
	})
	c.notify(agent.UID, Notification{
		Type:     notify,
		RoomID:   conv.RoomID,
		UserID:   conv.UserID,
		UserName: conv.UserName,
		AgentID:  agent.UID,
	})
	c.notifier.BroadcastAgentViews(ctx)
	metrics.AssignmentsTotal.WithLabelValues(source).Inc()

	c.logger.Info("conversation assigned",
		"room_id", conv.RoomID,
		"user_id", conv.UserID,
		"agent_id", agent.UID,
		"source", source)
	return nil
}

// SendMessage relays and persists one chat message. User messages also raise
// a notification on the holding agent's console.
func (c *Controller) SendMessage(ctx context.Context, msg ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, err := c.store.GetConversationDetail(ctx, msg.RoomID, "")
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	entry := &store.MessageEntry{
		ID:             ulid.Make().String(),
		ConversationID: conv.ID,
		RoomID:         msg.RoomID,
		From:           msg.From,
		To:             msg.To,
		FromAgent:      msg.FromAgent,
		Body:           msg.Body,
		LogType:        store.LogChat,
		Unread:         !msg.FromAgent,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.MessageConversation(ctx, entry); err != nil {
		return fmt.Errorf("recording message: %w", err)
	}

	msg.ID = entry.ID
	msg.SentAt = time.Now().UTC()
	c.bus.Publish(transport.RoomGroup(msg.RoomID), transport.Event{
		Name:    EventChatMessage,
		Payload: msg,
	})

	if !msg.FromAgent && conv.AgentID != "" {
		c.bus.Publish(transport.AgentGroup(conv.AgentID), transport.Event{
			Name:    EventChatMessage,
			Payload: msg,
		})
		c.bus.Publish(transport.AgentGroup(conv.AgentID), transport.Event{
			Name:    EventActiveChatUpdate,
			Payload: conversationView(conv),
		})
		c.notify(conv.AgentID, Notification{
			Type:     NotifyMessage,
			RoomID:   msg.RoomID,
			UserID:   conv.UserID,
			UserName: conv.UserName,
			AgentID:  conv.AgentID,
			Body:     msg.Body,
		})
	}

	direction := "user"
	if msg.FromAgent {
		direction = "agent"
	}
	metrics.MessagesTotal.WithLabelValues(direction).Inc()
	return nil
}

// Transfer hands a conversation from one agent to another. The target must
// be registered and online; a failed validation leaves the session, the
// load lists, and the stores untouched.
func (c *Controller) Transfer(ctx context.Context, roomID, fromUID, toUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.registry.Get(toUID)
	if !ok {
		return ErrTargetOffline
	}
	if target.Status != store.StatusOnline {
		return ErrTargetNotOnline
	}
	return c.reassign(ctx, roomID, fromUID, target, false)
}

// Takeover lets an agent claim a conversation held by someone else. Unlike
// Transfer there is no validation of the previous holder; the initiator is
// assumed present.
func (c *Controller) Takeover(ctx context.Context, roomID, byUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.registry.Get(byUID)
	if !ok {
		return ErrTargetOffline
	}

	fromUID, _ := c.registry.HolderOf(roomID)
	return c.reassign(ctx, roomID, fromUID, target, true)
}

func (c *Controller) reassign(ctx context.Context, roomID, fromUID string, target presence.Agent, takeover bool) error {
	conv, err := c.store.GetConversationDetail(ctx, roomID, "")
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if fromUID == "" {
		fromUID = conv.AgentID
	}

	rec := &store.TransferRecord{
		ConversationID: conv.ID,
		RoomID:         roomID,
		FromAgent:      fromUID,
		ToAgent:        target.UID,
		Takeover:       takeover,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.TransferConversation(ctx, rec); err != nil {
		return fmt.Errorf("recording transfer: %w", err)
	}
	if err := c.store.UpdateConversationAgent(ctx, conv.ID, target.UID); err != nil {
		return fmt.Errorf("persisting transfer: %w", err)
	}

	if fromUID != "" {
		c.registry.RemoveRoom(fromUID, roomID)
	}
	c.registry.AddRoom(target.UID, roomID)
	conv.AgentID = target.UID
	conv.AgentName = target.Name

	body := fmt.Sprintf("You have been transferred to %s.", target.Name)
	logType := store.LogTransfer
	if takeover {
		body = fmt.Sprintf("%s has taken over the chat.", target.Name)
		logType = store.LogTakeover
	}
	if msg, ok := c.sendSystemMessage(ctx, conv, body, logType); ok {
		c.bus.Publish(transport.GroupAgents, transport.Event{
			Name:    EventChatMessage,
			Payload: msg,
		})
	}
	c.bus.Publish(transport.GroupAgents, transport.Event{
		Name:    EventActiveChatUpdate,
		Payload: conversationView(conv),
	})

	if fromUID != "" && fromUID != target.UID {
		c.bus.Publish(transport.AgentGroup(fromUID), transport.Event{
			Name:    EventActiveChatRemoved,
			Payload: conversationView(conv),
		})
		c.notify(fromUID, Notification{
			Type:     NotifyActiveChatRemoved,
			RoomID:   roomID,
			UserID:   conv.UserID,
			UserName: conv.UserName,
			AgentID:  target.UID,
		})
	}
	c.bus.Publish(transport.AgentGroup(target.UID), transport.Event{
		Name:    EventActiveChatNew,
		Payload: conversationView(conv),
	})
	c.notify(target.UID, Notification{
		Type:     NotifyTransfer,
		RoomID:   roomID,
		UserID:   conv.UserID,
		UserName: conv.UserName,
		AgentID:  fromUID,
	})
	c.notifier.BroadcastAgentViews(ctx)

	kind := metrics.KindTransfer
	if takeover {
		kind = metrics.KindTakeover
	}
	metrics.TransfersTotal.WithLabelValues(kind).Inc()

	c.logger.Info("conversation reassigned",
		"room_id", roomID,
		"from", fromUID,
		"to", target.UID,
		"takeover", takeover)
	return nil
}

// EndChat closes a conversation. Ending an already-ended conversation is a
// no-op.
func (c *Controller) EndChat(ctx context.Context, roomID string, byAgent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endChat(ctx, roomID, byAgent, NotifyActiveChatRemoved)
}

// EndChatForInactivity is the scheduled-sweep entry point for stale chats.
// The holding agent gets a chat-ended notification instead of the plain
// removal, so the console can explain why the chat vanished.
func (c *Controller) EndChatForInactivity(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endChat(ctx, roomID, false, NotifyChatEnded)
}

func (c *Controller) endChat(ctx context.Context, roomID string, byAgent bool, notify NotificationType) error {
	conv, err := c.store.GetConversationDetail(ctx, roomID, "")
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Ended {
		return nil
	}

	if err := c.store.EndActiveChat(ctx, conv.ID); err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	conv.Ended = true

	body := "The agent has ended the chat."
	logType := store.LogSystem
	if !byAgent {
		body = "The user has left the chat."
		logType = store.LogUserLeft
	}
	if msg, ok := c.sendSystemMessage(ctx, conv, body, logType); ok {
		c.bus.Publish(transport.GroupAgents, transport.Event{
			Name:    EventChatMessage,
			Payload: msg,
		})
	}
	c.bus.Publish(transport.RoomGroup(roomID), transport.Event{
		Name:    EventChatEnded,
		Payload: conversationView(conv),
	})
	c.bus.Publish(transport.GroupAgents, transport.Event{
		Name:    EventActiveChatRemoved,
		Payload: conversationView(conv),
	})

	if conv.AgentID != "" {
		c.registry.RemoveRoom(conv.AgentID, roomID)
		c.bus.Publish(transport.AgentGroup(conv.AgentID), transport.Event{
			Name:    EventActiveChatRemoved,
			Payload: conversationView(conv),
		})
		c.notify(conv.AgentID, Notification{
			Type:     notify,
			RoomID:   roomID,
			UserID:   conv.UserID,
			UserName: conv.UserName,
			AgentID:  conv.AgentID,
		})
	} else {
		// An unassigned chat may still be waiting; drop it from the queue.
		if err := c.store.Dequeue(ctx, conv.UserID); err != nil {
			c.logger.Warn("dequeueing ended chat", "user_id", conv.UserID, "error", err)
		}
		c.announceQueueChange(ctx, NotifyQueueMemberRemoved, conv)
	}
	c.notifier.BroadcastAgentViews(ctx)

	endedBy := "user"
	if byAgent {
		endedBy = "agent"
	}
	metrics.ChatsEndedTotal.WithLabelValues(endedBy).Inc()

	c.logger.Info("conversation ended", "room_id", roomID, "by_agent", byAgent)
	return nil
}

// AgentLogout releases every conversation the agent holds back to
// unassigned, marks them durably offline, and drops their memberships.
func (c *Controller) AgentLogout(ctx context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentLogout(ctx, uid)
}

func (c *Controller) agentLogout(ctx context.Context, uid string) error {
	agent, ok := c.registry.Get(uid)
	if !ok {
		return nil
	}

	for _, roomID := range agent.Rooms {
		conv, err := c.store.GetConversationDetail(ctx, roomID, "")
		if err != nil {
			c.logger.Error("loading held conversation on logout",
				"room_id", roomID,
				"error", err)
			continue
		}
		if err := c.store.UpdateConversationAgent(ctx, conv.ID, ""); err != nil {
			c.logger.Error("releasing conversation on logout",
				"room_id", roomID,
				"error", err)
			continue
		}
		conv.AgentID = ""
		conv.AgentName = ""
		c.sendSystemMessage(ctx, conv, "The agent has disconnected. You will be reconnected shortly.", store.LogSystem)
	}

	c.registry.Unregister(uid)
	if err := c.store.ChangeStatus(ctx, uid, store.StatusOffline); err != nil {
		c.logger.Error("persisting offline status", "agent_id", uid, "error", err)
	}
	for _, connID := range c.bus.Members(transport.AgentGroup(uid)) {
		c.bus.LeaveAll(connID)
	}

	c.notifier.BroadcastStatusChange(uid, store.StatusOffline)
	c.notifier.BroadcastAgentViews(ctx)
	metrics.AgentsOnline.Set(float64(len(c.registry.All())))

	c.logger.Info("agent logged out", "agent_id", uid, "released_rooms", len(agent.Rooms))
	return nil
}

// AgentDisconnectObserved starts the grace window for an agent whose last
// socket dropped. If no connection for the agent reappears before the window
// closes, the disconnect is treated as a logout.
func (c *Controller) AgentDisconnectObserved(uid string) {
	c.grace.schedule(uid, func() {
		if len(c.bus.Members(transport.AgentGroup(uid))) > 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.AgentLogout(ctx, uid); err != nil {
			c.logger.Error("grace logout failed", "agent_id", uid, "error", err)
		}
	})
}

// UserDisconnectObserved starts the grace window for a user whose socket
// dropped. If the room stays empty past the window, the chat ends as a
// user departure.
func (c *Controller) UserDisconnectObserved(userID, roomID string) {
	c.grace.schedule(userID, func() {
		if len(c.bus.Members(transport.RoomGroup(roomID))) > 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.EndChat(ctx, roomID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("grace end-chat failed", "room_id", roomID, "error", err)
		}
	})
}

// ChangeStatus updates an agent's availability. The durable record is
// written first; the in-memory roster only mutates after the write sticks.
func (c *Controller) ChangeStatus(ctx context.Context, uid string, status store.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.ChangeStatus(ctx, uid, status); err != nil {
		return fmt.Errorf("persisting status: %w", err)
	}
	c.registry.SetStatus(uid, status)

	c.notifier.BroadcastStatusChange(uid, status)
	c.notifier.BroadcastAgentViews(ctx)

	if status == store.StatusOnline {
		c.drainQueue(ctx)
	}
	return nil
}

// ResetUnread clears the unread counter an agent sees for a room.
func (c *Controller) ResetUnread(ctx context.Context, roomID, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, err := c.store.GetConversationDetail(ctx, roomID, uid)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if err := c.store.MarkAllRead(ctx, conv.ID, uid); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// TypingStart relays a typing indicator. Indicators are transient and never
// persisted.
func (c *Controller) TypingStart(connID string, signal TypingSignal, fromAgent bool) {
	c.relayTyping(EventTypingStart, connID, signal, fromAgent)
}

// TypingStop relays the end of a typing indicator.
func (c *Controller) TypingStop(connID string, signal TypingSignal, fromAgent bool) {
	c.relayTyping(EventTypingStop, connID, signal, fromAgent)
}

func (c *Controller) relayTyping(event, connID string, signal TypingSignal, fromAgent bool) {
	if fromAgent {
		c.bus.PublishExcept(transport.RoomGroup(signal.RoomID), connID, transport.Event{
			Name:    event,
			Payload: signal,
		})
		return
	}
	if holder, ok := c.registry.HolderOf(signal.RoomID); ok {
		c.bus.Publish(transport.AgentGroup(holder), transport.Event{
			Name:    event,
			Payload: signal,
		})
	}
}

// ForceLogout pushes a forced-logout event to the agent's console and then
// runs the logout path, releasing their chats.
func (c *Controller) ForceLogout(ctx context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bus.Publish(transport.AgentGroup(uid), transport.Event{Name: EventForcedLogout})
	return c.agentLogout(ctx, uid)
}

// JoinChat lets an agent manually claim an unassigned conversation, queued
// or not. Returns false without mutating anything when the conversation is
// already held.
func (c *Controller) JoinChat(ctx context.Context, uid, roomID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.registry.Get(uid)
	if !ok {
		return false, ErrTargetOffline
	}
	conv, err := c.store.GetConversationDetail(ctx, roomID, "")
	if err != nil {
		return false, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.AgentID != "" && !conv.Ended {
		return false, nil
	}

	queued, err := c.store.InWaitingList(ctx, conv.UserID)
	if err != nil {
		return false, fmt.Errorf("checking waiting list: %w", err)
	}
	if queued {
		if err := c.store.Dequeue(ctx, conv.UserID); err != nil {
			return false, fmt.Errorf("dequeueing user: %w", err)
		}
		c.announceQueueChange(ctx, NotifyQueueMemberRemoved, conv)
	}
	if err := c.applyAssignment(ctx, conv, agent, NotifyActiveChat, metrics.SourceManual); err != nil {
		return false, err
	}
	return true, nil
}

// Rehydrate rebuilds the in-memory roster and load lists from durable state
// after a restart. Agents whose durable status is not offline are seeded
// with the rooms of the conversations they still hold.
func (c *Controller) Rehydrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	profiles, err := c.store.GetAllAvailableAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing available agents: %w", err)
	}
	active, err := c.store.ListActiveConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing active conversations: %w", err)
	}

	roomsByAgent := make(map[string][]string)
	for _, conv := range active {
		if conv.AgentID != "" {
			roomsByAgent[conv.AgentID] = append(roomsByAgent[conv.AgentID], conv.RoomID)
		}
	}
	for _, profile := range profiles {
		c.registry.Seed(*profile, roomsByAgent[profile.UID])
	}
	c.registry.ReorderByLoad()

	c.logger.Info("roster rehydrated",
		"agents", len(profiles),
		"active_conversations", len(active))
	return nil
}

// sendSystemMessage persists and publishes a system line into a room. The
// published payload is returned so callers can mirror it to other groups.
func (c *Controller) sendSystemMessage(ctx context.Context, conv *store.Conversation, body string, logType store.LogType) (ChatMessage, bool) {
	entry := &store.MessageEntry{
		ID:             ulid.Make().String(),
		ConversationID: conv.ID,
		RoomID:         conv.RoomID,
		From:           conv.AgentID,
		To:             conv.UserID,
		FromAgent:      true,
		Body:           body,
		LogMessage:     true,
		LogType:        logType,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.MessageConversation(ctx, entry); err != nil {
		c.logger.Error("recording system message",
			"room_id", conv.RoomID,
			"error", err)
		return ChatMessage{}, false
	}
	msg := ChatMessage{
		ID:        entry.ID,
		RoomID:    conv.RoomID,
		From:      conv.AgentID,
		FromName:  conv.AgentName,
		To:        conv.UserID,
		FromAgent: true,
		Body:      body,
		System:    true,
		SentAt:    time.Now().UTC(),
	}
	c.bus.Publish(transport.RoomGroup(conv.RoomID), transport.Event{
		Name:    EventChatMessage,
		Payload: msg,
	})
	return msg, true
}

// announceQueueChange pushes the refreshed waiting list to every agent
// console along with a membership notification.
func (c *Controller) announceQueueChange(ctx context.Context, notify NotificationType, conv *store.Conversation) {
	queued, err := c.store.ListQueued(ctx)
	if err != nil {
		c.logger.Error("listing waiting queue", "error", err)
		return
	}
	c.bus.Publish(transport.GroupAgents, transport.Event{
		Name:    EventQueueListUpdate,
		Payload: queued,
	})
	metrics.QueueDepth.Set(float64(len(queued)))

	if notify == NotifyQueueMemberRemoved {
		c.bus.Publish(transport.GroupAgents, transport.Event{
			Name:    EventQueueMemberRemoved,
			Payload: conversationView(conv),
		})
	}
	c.bus.Publish(transport.GroupAgents, transport.Event{
		Name: EventNotification,
		Payload: Notification{
			ID:       uuid.NewString(),
			Type:     notify,
			RoomID:   conv.RoomID,
			UserID:   conv.UserID,
			UserName: conv.UserName,
			SentAt:   time.Now().UTC(),
		},
	})
}

func (c *Controller) notify(uid string, n Notification) {
	n.ID = uuid.NewString()
	n.SentAt = time.Now().UTC()
	c.bus.Publish(transport.AgentGroup(uid), transport.Event{
		Name:    EventNotification,
		Payload: n,
	})
}

// conversationView is the payload shape consoles render for active-chat
// events.
func conversationView(conv *store.Conversation) map[string]any {
	return map[string]any{
		"conversation_id": conv.ID,
		"room_id":         conv.RoomID,
		"user_id":         conv.UserID,
		"user_name":       conv.UserName,
		"agent_id":        conv.AgentID,
		"agent_name":      conv.AgentName,
		"ended":           conv.Ended,
	}
}
