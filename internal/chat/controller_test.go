// ABOUTME: Tests for the session lifecycle controller.
// ABOUTME: Exercises queueing, draining, transfers, takeovers, and grace windows.

package chat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ferndesk/livechat/internal/assign"
	"github.com/ferndesk/livechat/internal/presence"
	"github.com/ferndesk/livechat/internal/store"
	"github.com/ferndesk/livechat/internal/transport"
)

type fixture struct {
	ctrl     *Controller
	hub      *transport.Hub
	mock     *store.MockStore
	registry *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	mock := store.NewMockStore()
	mock.SetSettings(store.Settings{UserCount: 3, QueueAutoAssign: true})
	hub := transport.NewHub(logger)
	registry := presence.NewRegistry(mock, logger)
	engine := assign.NewEngine(registry, mock, mock, mock, logger)
	notifier := NewNotifier(registry, hub, mock, logger)
	ctrl := NewController(registry, engine, notifier, hub, mock, Config{GracePeriod: 20 * time.Millisecond}, logger)
	t.Cleanup(ctrl.Close)
	return &fixture{ctrl: ctrl, hub: hub, mock: mock, registry: registry}
}

func (f *fixture) addAgent(uid string, status store.Status) {
	f.mock.AddAgent(&store.AgentProfile{
		UID:        uid,
		Name:       "Agent " + uid,
		Email:      uid + "@example.com",
		AutoAssign: true,
		Status:     status,
	})
}

func (f *fixture) connectAgent(t *testing.T, uid string) <-chan transport.Event {
	t.Helper()
	ch := f.hub.Connect("conn-" + uid)
	if _, err := f.ctrl.AgentConnect(context.Background(), "conn-"+uid, uid); err != nil {
		t.Fatalf("AgentConnect(%s) failed: %v", uid, err)
	}
	return ch
}

func (f *fixture) connectUser(t *testing.T, userID, roomID string) (*store.Conversation, <-chan transport.Event) {
	t.Helper()
	ch := f.hub.Connect("conn-" + userID)
	conv, err := f.ctrl.UserConnect(context.Background(), "conn-"+userID, userID, "User "+userID, roomID)
	if err != nil {
		t.Fatalf("UserConnect(%s) failed: %v", userID, err)
	}
	return conv, ch
}

// collect empties a channel and returns the events seen.
func collect(ch <-chan transport.Event) []transport.Event {
	var events []transport.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

// drain empties a channel and returns the event names seen.
func drain(ch <-chan transport.Event) []string {
	var names []string
	for _, ev := range collect(ch) {
		names = append(names, ev.Name)
	}
	return names
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestAgentConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("logging in brings the agent online", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOffline)

		agent, err := f.ctrl.AgentConnect(ctx, "conn-a1", "a1")
		if err != nil {
			t.Fatalf("AgentConnect failed: %v", err)
		}
		if agent.Status != store.StatusOnline {
			t.Errorf("expected roster status online, got %v", agent.Status)
		}
		profile, _ := f.mock.GetAgentByID(ctx, "a1")
		if profile.Status != store.StatusOnline {
			t.Errorf("expected durable status online, got %v", profile.Status)
		}

		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "a1" {
			t.Errorf("expected the agent to take the chat, got %q", conv.AgentID)
		}
	})

	t.Run("reconnect after logout is assignable again", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")

		if err := f.ctrl.AgentLogout(ctx, "a1"); err != nil {
			t.Fatalf("AgentLogout failed: %v", err)
		}
		f.connectAgent(t, "a1")

		agent, ok := f.registry.Get("a1")
		if !ok || agent.Status != store.StatusOnline {
			t.Fatalf("expected a1 back online, got ok=%v status=%v", ok, agent.Status)
		}

		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "a1" {
			t.Errorf("expected reconnected agent to take the chat, got %q", conv.AgentID)
		}
		queued, _ := f.mock.InWaitingList(ctx, "u1")
		if queued {
			t.Error("expected no queue entry for the assigned chat")
		}
	})

	t.Run("second connection keeps a chosen status", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")

		if err := f.ctrl.ChangeStatus(ctx, "a1", store.StatusBusy); err != nil {
			t.Fatalf("ChangeStatus failed: %v", err)
		}
		if _, err := f.ctrl.AgentConnect(ctx, "conn-a1-tab2", "a1"); err != nil {
			t.Fatalf("second AgentConnect failed: %v", err)
		}

		agent, _ := f.registry.Get("a1")
		if agent.Status != store.StatusBusy {
			t.Errorf("expected busy status preserved, got %v", agent.Status)
		}
	})
}

func TestUserConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns to the least loaded agent", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.addAgent("a2", store.StatusOnline)
		f.connectAgent(t, "a1")
		f.connectAgent(t, "a2")
		f.registry.AddRoom("a1", "r-prior")

		conv, userCh := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "a2" {
			t.Fatalf("expected a2 to take the chat, got %q", conv.AgentID)
		}
		if !contains(drain(userCh), EventChatMessage) {
			t.Error("expected greeting in the room")
		}

		msgs := f.mock.Messages(conv.ID)
		if len(msgs) != 1 || msgs[0].LogType != store.LogGreeting {
			t.Errorf("expected a single greeting entry, got %v", msgs)
		}
	})

	t.Run("queues when nobody is online", func(t *testing.T) {
		f := newFixture(t)
		agentCh := f.hub.Connect("spectator")
		f.hub.Join(transport.GroupAgents, "spectator")

		conv, userCh := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "" {
			t.Fatalf("expected unassigned conversation, got %q", conv.AgentID)
		}

		queued, _ := f.mock.InWaitingList(ctx, "u1")
		if !queued {
			t.Error("expected u1 on the waiting list")
		}
		if !contains(drain(userCh), EventChatMessage) {
			t.Error("expected waiting message in the room")
		}
		names := drain(agentCh)
		if !contains(names, EventQueueListUpdate) || !contains(names, EventNotification) {
			t.Errorf("expected queue update and notification for agents, got %v", names)
		}
	})

	t.Run("reconnect within grace keeps the assignment", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")

		f.hub.Disconnect("conn-u1")
		f.ctrl.UserDisconnectObserved("u1", "r1")
		conv2, _ := f.connectUser(t, "u1", "r1")

		if conv2.ID != conv.ID || conv2.AgentID != "a1" {
			t.Errorf("expected the held conversation back, got %+v", conv2)
		}
		time.Sleep(60 * time.Millisecond)
		detail, err := f.mock.GetConversationDetail(ctx, "r1", "")
		if err != nil {
			t.Fatalf("GetConversationDetail failed: %v", err)
		}
		if detail.Ended {
			t.Error("grace window should not have ended the rejoined chat")
		}
	})

	t.Run("second connect while queued does not re-enqueue", func(t *testing.T) {
		f := newFixture(t)
		f.connectUser(t, "u1", "r1")
		f.connectUser(t, "u1", "r1")

		queued, _ := f.mock.ListQueued(ctx)
		if len(queued) != 1 {
			t.Errorf("expected one queue entry, got %d", len(queued))
		}
	})

	t.Run("capacity overflow goes to the queue", func(t *testing.T) {
		f := newFixture(t)
		f.mock.SetSettings(store.Settings{UserCount: 1, QueueAutoAssign: true})
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")

		conv1, _ := f.connectUser(t, "u1", "r1")
		conv2, _ := f.connectUser(t, "u2", "r2")

		if conv1.AgentID != "a1" {
			t.Fatalf("expected u1 assigned, got %q", conv1.AgentID)
		}
		if conv2.AgentID != "" {
			t.Fatalf("expected u2 queued, got %q", conv2.AgentID)
		}
		agent, _ := f.registry.Get("a1")
		if agent.Load() != 1 {
			t.Errorf("expected load 1, got %d", agent.Load())
		}
	})
}

func TestQueueDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("agent connect drains waiting users in order", func(t *testing.T) {
		f := newFixture(t)
		f.connectUser(t, "u1", "r1")
		f.connectUser(t, "u2", "r2")

		f.addAgent("a1", store.StatusOnline)
		agentCh := f.connectAgent(t, "a1")

		agent, _ := f.registry.Get("a1")
		if agent.Load() != 2 {
			t.Fatalf("expected both chats drained to a1, got load %d", agent.Load())
		}
		queued, _ := f.mock.ListQueued(ctx)
		if len(queued) != 0 {
			t.Errorf("expected empty queue, got %d entries", len(queued))
		}
		events := collect(agentCh)
		var names []string
		var sawActiveChatNotify bool
		for _, ev := range events {
			names = append(names, ev.Name)
			if n, ok := ev.Payload.(Notification); ok && n.Type == NotifyActiveChat {
				sawActiveChatNotify = true
			}
		}
		if !contains(names, EventActiveChatNew) {
			t.Errorf("expected active-chat-new on the agent console, got %v", names)
		}
		if !sawActiveChatNotify {
			t.Error("expected an active-chat notification for the drained assignment")
		}

		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if detail.AgentID != "a1" {
			t.Errorf("expected persisted assignment, got %q", detail.AgentID)
		}
	})

	t.Run("drain stops at capacity", func(t *testing.T) {
		f := newFixture(t)
		f.mock.SetSettings(store.Settings{UserCount: 1, QueueAutoAssign: true})
		f.connectUser(t, "u1", "r1")
		f.connectUser(t, "u2", "r2")

		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")

		agent, _ := f.registry.Get("a1")
		if agent.Load() != 1 {
			t.Fatalf("expected load 1, got %d", agent.Load())
		}
		queued, _ := f.mock.ListQueued(ctx)
		if len(queued) != 1 || queued[0].UserID != "u2" {
			t.Errorf("expected u2 still queued, got %v", queued)
		}
	})

	t.Run("status change back to online drains", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		if err := f.ctrl.ChangeStatus(ctx, "a1", store.StatusBusy); err != nil {
			t.Fatalf("ChangeStatus failed: %v", err)
		}
		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "" {
			t.Fatal("setup: expected the chat queued while busy")
		}

		if err := f.ctrl.ChangeStatus(ctx, "a1", store.StatusOnline); err != nil {
			t.Fatalf("ChangeStatus failed: %v", err)
		}

		queued, _ := f.mock.ListQueued(ctx)
		if len(queued) != 0 {
			t.Errorf("expected queue drained after going online, got %d", len(queued))
		}
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *store.Conversation, <-chan transport.Event, <-chan transport.Event) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.addAgent("a2", store.StatusOnline)
		ch1 := f.connectAgent(t, "a1")
		ch2 := f.connectAgent(t, "a2")
		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID == "" {
			t.Fatal("setup: conversation not assigned")
		}
		drain(ch1)
		drain(ch2)
		return f, conv, ch1, ch2
	}

	t.Run("moves the chat and notifies both consoles", func(t *testing.T) {
		f, conv, ch1, ch2 := setup(t)
		spectCh := f.hub.Connect("spectator")
		f.hub.Join(transport.GroupAgents, "spectator")
		holder := conv.AgentID
		other := "a2"
		if holder == "a2" {
			other = "a1"
		}
		holderCh, otherCh := ch1, ch2
		if holder == "a2" {
			holderCh, otherCh = ch2, ch1
		}

		if err := f.ctrl.Transfer(ctx, "r1", holder, other); err != nil {
			t.Fatalf("Transfer failed: %v", err)
		}

		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if detail.AgentID != other {
			t.Errorf("expected %s to hold the chat, got %s", other, detail.AgentID)
		}
		if uid, _ := f.registry.HolderOf("r1"); uid != other {
			t.Errorf("expected registry holder %s, got %s", other, uid)
		}

		recs := f.mock.Transfers()
		if len(recs) != 1 || recs[0].Takeover {
			t.Fatalf("expected one plain transfer record, got %v", recs)
		}
		if recs[0].FromAgent != holder || recs[0].ToAgent != other {
			t.Errorf("unexpected transfer record %+v", recs[0])
		}

		if names := drain(holderCh); !contains(names, EventActiveChatRemoved) {
			t.Errorf("expected active-chat-removed for the old holder, got %v", names)
		}
		if names := drain(otherCh); !contains(names, EventActiveChatNew) {
			t.Errorf("expected active-chat-new for the new holder, got %v", names)
		}
		names := drain(spectCh)
		if !contains(names, EventChatMessage) {
			t.Errorf("expected the transfer system message on the all-agents channel, got %v", names)
		}
		if !contains(names, EventActiveChatUpdate) {
			t.Errorf("expected active-chat-update on the all-agents channel, got %v", names)
		}

		msgs := f.mock.Messages(conv.ID)
		last := msgs[len(msgs)-1]
		if last.LogType != store.LogTransfer {
			t.Errorf("expected a transfer log entry, got type %v", last.LogType)
		}
	})

	t.Run("unregistered target fails without mutation", func(t *testing.T) {
		f, conv, _, _ := setup(t)

		err := f.ctrl.Transfer(ctx, "r1", conv.AgentID, "a3")
		if err != ErrTargetOffline {
			t.Fatalf("expected ErrTargetOffline, got %v", err)
		}

		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if detail.AgentID != conv.AgentID {
			t.Errorf("holder changed on failed transfer: %s", detail.AgentID)
		}
		if len(f.mock.Transfers()) != 0 {
			t.Error("expected no transfer record")
		}
	})

	t.Run("target not online fails", func(t *testing.T) {
		f, conv, _, _ := setup(t)
		target := "a2"
		if conv.AgentID == "a2" {
			target = "a1"
		}
		f.registry.SetStatus(target, store.StatusBusy)

		if err := f.ctrl.Transfer(ctx, "r1", conv.AgentID, target); err != ErrTargetNotOnline {
			t.Fatalf("expected ErrTargetNotOnline, got %v", err)
		}
		if len(f.mock.Transfers()) != 0 {
			t.Error("expected no transfer record")
		}
	})

	t.Run("takeover claims without validating the holder", func(t *testing.T) {
		f, conv, _, _ := setup(t)
		taker := "a2"
		if conv.AgentID == "a2" {
			taker = "a1"
		}

		if err := f.ctrl.Takeover(ctx, "r1", taker); err != nil {
			t.Fatalf("Takeover failed: %v", err)
		}

		recs := f.mock.Transfers()
		if len(recs) != 1 || !recs[0].Takeover {
			t.Fatalf("expected a takeover record, got %v", recs)
		}
		if uid, _ := f.registry.HolderOf("r1"); uid != taker {
			t.Errorf("expected %s to hold the chat, got %s", taker, uid)
		}

		msgs := f.mock.Messages(conv.ID)
		last := msgs[len(msgs)-1]
		if last.LogType != store.LogTakeover {
			t.Errorf("expected a takeover log entry, got type %v", last.LogType)
		}
	})
}

func TestEndChat(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the agent and notifies", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		agentCh := f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")
		spectCh := f.hub.Connect("spectator")
		f.hub.Join(transport.GroupAgents, "spectator")
		drain(agentCh)

		if err := f.ctrl.EndChat(ctx, "r1", true); err != nil {
			t.Fatalf("EndChat failed: %v", err)
		}

		agent, _ := f.registry.Get("a1")
		if agent.Load() != 0 {
			t.Errorf("expected load 0 after end, got %d", agent.Load())
		}
		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if !detail.Ended {
			t.Error("expected conversation marked ended")
		}
		if names := drain(agentCh); !contains(names, EventActiveChatRemoved) {
			t.Errorf("expected active-chat-removed, got %v", names)
		}
		names := drain(spectCh)
		if !contains(names, EventChatMessage) || !contains(names, EventActiveChatRemoved) {
			t.Errorf("expected end message and removal on the all-agents channel, got %v", names)
		}

		msgs := f.mock.Messages(conv.ID)
		last := msgs[len(msgs)-1]
		if last.LogType != store.LogSystem || last.Body != "The agent has ended the chat." {
			t.Errorf("expected the agent-ended line, got %+v", last)
		}
	})

	t.Run("ending twice is a no-op", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")

		if err := f.ctrl.EndChat(ctx, "r1", true); err != nil {
			t.Fatalf("first EndChat failed: %v", err)
		}
		before := len(f.mock.Messages(conv.ID))
		if err := f.ctrl.EndChat(ctx, "r1", true); err != nil {
			t.Fatalf("second EndChat failed: %v", err)
		}
		if after := len(f.mock.Messages(conv.ID)); after != before {
			t.Errorf("second end appended messages: %d -> %d", before, after)
		}
	})

	t.Run("ending a queued chat removes the queue entry", func(t *testing.T) {
		f := newFixture(t)
		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "" {
			t.Fatal("setup: expected queued conversation")
		}

		if err := f.ctrl.EndChat(ctx, "r1", false); err != nil {
			t.Fatalf("EndChat failed: %v", err)
		}
		queued, _ := f.mock.ListQueued(ctx)
		if len(queued) != 0 {
			t.Errorf("expected empty queue, got %v", queued)
		}
	})

	t.Run("inactivity sweep ends the chat", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")

		if err := f.ctrl.EndChatForInactivity(ctx, "r1"); err != nil {
			t.Fatalf("EndChatForInactivity failed: %v", err)
		}
		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if !detail.Ended {
			t.Error("expected conversation ended by the sweep")
		}

		msgs := f.mock.Messages(conv.ID)
		last := msgs[len(msgs)-1]
		if last.LogType != store.LogUserLeft || last.Body != "The user has left the chat." {
			t.Errorf("expected the user-left line, got %+v", last)
		}
	})
}

func TestAgentDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("reconnect within grace keeps registration and load", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		f.connectUser(t, "u1", "r1")

		f.hub.Disconnect("conn-a1")
		f.ctrl.AgentDisconnectObserved("a1")
		f.connectAgent(t, "a1")

		time.Sleep(60 * time.Millisecond)

		agent, ok := f.registry.Get("a1")
		if !ok {
			t.Fatal("expected a1 still registered")
		}
		if agent.Load() != 1 {
			t.Errorf("expected load preserved, got %d", agent.Load())
		}
	})

	t.Run("expired grace releases held conversations", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")

		f.hub.Disconnect("conn-a1")
		f.ctrl.AgentDisconnectObserved("a1")
		time.Sleep(60 * time.Millisecond)

		if f.registry.IsOnline("a1") {
			t.Error("expected a1 unregistered after grace expiry")
		}
		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if detail.AgentID != "" {
			t.Errorf("expected conversation released, got %q", detail.AgentID)
		}

		var sawDisconnectLine bool
		for _, msg := range f.mock.Messages(conv.ID) {
			if msg.LogType == store.LogSystem && msg.LogMessage {
				sawDisconnectLine = true
			}
		}
		if !sawDisconnectLine {
			t.Error("expected a system line about the disconnect")
		}
		profile, _ := f.mock.GetAgentByID(ctx, "a1")
		if profile.Status != store.StatusOffline {
			t.Errorf("expected durable status offline, got %v", profile.Status)
		}
	})
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("user message reaches room and agent console", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		agentCh := f.connectAgent(t, "a1")
		conv, userCh := f.connectUser(t, "u1", "r1")
		drain(agentCh)
		drain(userCh)

		err := f.ctrl.SendMessage(ctx, ChatMessage{
			RoomID: "r1",
			From:   "u1",
			To:     "a1",
			Body:   "hello",
		})
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}

		if names := drain(userCh); !contains(names, EventChatMessage) {
			t.Errorf("expected message in the room, got %v", names)
		}
		names := drain(agentCh)
		if !contains(names, EventChatMessage) || !contains(names, EventNotification) {
			t.Errorf("expected message and notification on the console, got %v", names)
		}
		if !contains(names, EventActiveChatUpdate) {
			t.Errorf("expected active-chat refresh on the console, got %v", names)
		}

		msgs := f.mock.Messages(conv.ID)
		last := msgs[len(msgs)-1]
		if !last.Unread || last.FromAgent {
			t.Errorf("expected unread user entry, got %+v", last)
		}
	})

	t.Run("agent message carries no notification", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		agentCh := f.connectAgent(t, "a1")
		f.connectUser(t, "u1", "r1")
		drain(agentCh)

		err := f.ctrl.SendMessage(ctx, ChatMessage{
			RoomID:    "r1",
			From:      "a1",
			To:        "u1",
			FromAgent: true,
			Body:      "hi there",
		})
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if names := drain(agentCh); contains(names, EventNotification) {
			t.Errorf("unexpected notification for the sender, got %v", names)
		}
	})
}

func TestJoinChat(t *testing.T) {
	ctx := context.Background()

	t.Run("claims a queued conversation", func(t *testing.T) {
		f := newFixture(t)
		f.mock.SetSettings(store.Settings{UserCount: 3, QueueAutoAssign: false})
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "" {
			t.Fatal("setup: expected queued conversation")
		}

		ok, err := f.ctrl.JoinChat(ctx, "a1", "r1")
		if err != nil || !ok {
			t.Fatalf("JoinChat = %v, %v", ok, err)
		}

		detail, _ := f.mock.GetConversationDetail(ctx, "r1", "")
		if detail.AgentID != "a1" {
			t.Errorf("expected a1 assigned, got %q", detail.AgentID)
		}
		queued, _ := f.mock.ListQueued(ctx)
		if len(queued) != 0 {
			t.Errorf("expected queue entry removed, got %v", queued)
		}
	})

	t.Run("refuses a held conversation", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.addAgent("a2", store.StatusOnline)
		f.connectAgent(t, "a1")
		conv, _ := f.connectUser(t, "u1", "r1")
		if conv.AgentID != "a1" {
			t.Fatal("setup: expected a1 assigned")
		}
		f.connectAgent(t, "a2")

		ok, err := f.ctrl.JoinChat(ctx, "a2", "r1")
		if err != nil {
			t.Fatalf("JoinChat failed: %v", err)
		}
		if ok {
			t.Error("expected claim refused for a held conversation")
		}
	})
}

func TestChangeStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("persists before mutating the roster", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.addAgent("a2", store.StatusOnline)
		f.connectAgent(t, "a1")
		ch2 := f.connectAgent(t, "a2")
		drain(ch2)

		if err := f.ctrl.ChangeStatus(ctx, "a1", store.StatusBusy); err != nil {
			t.Fatalf("ChangeStatus failed: %v", err)
		}

		profile, _ := f.mock.GetAgentByID(ctx, "a1")
		if profile.Status != store.StatusBusy {
			t.Errorf("expected durable busy, got %v", profile.Status)
		}
		agent, _ := f.registry.Get("a1")
		if agent.Status != store.StatusBusy {
			t.Errorf("expected roster busy, got %v", agent.Status)
		}
		if names := drain(ch2); !contains(names, EventPeerStatusChanged) {
			t.Errorf("expected peer-status-changed for a2, got %v", names)
		}
	})
}

func TestForceLogout(t *testing.T) {
	t.Run("pushes the event and releases chats", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		agentCh := f.connectAgent(t, "a1")
		f.connectUser(t, "u1", "r1")
		drain(agentCh)

		if err := f.ctrl.ForceLogout(context.Background(), "a1"); err != nil {
			t.Fatalf("ForceLogout failed: %v", err)
		}

		if names := drain(agentCh); !contains(names, EventForcedLogout) {
			t.Errorf("expected forced-logout event, got %v", names)
		}
		if f.registry.IsOnline("a1") {
			t.Error("expected a1 unregistered")
		}
	})
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()

	t.Run("rebuilds roster and load lists from durable state", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.addAgent("a2", store.StatusBusy)
		for _, conv := range []*store.Conversation{
			{ID: "c1", RoomID: "r1", UserID: "u1", AgentID: "a1"},
			{ID: "c2", RoomID: "r2", UserID: "u2", AgentID: "a1"},
			{ID: "c3", RoomID: "r3", UserID: "u3", AgentID: "a2"},
		} {
			if err := f.mock.CreateConversation(ctx, conv); err != nil {
				t.Fatalf("seeding conversation: %v", err)
			}
		}

		if err := f.ctrl.Rehydrate(ctx); err != nil {
			t.Fatalf("Rehydrate failed: %v", err)
		}

		a1, ok := f.registry.Get("a1")
		if !ok || a1.Load() != 2 {
			t.Errorf("expected a1 load 2, got %v %d", ok, a1.Load())
		}
		a2, ok := f.registry.Get("a2")
		if !ok || a2.Load() != 1 {
			t.Errorf("expected a2 load 1, got %v %d", ok, a2.Load())
		}
		if uid, _ := f.registry.HolderOf("r3"); uid != "a2" {
			t.Errorf("expected a2 holding r3, got %s", uid)
		}
	})
}

func TestTypingRelay(t *testing.T) {
	t.Run("user typing reaches the holding agent only", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		agentCh := f.connectAgent(t, "a1")
		_, userCh := f.connectUser(t, "u1", "r1")
		drain(agentCh)
		drain(userCh)

		f.ctrl.TypingStart("conn-u1", TypingSignal{RoomID: "r1", From: "u1"}, false)

		if names := drain(agentCh); !contains(names, EventTypingStart) {
			t.Errorf("expected typing-start on the console, got %v", names)
		}
		if names := drain(userCh); contains(names, EventTypingStart) {
			t.Errorf("typing echoed back into the room: %v", names)
		}
	})

	t.Run("agent typing reaches the room", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent("a1", store.StatusOnline)
		f.connectAgent(t, "a1")
		_, userCh := f.connectUser(t, "u1", "r1")
		drain(userCh)

		f.ctrl.TypingStop("conn-a1", TypingSignal{RoomID: "r1", From: "a1"}, true)

		if names := drain(userCh); !contains(names, EventTypingStop) {
			t.Errorf("expected typing-stop in the room, got %v", names)
		}
	})
}
