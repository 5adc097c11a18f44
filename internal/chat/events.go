// ABOUTME: Event names and payload types published on the fanout transport.
// ABOUTME: Defines the closed notification type enum agent consoles switch on.

package chat

import (
	"time"

	"github.com/ferndesk/livechat/internal/store"
)

// Event names published to rooms and agent groups.
const (
	EventChatMessage        = "chat-message"
	EventNotification       = "notification"
	EventQueueListUpdate    = "queue-list-update"
	EventQueueMemberRemoved = "queue-member-removed"
	EventActiveChatNew      = "active-chat-new"
	EventActiveChatUpdate   = "active-chat-update"
	EventActiveChatRemoved  = "active-chat-removed"
	EventOnlineAgentsList   = "online-agents-list"
	EventPeerStatusChanged  = "peer-status-changed"
	EventTypingStart        = "typing-start"
	EventTypingStop         = "typing-stop"
	EventForcedLogout       = "forced-logout"
	EventChatEnded          = "chat-ended"
)

// NotificationType discriminates notification payloads. The set is closed;
// consoles switch exhaustively on it and unknown values are a protocol error.
type NotificationType int

const (
	NotifyMessage NotificationType = iota + 1
	NotifyActiveChat
	NotifyActiveChatRemoved
	NotifyQueueMember
	NotifyQueueMemberRemoved
	NotifyTransfer
	NotifyChatEnded
)

func (n NotificationType) String() string {
	switch n {
	case NotifyMessage:
		return "message"
	case NotifyActiveChat:
		return "active-chat"
	case NotifyActiveChatRemoved:
		return "active-chat-removed"
	case NotifyQueueMember:
		return "queue-member"
	case NotifyQueueMemberRemoved:
		return "queue-member-removed"
	case NotifyTransfer:
		return "transfer"
	case NotifyChatEnded:
		return "chat-ended"
	default:
		return "unknown"
	}
}

// Notification is the payload for EventNotification.
type Notification struct {
	ID       string           `json:"id"`
	Type     NotificationType `json:"type"`
	RoomID   string           `json:"room_id,omitempty"`
	UserID   string           `json:"user_id,omitempty"`
	UserName string           `json:"user_name,omitempty"`
	AgentID  string           `json:"agent_id,omitempty"`
	Body     string           `json:"body,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
}

// ChatMessage is the payload for EventChatMessage, delivered to the room and
// mirrored to the holding agent's console.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	To        string    `json:"to,omitempty"`
	FromAgent bool      `json:"from_agent"`
	Body      string    `json:"body"`
	System    bool      `json:"system,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// StatusChange is the payload for EventPeerStatusChanged.
type StatusChange struct {
	AgentID string `json:"agent_id"`
	Status  int    `json:"status"`
	Label   string `json:"label"`
	Class   string `json:"class"`
}

// AgentView is one row of the roster snapshot pushed to agent consoles.
type AgentView struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Avatar     string `json:"avatar,omitempty"`
	Status     int    `json:"status"`
	Label      string `json:"label"`
	Class      string `json:"class"`
	Load       int    `json:"load"`
	AtCapacity bool   `json:"at_capacity"`
}

// TypingSignal is the payload for the typing relay events.
type TypingSignal struct {
	RoomID   string `json:"room_id"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
}

func statusChange(uid string, status store.Status) StatusChange {
	return StatusChange{
		AgentID: uid,
		Status:  int(status),
		Label:   status.Label(),
		Class:   status.Class(),
	}
}
