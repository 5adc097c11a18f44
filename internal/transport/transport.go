// ABOUTME: Group transport contract consumed by the chat core for all fanout.
// ABOUTME: Defines named groups, events, and per-connection membership.

package transport

// Group name builders. Conversation rooms hold the user-side connections;
// agent consoles live in their personal group plus the shared agents group.
const GroupAgents = "agents"

// RoomGroup names the per-conversation group.
func RoomGroup(roomID string) string {
	return "room:" + roomID
}

// AgentGroup names an agent's personal channel.
func AgentGroup(uid string) string {
	return "agent:" + uid
}

// Event is a named payload published to a group.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Transport is the publish-to-group fanout mechanism. Ordering across
// different groups is not guaranteed; each intended member receives a
// published event at most once, and slow members may be dropped rather than
// block the publisher.
type Transport interface {
	// Join adds a connection to a group. Joining twice is a no-op.
	Join(group, connID string)

	// Leave removes a connection from a group.
	Leave(group, connID string)

	// LeaveAll removes a connection from every group it joined.
	LeaveAll(connID string)

	// Members returns the connection IDs currently in a group.
	Members(group string) []string

	// Publish sends an event to every member of a group.
	Publish(group string, ev Event)

	// PublishExcept sends an event to every member except one connection,
	// used to avoid echoing events back to their originator.
	PublishExcept(group, exceptConnID string, ev Event)
}
