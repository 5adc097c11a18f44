// ABOUTME: In-memory group fanout hub for single-process deployments.
// ABOUTME: Buffered per-connection channels; events to slow connections are dropped.

package transport

import (
	"log/slog"
	"sync"

	"github.com/ferndesk/livechat/internal/metrics"
)

const (
	// connBufferSize is the channel buffer for each connection.
	connBufferSize = 64
)

// Hub is an in-memory Transport. Each connection gets one buffered channel;
// groups are sets of connection IDs. Publishing sends under the read lock so
// a concurrent Connect or Disconnect cannot close a channel mid-send; sends
// never block, slow connections are dropped instead.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]chan Event
	groups map[string]map[string]struct{} // group -> connID set
	logger *slog.Logger

	// mirror, when set, receives every published (group, event) pair so an
	// external fanout (e.g. AMQP) can relay it to sibling processes.
	mirror func(group string, ev Event)
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]chan Event),
		groups: make(map[string]map[string]struct{}),
		logger: logger.With("component", "hub"),
	}
}

// SetMirror installs a callback invoked for every publish. Must be set
// before the hub is shared.
func (h *Hub) SetMirror(fn func(group string, ev Event)) {
	h.mirror = fn
}

// Connect registers a connection and returns its event channel.
// Connecting an existing ID replaces the old channel and closes it.
func (h *Hub) Connect(connID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.conns[connID]; ok {
		close(old)
	}
	ch := make(chan Event, connBufferSize)
	h.conns[connID] = ch

	h.logger.Debug("connection added", "conn_id", connID)
	return ch
}

// Disconnect closes a connection's channel and removes all its memberships.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveAllLocked(connID)
	if ch, ok := h.conns[connID]; ok {
		close(ch)
		delete(h.conns, connID)
		h.logger.Debug("connection removed", "conn_id", connID)
	}
}

// Join adds a connection to a group.
func (h *Hub) Join(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]struct{})
	}
	h.groups[group][connID] = struct{}{}
}

// Leave removes a connection from a group.
func (h *Hub) Leave(group, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// LeaveAll removes a connection from every group it joined.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(connID)
}

func (h *Hub) leaveAllLocked(connID string) {
	for group, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Members returns the connection IDs currently in a group.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.groups[group]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// Publish sends an event to every member of a group.
func (h *Hub) Publish(group string, ev Event) {
	h.publish(group, "", ev)
}

// PublishExcept sends an event to every member except one connection.
func (h *Hub) PublishExcept(group, exceptConnID string, ev Event) {
	h.publish(group, exceptConnID, ev)
}

// PublishLocal delivers an event to local members without invoking the
// mirror. Used when relaying events that already traveled the mirror, so
// they are not echoed back out.
func (h *Hub) PublishLocal(group string, ev Event) {
	h.dispatch(group, "", ev)
}

func (h *Hub) publish(group, exceptConnID string, ev Event) {
	h.dispatch(group, exceptConnID, ev)

	if h.mirror != nil {
		h.mirror(group, ev)
	}
}

func (h *Hub) dispatch(group, exceptConnID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.groups[group] {
		if exceptConnID != "" && connID == exceptConnID {
			continue
		}
		ch, ok := h.conns[connID]
		if !ok {
			continue
		}
		select {
		case ch <- ev:
			// Sent
		default:
			// Connection buffer full, drop the event for this member
			metrics.EventsDroppedTotal.Inc()
			h.logger.Debug("dropped event for slow connection",
				"group", group,
				"event", ev.Name)
		}
	}
}

// Close closes every connection channel and clears all state.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for connID, ch := range h.conns {
		close(ch)
		delete(h.conns, connID)
	}
	h.groups = make(map[string]map[string]struct{})

	h.logger.Debug("hub closed")
}
