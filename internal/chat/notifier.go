// ABOUTME: Pushes roster snapshots and status changes to agent consoles.
// ABOUTME: Each agent receives a personalized view excluding themselves.

package chat

import (
	"context"
	"log/slog"

	"github.com/ferndesk/livechat/internal/presence"
	"github.com/ferndesk/livechat/internal/store"
	"github.com/ferndesk/livechat/internal/transport"
)

// Notifier fans presence information out to agent consoles. The transfer
// picker on each console lists only peers with capacity to take a chat, so
// every agent gets a view computed against their own exclusion.
type Notifier struct {
	registry *presence.Registry
	bus      transport.Transport
	settings store.SettingsStore
	logger   *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(registry *presence.Registry, bus transport.Transport, settings store.SettingsStore, logger *slog.Logger) *Notifier {
	return &Notifier{
		registry: registry,
		bus:      bus,
		settings: settings,
		logger:   logger.With("component", "notifier"),
	}
}

// BroadcastAgentViews recomputes and pushes the online-agents list to every
// registered agent. Called whenever the roster or any agent's load changes.
func (n *Notifier) BroadcastAgentViews(ctx context.Context) {
	settings, err := n.settings.GetSettings(ctx)
	if err != nil {
		n.logger.Error("loading settings for roster broadcast", "error", err)
		return
	}

	for _, agent := range n.registry.All() {
		peers := n.registry.SnapshotExcluding(agent.UID, settings.UserCount)
		views := make([]AgentView, 0, len(peers))
		for _, peer := range peers {
			views = append(views, agentView(peer, settings.UserCount))
		}
		n.bus.Publish(transport.AgentGroup(agent.UID), transport.Event{
			Name:    EventOnlineAgentsList,
			Payload: views,
		})
	}
}

// BroadcastStatusChange tells every other agent that one agent's
// availability changed.
func (n *Notifier) BroadcastStatusChange(uid string, status store.Status) {
	change := statusChange(uid, status)
	for _, agent := range n.registry.All() {
		if agent.UID == uid {
			continue
		}
		n.bus.Publish(transport.AgentGroup(agent.UID), transport.Event{
			Name:    EventPeerStatusChanged,
			Payload: change,
		})
	}
}

func agentView(agent presence.Agent, capacity int) AgentView {
	return AgentView{
		UID:        agent.UID,
		Name:       agent.Name,
		Email:      agent.Email,
		Avatar:     agent.Avatar,
		Status:     int(agent.Status),
		Label:      agent.Status.Label(),
		Class:      agent.Status.Class(),
		Load:       agent.Load(),
		AtCapacity: agent.Load() >= capacity,
	}
}
