// ABOUTME: In-memory registry of currently-connected agents and their chat load.
// ABOUTME: Kept sorted ascending by load so first-fit scans are least-loaded-first.

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/ferndesk/livechat/internal/store"
)

// Agent is a registered agent's live session state. An agent absent from the
// registry is fully offline regardless of its durable status.
type Agent struct {
	store.AgentProfile

	// Rooms holds the room IDs of conversations currently assigned to the
	// agent, in join order.
	Rooms []string
}

// Load returns the number of conversations currently assigned to the agent.
func (a *Agent) Load() int {
	return len(a.Rooms)
}

func (a *Agent) clone() Agent {
	cp := *a
	cp.Rooms = slices.Clone(a.Rooms)
	return cp
}

// Registry tracks connected agents. It is created at process start, injected
// into its consumers, and torn down at shutdown; all access goes through its
// methods. The order of the backing slice is ascending by load after every
// mutation.
type Registry struct {
	mu        sync.RWMutex
	agents    []*Agent
	index     map[string]*Agent
	directory store.Directory
	logger    *slog.Logger
}

// NewRegistry creates an empty registry backed by the given agent directory.
func NewRegistry(directory store.Directory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:     make(map[string]*Agent),
		directory: directory,
		logger:    logger.With("component", "presence"),
	}
}

// AnyOnline reports whether any agent is registered.
func (r *Registry) AnyOnline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents) > 0
}

// IsOnline reports whether the agent is registered.
func (r *Registry) IsOnline(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[uid]
	return ok
}

// Register adds an agent by fetching its durable profile from the directory.
// Idempotent: if the agent is already registered the existing entry is
// returned unchanged, with no directory fetch and no load-list reset.
func (r *Registry) Register(ctx context.Context, uid string) (Agent, error) {
	r.mu.RLock()
	if existing, ok := r.index[uid]; ok {
		cp := existing.clone()
		r.mu.RUnlock()
		return cp, nil
	}
	r.mu.RUnlock()

	profile, err := r.directory.GetAgentByID(ctx, uid)
	if err != nil {
		return Agent{}, fmt.Errorf("fetching agent profile: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another connection may have registered while we fetched.
	if existing, ok := r.index[uid]; ok {
		return existing.clone(), nil
	}

	agent := &Agent{AgentProfile: *profile}
	r.index[uid] = agent
	r.agents = append(r.agents, agent)
	r.sortLocked()

	r.logger.Info("agent registered",
		"agent_id", uid,
		"name", agent.Name,
		"total_agents", len(r.agents),
	)
	return agent.clone(), nil
}

// Seed inserts an agent with a known profile and room list, bypassing the
// directory. Used to rebuild the registry from persisted state at boot.
func (r *Registry) Seed(profile store.AgentProfile, rooms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.index[profile.UID]; ok {
		existing.AgentProfile = profile
		existing.Rooms = slices.Clone(rooms)
	} else {
		agent := &Agent{AgentProfile: profile, Rooms: slices.Clone(rooms)}
		r.index[profile.UID] = agent
		r.agents = append(r.agents, agent)
	}
	r.sortLocked()
}

// Unregister removes an agent. Removing an absent agent is a no-op.
func (r *Registry) Unregister(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.index[uid]
	if !ok {
		return
	}
	delete(r.index, uid)
	r.agents = slices.DeleteFunc(r.agents, func(a *Agent) bool { return a == agent })

	r.logger.Info("agent unregistered",
		"agent_id", uid,
		"name", agent.Name,
		"total_agents", len(r.agents),
	)
}

// Get returns a snapshot of the agent's entry.
func (r *Registry) Get(uid string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.index[uid]
	if !ok {
		return Agent{}, false
	}
	return agent.clone(), true
}

// All returns snapshots of every registered agent in ascending-load order.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	return out
}

// SetStatus updates a registered agent's status. Returns false if the agent
// is not registered.
func (r *Registry) SetStatus(uid string, status store.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.index[uid]
	if !ok {
		return false
	}
	agent.Status = status
	return true
}

// AddRoom appends a room to the agent's load list and restores load order.
// Adding a room the agent already holds is a no-op.
func (r *Registry) AddRoom(uid, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.index[uid]
	if !ok {
		return false
	}
	if slices.Contains(agent.Rooms, roomID) {
		return true
	}
	agent.Rooms = append(agent.Rooms, roomID)
	r.sortLocked()
	return true
}

// RemoveRoom removes a room from the agent's load list and restores load
// order. Removing an absent room is a no-op.
func (r *Registry) RemoveRoom(uid, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.index[uid]
	if !ok {
		return false
	}
	before := len(agent.Rooms)
	agent.Rooms = slices.DeleteFunc(agent.Rooms, func(room string) bool { return room == roomID })
	if len(agent.Rooms) != before {
		r.sortLocked()
	}
	return true
}

// HolderOf returns the uid of the registered agent holding the room, if any.
func (r *Registry) HolderOf(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.agents {
		if slices.Contains(a.Rooms, roomID) {
			return a.UID, true
		}
	}
	return "", false
}

// ReorderByLoad re-sorts the registry ascending by load. Mutating methods
// keep the order themselves; this is exposed for callers that batch several
// mutations before the next scan.
func (r *Registry) ReorderByLoad() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sortLocked()
}

// sortLocked restores ascending-load order. Stable so equally-loaded agents
// keep their relative order.
func (r *Registry) sortLocked() {
	sort.SliceStable(r.agents, func(i, j int) bool {
		return r.agents[i].Load() < r.agents[j].Load()
	})
}

// SnapshotExcluding returns every registered agent except uid whose load is
// under capacity, in ascending-load order. This is the "available to receive
// a transfer" view shown on agent consoles.
func (r *Registry) SnapshotExcluding(uid string, capacity int) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.UID == uid {
			continue
		}
		if a.Load() >= capacity {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}
