// ABOUTME: Least-loaded-first assignment engine for incoming chats.
// ABOUTME: Scans the presence roster ascending by load and queues when no agent fits.

package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferndesk/livechat/internal/presence"
	"github.com/ferndesk/livechat/internal/store"
)

// Outcome classifies what the engine did with an incoming chat.
type Outcome int

const (
	// OutcomeAssigned means an eligible agent was picked for the chat.
	OutcomeAssigned Outcome = iota
	// OutcomeQueued means the chat was appended to the waiting list.
	OutcomeQueued
	// OutcomeAlreadyQueued means the user was queued before this request
	// and their position is unchanged.
	OutcomeAlreadyQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAssigned:
		return "assigned"
	case OutcomeQueued:
		return "queued"
	case OutcomeAlreadyQueued:
		return "already-queued"
	default:
		return "unknown"
	}
}

// Decision is the engine's verdict for a single routing request. When the
// outcome is OutcomeAssigned, Agent holds a snapshot of the chosen agent.
type Decision struct {
	Outcome Outcome
	Agent   presence.Agent
}

// Roster is the slice of the presence registry the engine reads. Pulling
// only these two methods keeps the engine testable against fakes.
type Roster interface {
	AnyOnline() bool
	All() []presence.Agent
}

// Engine routes incoming chats to agents. It consults durable settings and
// the agent directory fresh on every request so mid-session configuration
// changes take effect without a restart.
type Engine struct {
	roster    Roster
	directory store.Directory
	waiting   store.WaitingList
	settings  store.SettingsStore
	logger    *slog.Logger
}

// NewEngine creates an assignment engine.
func NewEngine(roster Roster, directory store.Directory, waiting store.WaitingList, settings store.SettingsStore, logger *slog.Logger) *Engine {
	return &Engine{
		roster:    roster,
		directory: directory,
		waiting:   waiting,
		settings:  settings,
		logger:    logger.With("component", "assign"),
	}
}

// Route decides what to do with a chat for userID in roomID. It either picks
// the least-loaded eligible agent or places the user on the waiting list; a
// request never falls through without one of those outcomes. Applying the
// assignment (room membership, persistence, notifications) is the caller's
// job.
func (e *Engine) Route(ctx context.Context, userID, roomID string) (Decision, error) {
	queued, err := e.waiting.InWaitingList(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("checking waiting list: %w", err)
	}
	if queued {
		return Decision{Outcome: OutcomeAlreadyQueued}, nil
	}

	settings, err := e.settings.GetSettings(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("loading settings: %w", err)
	}

	if settings.QueueAutoAssign && e.roster.AnyOnline() {
		if agent, ok := e.pick(ctx, settings.UserCount); ok {
			e.logger.Info("chat assigned",
				"user_id", userID,
				"room_id", roomID,
				"agent_id", agent.UID,
				"agent_load", agent.Load())
			return Decision{Outcome: OutcomeAssigned, Agent: agent}, nil
		}
	}

	entry := &store.WaitingEntry{
		UserID:     userID,
		RoomID:     roomID,
		WaitCount:  1,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := e.waiting.Enqueue(ctx, entry); err != nil {
		return Decision{}, fmt.Errorf("enqueueing chat: %w", err)
	}
	e.logger.Info("chat queued", "user_id", userID, "room_id", roomID)
	return Decision{Outcome: OutcomeQueued}, nil
}

// Next returns the agent who should take the next queued chat, or false when
// auto-assignment is off, nobody is online, or every agent is ineligible.
// Used when draining the waiting list after an agent connects or frees up.
func (e *Engine) Next(ctx context.Context) (presence.Agent, bool, error) {
	settings, err := e.settings.GetSettings(ctx)
	if err != nil {
		return presence.Agent{}, false, fmt.Errorf("loading settings: %w", err)
	}
	if !settings.QueueAutoAssign || !e.roster.AnyOnline() {
		return presence.Agent{}, false, nil
	}
	agent, ok := e.pick(ctx, settings.UserCount)
	return agent, ok, nil
}

// pick scans the roster in ascending load order and returns the first agent
// that is online, opted into auto-assignment, and under capacity. The opt-in
// flag is re-read from the directory so a toggle flipped mid-session is
// honored immediately.
func (e *Engine) pick(ctx context.Context, capacity int) (presence.Agent, bool) {
	for _, agent := range e.roster.All() {
		if agent.Status != store.StatusOnline {
			continue
		}
		if agent.Load() >= capacity {
			continue
		}
		profile, err := e.directory.GetAgentByID(ctx, agent.UID)
		if err != nil {
			e.logger.Warn("skipping agent, directory lookup failed",
				"agent_id", agent.UID,
				"error", err)
			continue
		}
		if !profile.AutoAssign {
			continue
		}
		return agent, true
	}
	return presence.Agent{}, false
}
