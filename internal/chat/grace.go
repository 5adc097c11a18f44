// ABOUTME: Tracks disconnect grace timers keyed by participant ID.
// ABOUTME: A reconnect within the grace window cancels the pending cleanup.

package chat

import (
	"sync"
	"time"
)

// graceTracker delays disconnect handling so a page refresh or transient
// network blip does not tear down a live session. Each participant has at
// most one pending timer; scheduling again resets the window.
type graceTracker struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*time.Timer
}

func newGraceTracker(delay time.Duration) *graceTracker {
	return &graceTracker{
		delay:   delay,
		pending: make(map[string]*time.Timer),
	}
}

// schedule arms a timer that runs fn after the grace window unless canceled.
func (g *graceTracker) schedule(id string, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if timer, ok := g.pending[id]; ok {
		timer.Stop()
	}
	g.pending[id] = time.AfterFunc(g.delay, func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
		fn()
	})
}

// cancel stops a pending timer. Returns true if one was armed.
func (g *graceTracker) cancel(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	timer, ok := g.pending[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(g.pending, id)
	return true
}

// stop cancels every pending timer, used on shutdown.
func (g *graceTracker) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, timer := range g.pending {
		timer.Stop()
		delete(g.pending, id)
	}
}
