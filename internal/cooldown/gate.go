package cooldown

import (
	"sync"
	"time"
)

// Gate rate-limits an action per actor. Entries are never evicted; the
// table is bounded by the number of distinct actors.
type Gate struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastUsed map[string]time.Time
}

// NewGate creates a gate that allows one use per window per actor
func NewGate(window time.Duration) *Gate {
	return &Gate{
		window:   window,
		now:      time.Now,
		lastUsed: make(map[string]time.Time),
	}
}

// TryConsume records a use for actor and returns true, or returns false
// without recording anything if the actor is still cooling down.
func (g *Gate) TryConsume(actor string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.lastUsed[actor]; ok && now.Sub(last) < g.window {
		return false
	}
	g.lastUsed[actor] = now
	return true
}

// Remaining returns how long actor must wait before the next use
func (g *Gate) Remaining(actor string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.lastUsed[actor]
	if !ok {
		return 0
	}
	if left := g.window - g.now().Sub(last); left > 0 {
		return left
	}
	return 0
}
