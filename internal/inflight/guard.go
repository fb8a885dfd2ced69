package inflight

import (
	"sync"
)

// Guard allows at most one outstanding action per key
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates a new guard
func NewGuard() *Guard {
	return &Guard{
		active: make(map[string]struct{}),
	}
}

// TryAcquire claims key. It returns false if key is already held.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.active[key]; exists {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Release frees key. Releasing a key that is not held is a no-op.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}
