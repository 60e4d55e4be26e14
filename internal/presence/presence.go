// Package presence tracks which users hold at least one live relay
// connection. Counts are per user so a second tab closing does not mark the
// user offline while the first is still open.
package presence

import (
	"context"
	"sync"
)

type Tracker interface {
	// SetOnline records one more live connection for userID.
	SetOnline(ctx context.Context, userID string) error
	// SetOffline drops one connection and reports whether it was the last.
	SetOffline(ctx context.Context, userID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// MemoryTracker is the single-instance Tracker.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{counts: make(map[string]int)}
}

func (t *MemoryTracker) SetOnline(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[userID]++
	return nil
}

func (t *MemoryTracker) SetOffline(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[userID]
	if !ok {
		return true, nil
	}
	if n <= 1 {
		delete(t.counts, userID)
		return true, nil
	}
	t.counts[userID] = n - 1
	return false, nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID] > 0, nil
}
