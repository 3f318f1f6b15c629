package navguard

import (
	"context"
	"sync"
)

// Tracker hands out a generation and cancellation token per navigation so a
// stale evaluation cannot override a newer one for the same client.
type Tracker struct {
	mu      sync.Mutex
	next    uint64
	entries map[string]*trackerEntry
}

type trackerEntry struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*trackerEntry)}
}

// Begin starts a navigation for key. The previous in-flight navigation for
// the same key is cancelled. Callers must invoke done when finished.
func (t *Tracker) Begin(ctx context.Context, key string) (navCtx context.Context, gen uint64, done func()) {
	navCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &trackerEntry{}
		t.entries[key] = entry
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	t.next++
	entry.gen = t.next
	entry.cancel = cancel
	gen = entry.gen
	t.mu.Unlock()

	done = func() {
		cancel()
		t.mu.Lock()
		defer t.mu.Unlock()
		if current, ok := t.entries[key]; ok && current.gen == gen {
			delete(t.entries, key)
		}
	}
	return navCtx, gen, done
}

// Current reports whether gen is still the newest navigation for key.
func (t *Tracker) Current(key string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	return ok && entry.gen == gen
}
