package internal

import (
	"context"
	"sync"
	"time"

	"spherechat/internal/chat"
)

const (
	// TypingTTL is how long a typing signal stays valid without a refresh.
	// Expiry is the correctness backstop for stop frames that never arrive
	// (crashed tab); the explicit stop frame is just the fast path.
	TypingTTL = 5 * time.Second

	// typingSweepInterval paces the background expiry scan.
	typingSweepInterval = time.Second
)

// TypingTracker holds the per-sphere set of currently-typing users with a
// TTL on each entry. Start refreshes, Stop removes immediately, and a
// background sweep collects whatever expired so the owner can announce the
// implicit stops.
type TypingTracker struct {
	mu      sync.Mutex
	spheres map[string]map[string]*typingState
	now     func() time.Time
}

type typingState struct {
	entry    chat.TypingEntry
	deadline time.Time
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		spheres: make(map[string]map[string]*typingState),
		now:     time.Now,
	}
}

// Start records or refreshes a typing entry for the user.
func (t *TypingTracker) Start(sphereID string, entry chat.TypingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sphere := t.spheres[sphereID]
	if sphere == nil {
		sphere = make(map[string]*typingState)
		t.spheres[sphereID] = sphere
	}
	sphere[entry.UserID] = &typingState{entry: entry, deadline: t.now().Add(TypingTTL)}
}

// Stop removes the user's typing entry regardless of remaining TTL and
// reports whether one existed.
func (t *TypingTracker) Stop(sphereID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sphere := t.spheres[sphereID]
	if sphere == nil {
		return false
	}
	if _, ok := sphere[userID]; !ok {
		return false
	}
	delete(sphere, userID)
	if len(sphere) == 0 {
		delete(t.spheres, sphereID)
	}
	return true
}

// Active lists the live typing entries for a sphere, expired ones excluded.
func (t *TypingTracker) Active(sphereID string) []chat.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var entries []chat.TypingEntry
	for _, state := range t.spheres[sphereID] {
		if state.deadline.After(now) {
			entries = append(entries, state.entry)
		}
	}
	return entries
}

// sweep removes every expired entry and returns them grouped by sphere.
func (t *TypingTracker) sweep() map[string][]chat.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var expired map[string][]chat.TypingEntry
	for sphereID, sphere := range t.spheres {
		for userID, state := range sphere {
			if state.deadline.After(now) {
				continue
			}
			if expired == nil {
				expired = make(map[string][]chat.TypingEntry)
			}
			expired[sphereID] = append(expired[sphereID], state.entry)
			delete(sphere, userID)
		}
		if len(sphere) == 0 {
			delete(t.spheres, sphereID)
		}
	}
	return expired
}

// Run sweeps at a fixed interval until the context ends, handing each batch
// of expired entries to onExpired (used to broadcast the implicit
// typing:stop frames). Runs independently of connection traffic.
func (t *TypingTracker) Run(ctx context.Context, onExpired func(sphereID string, entries []chat.TypingEntry)) {
	ticker := time.NewTicker(typingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for sphereID, entries := range t.sweep() {
				onExpired(sphereID, entries)
			}
		}
	}
}
