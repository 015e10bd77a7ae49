package internal

import (
	"sort"
	"strings"
	"sync"
	"time"

	"spherechat/internal/chat"
)

// PresenceTracker keeps the per-sphere online roster. A user may hold several
// connections to the same sphere (two tabs); the roster flips to offline only
// when the last one goes away. State lives for the process lifetime only and
// is rebuilt from connect/disconnect events.
type PresenceTracker struct {
	mu      sync.Mutex
	spheres map[string]map[string]*presenceState
}

type presenceState struct {
	name     string
	conns    int
	lastSeen time.Time
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{spheres: make(map[string]map[string]*presenceState)}
}

// Join records one more connection for the user and reports whether the user
// just crossed from offline to online. Only boundary crossings are worth a
// presence:join broadcast.
func (p *PresenceTracker) Join(sphereID, userID, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	roster := p.spheres[sphereID]
	if roster == nil {
		roster = make(map[string]*presenceState)
		p.spheres[sphereID] = roster
	}
	state := roster[userID]
	if state == nil {
		state = &presenceState{}
		roster[userID] = state
	}
	if name != "" {
		state.name = name
	}
	state.conns++
	return state.conns == 1
}

// Leave records one connection gone and reports whether the user just went
// offline. The roster entry stays around with a lastSeen stamp; rooms are
// ephemeral, the map is dropped with the process.
func (p *PresenceTracker) Leave(sphereID, userID string) (wentOffline bool, lastSeen time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	roster := p.spheres[sphereID]
	if roster == nil {
		return false, time.Time{}
	}
	state := roster[userID]
	if state == nil || state.conns == 0 {
		return false, time.Time{}
	}
	state.conns--
	if state.conns > 0 {
		return false, time.Time{}
	}
	state.lastSeen = time.Now()
	return true, state.lastSeen
}

// Online reports whether the user holds at least one live connection.
func (p *PresenceTracker) Online(sphereID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if roster := p.spheres[sphereID]; roster != nil {
		if state := roster[userID]; state != nil {
			return state.conns > 0
		}
	}
	return false
}

// Snapshot returns the full roster for a sphere, online users first, then
// case-insensitive by display name. presence:update always carries a whole
// snapshot so receivers can overwrite rather than merge.
func (p *PresenceTracker) Snapshot(sphereID string) []chat.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	roster := p.spheres[sphereID]
	entries := make([]chat.PresenceEntry, 0, len(roster))
	for userID, state := range roster {
		entry := chat.PresenceEntry{
			UserID: userID,
			Name:   state.name,
			Online: state.conns > 0,
		}
		if state.conns == 0 && !state.lastSeen.IsZero() {
			seen := state.lastSeen
			entry.LastSeen = &seen
		}
		entries = append(entries, entry)
	}
	SortRoster(entries)
	return entries
}

// SortRoster orders entries online-first, then alphabetically by display
// name ignoring case, falling back to user id. Shared with the client so
// both sides render the same order.
func SortRoster(entries []chat.PresenceEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Online != entries[j].Online {
			return entries[i].Online
		}
		return strings.ToLower(displayName(entries[i])) < strings.ToLower(displayName(entries[j]))
	})
}

func displayName(e chat.PresenceEntry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.UserID
}
