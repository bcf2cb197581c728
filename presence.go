package chatsync

import (
	"sync"
	"time"
)

// PresenceTracker derives online state and last-seen timestamps from channel
// events. It tracks only the other participant of the currently open room;
// status frames for anyone else are silently discarded.
type PresenceTracker struct {
	mu       sync.Mutex
	scope    string
	online   map[string]struct{}
	lastSeen map[string]time.Time

	now func() time.Time
}

// NewPresenceTracker creates an empty tracker with no scoped user.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetScope names the user whose presence is tracked, i.e. the other
// participant of the room being opened. An empty id clears the scope.
func (p *PresenceTracker) SetScope(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scope = userID
}

// OnStatus applies one user_status frame. A transition to offline stamps
// last_seen once and leaves it alone until the next online/offline cycle.
// The stamp prefers the server-reported time when the frame carries one;
// otherwise it is client-observed, only as accurate as delivery latency.
func (p *PresenceTracker) OnStatus(status UserStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scope == "" || status.UserID != p.scope {
		return
	}

	switch status.Status {
	case StatusOnline:
		p.online[status.UserID] = struct{}{}
	case StatusOffline:
		_, wasOnline := p.online[status.UserID]
		delete(p.online, status.UserID)
		_, stamped := p.lastSeen[status.UserID]
		if wasOnline || !stamped {
			if status.LastSeen != nil {
				p.lastSeen[status.UserID] = *status.LastSeen
			} else {
				p.lastSeen[status.UserID] = p.now()
			}
		}
	}
}

// IsOnline reports whether the user is currently recorded as online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// Entry returns the tracked presence of the user.
func (p *PresenceTracker) Entry(userID string) PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := PresenceEntry{UserID: userID, Status: StatusOffline}
	if _, ok := p.online[userID]; ok {
		entry.Status = StatusOnline
	}
	if ts, ok := p.lastSeen[userID]; ok {
		t := ts
		entry.LastSeen = &t
	}
	return entry
}
