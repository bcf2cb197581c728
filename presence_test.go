package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresenceTracker_ScopedToOtherParticipant(t *testing.T) {
	p := NewPresenceTracker()
	p.SetScope("u2")

	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOnline})
	p.OnStatus(UserStatus{UserID: "u5", Status: StatusOnline}) // stranger, dropped

	require.True(t, p.IsOnline("u2"))
	require.False(t, p.IsOnline("u5"))
	require.Equal(t, StatusOffline, p.Entry("u5").Status)
}

func TestPresenceTracker_NoScopeDropsEverything(t *testing.T) {
	p := NewPresenceTracker()

	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOnline})
	require.False(t, p.IsOnline("u2"))
}

func TestPresenceTracker_OfflineStampsLastSeenOnce(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := NewPresenceTracker()
	p.now = func() time.Time { return clock }
	p.SetScope("u2")

	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOnline})
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOffline})

	entry := p.Entry("u2")
	require.Equal(t, StatusOffline, entry.Status)
	require.NotNil(t, entry.LastSeen)
	require.Equal(t, clock, *entry.LastSeen)

	// A repeated offline frame without an intervening online must not
	// refresh the stamp.
	clock = clock.Add(5 * time.Minute)
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOffline})
	require.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), *p.Entry("u2").LastSeen)

	// A full online/offline cycle does.
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOnline})
	clock = clock.Add(time.Minute)
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOffline})
	require.Equal(t, clock, *p.Entry("u2").LastSeen)
}

func TestPresenceTracker_PrefersServerLastSeen(t *testing.T) {
	p := NewPresenceTracker()
	p.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	p.SetScope("u2")

	server := time.Date(2026, 3, 1, 8, 58, 12, 0, time.UTC)
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOnline})
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOffline, LastSeen: &server})

	require.Equal(t, server, *p.Entry("u2").LastSeen)
}

func TestPresenceTracker_ScopeSwitchDropsOldUserFrames(t *testing.T) {
	p := NewPresenceTracker()
	p.SetScope("u2")
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOnline})

	p.SetScope("u5")
	p.OnStatus(UserStatus{UserID: "u2", Status: StatusOffline}) // stale room, dropped
	p.OnStatus(UserStatus{UserID: "u5", Status: StatusOnline})

	require.True(t, p.IsOnline("u2")) // untouched by the dropped frame
	require.True(t, p.IsOnline("u5"))
}
