package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	chatsync "github.com/pulsefeed/chatsync-go"
)

// fakePager serves canned pages and records calls.
type fakePager struct {
	mu       sync.Mutex
	pages    map[int]chatsync.MessagePage
	calls    []int
	gate     chan struct{} // when set, Page blocks until the gate closes
	gatePage int           // when >0, only that page blocks
	err      error
}

func (f *fakePager) Page(ctx context.Context, roomID string, page int) (*chatsync.MessagePage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	gate := f.gate
	if f.gatePage != 0 && page != f.gatePage {
		gate = nil
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[page]
	if !ok {
		return &chatsync.MessagePage{}, nil
	}
	return &chatsync.MessagePage{Results: append([]chatsync.Message{}, p.Results...), Next: p.Next}, nil
}

func (f *fakePager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func msgAt(id string, minute int) chatsync.Message {
	return chatsync.Message{
		ID:        id,
		RoomID:    "r1",
		Sender:    chatsync.Participant{ID: "u2", DisplayName: "Dana"},
		Content:   "msg " + id,
		CreatedAt: time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC),
	}
}

func newestFirst(msgs ...chatsync.Message) []chatsync.Message {
	out := append([]chatsync.Message{}, msgs...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func ids(msgs []chatsync.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func strPtr(s string) *string { return &s }

func TestHistoryStore_LoadInitial_ReversesAndReplaces(t *testing.T) {
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2), msgAt("c", 3)), Next: strPtr("2")},
	}}
	store := chatsync.NewHistoryStore(pager)

	// Seed prior state that must be discarded.
	store.IngestPushed(msgAt("old", 0))

	got, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(got))
	require.Equal(t, []string{"a", "b", "c"}, ids(store.Messages("r1")))

	cur := store.Cursor("r1")
	require.Equal(t, 2, cur.Page)
	require.True(t, cur.HasMore)
	require.False(t, cur.Loading)
}

func TestHistoryStore_LoadOlder_PrependsOnlyUnseen(t *testing.T) {
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("c", 3), msgAt("d", 4)), Next: strPtr("2")},
		// Page 2 overlaps with an id already held.
		2: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2), msgAt("c", 3)), Next: nil},
	}}
	store := chatsync.NewHistoryStore(pager)

	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)

	n, err := store.LoadOlder(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"a", "b", "c", "d"}, ids(store.Messages("r1")))

	cur := store.Cursor("r1")
	require.Equal(t, 3, cur.Page)
	require.False(t, cur.HasMore)
}

func TestHistoryStore_LoadOlder_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	pager := &fakePager{
		pages: map[int]chatsync.MessagePage{
			1: {Results: newestFirst(msgAt("c", 3)), Next: strPtr("2")},
			2: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2)), Next: nil},
		},
	}
	store := chatsync.NewHistoryStore(pager)
	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)

	pager.mu.Lock()
	pager.gate = gate
	pager.mu.Unlock()

	first := make(chan int)
	go func() {
		n, _ := store.LoadOlder(context.Background(), "r1")
		first <- n
	}()

	// Wait until the first fetch has claimed the loading flag.
	require.Eventually(t, func() bool {
		return store.Cursor("r1").Loading
	}, time.Second, time.Millisecond)

	// The concurrent call is a no-op with no network traffic.
	n, err := store.LoadOlder(context.Background(), "r1")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, pager.callCount()) // page 1 + in-flight page 2

	close(gate)
	require.Equal(t, 2, <-first)
	require.False(t, store.Cursor("r1").Loading)
}

func TestHistoryStore_LoadOlder_ExhaustedIsTerminal(t *testing.T) {
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("a", 1)), Next: nil},
	}}
	store := chatsync.NewHistoryStore(pager)
	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, store.Cursor("r1").HasMore)

	for i := 0; i < 3; i++ {
		n, err := store.LoadOlder(context.Background(), "r1")
		require.NoError(t, err)
		require.Zero(t, n)
	}
	require.Equal(t, 1, pager.callCount())
}

func TestHistoryStore_LoadOlder_ErrorLeavesStateUntouched(t *testing.T) {
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("b", 2)), Next: strPtr("2")},
	}}
	store := chatsync.NewHistoryStore(pager)
	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)

	pager.mu.Lock()
	pager.err = errors.New("boom")
	pager.mu.Unlock()

	n, err := store.LoadOlder(context.Background(), "r1")
	require.Error(t, err)
	require.Zero(t, n)
	require.Equal(t, []string{"b"}, ids(store.Messages("r1")))

	cur := store.Cursor("r1")
	require.Equal(t, 2, cur.Page) // not advanced
	require.True(t, cur.HasMore)
	require.False(t, cur.Loading) // the claim is released for a retry
}

func TestHistoryStore_ReloadInvalidatesInFlightOlderPage(t *testing.T) {
	gate := make(chan struct{})
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("e", 5), msgAt("f", 6)), Next: strPtr("2")},
		2: {Results: newestFirst(msgAt("c", 3), msgAt("d", 4)), Next: strPtr("3")},
		3: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2)), Next: nil},
	}}
	store := chatsync.NewHistoryStore(pager)

	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)
	_, err = store.LoadOlder(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d", "e", "f"}, ids(store.Messages("r1")))
	require.Equal(t, 3, store.Cursor("r1").Page)

	// Page 3 goes in flight and parks.
	pager.mu.Lock()
	pager.gate = gate
	pager.gatePage = 3
	pager.mu.Unlock()

	stale := make(chan int)
	go func() {
		n, _ := store.LoadOlder(context.Background(), "r1")
		stale <- n
	}()
	require.Eventually(t, func() bool {
		return store.Cursor("r1").Loading
	}, time.Second, time.Millisecond)

	// A reconnect reload replaces the list and resets the cursor while the
	// older page is still parked.
	got, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"e", "f"}, ids(got))
	require.Equal(t, 2, store.Cursor("r1").Page)

	// The stale result is discarded outright: no merge, no cursor advance.
	close(gate)
	require.Zero(t, <-stale)
	require.Equal(t, []string{"e", "f"}, ids(store.Messages("r1")))
	cur := store.Cursor("r1")
	require.Equal(t, 2, cur.Page)
	require.True(t, cur.HasMore)
	require.False(t, cur.Loading)

	// Pagination resumes from page 2 with nothing skipped.
	n, err := store.LoadOlder(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = store.LoadOlder(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, ids(store.Messages("r1")))
	require.False(t, store.Cursor("r1").HasMore)
}

func TestHistoryStore_ReplaceInvalidatesInFlightOlderPage(t *testing.T) {
	gate := make(chan struct{})
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("c", 3)), Next: strPtr("2")},
		2: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2)), Next: nil},
	}}
	store := chatsync.NewHistoryStore(pager)
	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)

	pager.mu.Lock()
	pager.gate = gate
	pager.gatePage = 2
	pager.mu.Unlock()

	stale := make(chan int)
	go func() {
		n, _ := store.LoadOlder(context.Background(), "r1")
		stale <- n
	}()
	require.Eventually(t, func() bool {
		return store.Cursor("r1").Loading
	}, time.Second, time.Millisecond)

	// A filter view swaps the list while the older page is in flight; the
	// stale page must not leak into the filtered results.
	store.Replace("r1", []chatsync.Message{msgAt("c", 3)})

	close(gate)
	require.Zero(t, <-stale)
	require.Equal(t, []string{"c"}, ids(store.Messages("r1")))
}

func TestHistoryStore_IngestPushed_DedupsByID(t *testing.T) {
	store := chatsync.NewHistoryStore(&fakePager{})

	require.True(t, store.IngestPushed(msgAt("a", 1)))
	require.True(t, store.IngestPushed(msgAt("b", 2)))
	require.False(t, store.IngestPushed(msgAt("a", 1)))
	require.Equal(t, []string{"a", "b"}, ids(store.Messages("r1")))
}

func TestHistoryStore_PushDuringLoadOlder_Converges(t *testing.T) {
	gate := make(chan struct{})
	pager := &fakePager{
		pages: map[int]chatsync.MessagePage{
			1: {Results: newestFirst(msgAt("c", 3)), Next: strPtr("2")},
			2: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2)), Next: nil},
		},
	}
	store := chatsync.NewHistoryStore(pager)
	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)

	pager.mu.Lock()
	pager.gate = gate
	pager.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_, _ = store.LoadOlder(context.Background(), "r1")
		close(done)
	}()
	require.Eventually(t, func() bool {
		return store.Cursor("r1").Loading
	}, time.Second, time.Millisecond)

	// A pushed message lands at the tail while the older page is in flight.
	require.True(t, store.IngestPushed(msgAt("d", 4)))

	close(gate)
	<-done

	got := store.Messages("r1")
	require.Equal(t, []string{"a", "b", "c", "d"}, ids(got))
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt),
			"list must stay sorted by created_at")
	}
}

func TestHistoryStore_DedupAcrossPaths_EachIDOnce(t *testing.T) {
	pager := &fakePager{pages: map[int]chatsync.MessagePage{
		1: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2)), Next: strPtr("2")},
		2: {Results: newestFirst(msgAt("a", 1), msgAt("b", 2)), Next: nil},
	}}
	store := chatsync.NewHistoryStore(pager)

	_, err := store.LoadInitial(context.Background(), "r1")
	require.NoError(t, err)
	store.IngestPushed(msgAt("b", 2))
	store.IngestPushed(msgAt("c", 3))
	_, err = store.LoadOlder(context.Background(), "r1")
	require.NoError(t, err)

	seen := map[string]int{}
	for _, m := range store.Messages("r1") {
		seen[m.ID]++
	}
	for id, count := range seen {
		require.Equal(t, 1, count, fmt.Sprintf("id %s delivered %d times", id, count))
	}
	require.Len(t, seen, 3)
}

func TestHistoryStore_Replace_SwapsListWholesale(t *testing.T) {
	store := chatsync.NewHistoryStore(&fakePager{})
	store.IngestPushed(msgAt("a", 1))
	store.IngestPushed(msgAt("b", 2))

	store.Replace("r1", []chatsync.Message{msgAt("b", 2)})
	require.Equal(t, []string{"b"}, ids(store.Messages("r1")))
}
