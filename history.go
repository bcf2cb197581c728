package chatsync

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// MessagePager is the slice of the REST client the history store needs.
// *MessagesService satisfies it.
type MessagePager interface {
	Page(ctx context.Context, roomID string, page int) (*MessagePage, error)
}

// HistoryStore holds the per-room ordered, deduplicated message collections.
//
// Ordering assumption: the channel never delivers out of causal order for a
// given room, so pushed messages are appended at the tail. Double delivery
// across the push and pagination paths is harmless because merges dedup by
// message id.
type HistoryStore struct {
	pager MessagePager

	mu    sync.Mutex
	rooms map[string]*roomHistory
}

type roomHistory struct {
	messages []Message
	cursor   PaginationCursor

	// gen counts list replacements. An older-page fetch started under a
	// previous generation must not merge into the replaced list.
	gen uint64
}

// NewHistoryStore creates an empty store backed by the given pager.
func NewHistoryStore(pager MessagePager) *HistoryStore {
	return &HistoryStore{
		pager: pager,
		rooms: make(map[string]*roomHistory),
	}
}

func (h *HistoryStore) room(roomID string) *roomHistory {
	rh, ok := h.rooms[roomID]
	if !ok {
		rh = &roomHistory{cursor: PaginationCursor{Page: 1, HasMore: true}}
		h.rooms[roomID] = rh
	}
	return rh
}

// LoadInitial fetches page 1 and replaces the room's entire list with it in
// chronological order. A fetch failure leaves prior state untouched.
func (h *HistoryStore) LoadInitial(ctx context.Context, roomID string) ([]Message, error) {
	page, err := h.pager.Page(ctx, roomID, 1)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.room(roomID)
	rh.gen++
	rh.messages = lo.Reverse(append([]Message{}, page.Results...))
	// A concurrently in-flight LoadOlder keeps its single-flight claim; the
	// generation bump turns its eventual result into a discard.
	rh.cursor = PaginationCursor{Page: 2, HasMore: page.Next != nil, Loading: rh.cursor.Loading}
	return append([]Message{}, rh.messages...), nil
}

// LoadOlder fetches the next older page and prepends the entries not already
// held, preserving existing order. It is single-flight per room: while a
// fetch is in flight, or once pagination is exhausted, it returns 0
// immediately without touching the network. The returned count is the number
// of messages actually prepended.
func (h *HistoryStore) LoadOlder(ctx context.Context, roomID string) (int, error) {
	h.mu.Lock()
	rh := h.room(roomID)
	if rh.cursor.Loading || !rh.cursor.HasMore {
		h.mu.Unlock()
		return 0, nil
	}
	rh.cursor.Loading = true
	page := rh.cursor.Page
	gen := rh.gen
	h.mu.Unlock()

	result, err := h.pager.Page(ctx, roomID, page)

	h.mu.Lock()
	defer h.mu.Unlock()
	rh.cursor.Loading = false
	if err != nil {
		return 0, err
	}
	if rh.gen != gen {
		// The list was replaced while this page was in flight; merging now
		// would leave a gap and advance the cursor past unfetched pages.
		return 0, nil
	}

	existing := lo.SliceToMap(rh.messages, func(m Message) (string, struct{}) {
		return m.ID, struct{}{}
	})
	fresh := lo.Filter(lo.Reverse(append([]Message{}, result.Results...)), func(m Message, _ int) bool {
		_, dup := existing[m.ID]
		return !dup
	})

	rh.messages = append(fresh, rh.messages...)
	rh.cursor.Page = page + 1
	rh.cursor.HasMore = result.Next != nil
	return len(fresh), nil
}

// IngestPushed accepts one message from the channel. Messages whose id is
// already held are dropped; anything else is appended at the tail. Reports
// whether the message was inserted.
func (h *HistoryStore) IngestPushed(msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.room(msg.RoomID)
	for _, m := range rh.messages {
		if m.ID == msg.ID {
			return false
		}
	}
	rh.messages = append(rh.messages, msg)
	return true
}

// Replace swaps the room's list wholesale, e.g. with filtered results. The
// pagination cursor is left alone; clearing a filter goes back through
// LoadInitial.
func (h *HistoryStore) Replace(roomID string, messages []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rh := h.room(roomID)
	rh.gen++
	rh.messages = append([]Message{}, messages...)
}

// Messages returns a snapshot of the room's list in chronological order.
func (h *HistoryStore) Messages(roomID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	rh, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Message{}, rh.messages...)
}

// Cursor returns a snapshot of the room's pagination cursor.
func (h *HistoryStore) Cursor(roomID string) PaginationCursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	rh, ok := h.rooms[roomID]
	if !ok {
		return PaginationCursor{Page: 1, HasMore: true}
	}
	return rh.cursor
}
