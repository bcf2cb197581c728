package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrNoActiveRoom is returned by room-scoped operations when nothing is
// selected.
var ErrNoActiveRoom = errors.New("no active room")

// ErrSendTimeout reports a submission whose echo never arrived.
var ErrSendTimeout = errors.New("send not confirmed before timeout")

// ============================================================================
// Notices
// ============================================================================

// NoticeKind classifies user-facing failure notifications. Every failure is
// terminal for the operation that raised it and degrades to a visible,
// recoverable state; nothing here retries automatically.
type NoticeKind string

const (
	NoticeFetchFailure   NoticeKind = "fetch_failure"
	NoticeChannelFailure NoticeKind = "channel_failure"
	NoticeSendFailure    NoticeKind = "send_failure"
)

// Notice is a transient user-facing failure notification.
type Notice struct {
	Kind   NoticeKind
	RoomID string
	Err    error
}

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	BaseURL string
	Token   string
	// SelfID is the session user's id, used to recognize echoes of the
	// user's own messages.
	SelfID string

	HTTPClient    *http.Client
	Logger        *slog.Logger
	AutoReconnect bool
	SendTimeout   time.Duration
	ListingTTL    time.Duration
}

// Session merges the three update sources — REST pagination, the per-room
// push channel, and presence events — into one consistent view. The channel
// manager stays free of business logic: the history store, room list and
// presence tracker are independent subscribers wired here.
type Session struct {
	client   *Client
	channel  *ChannelManager
	history  *HistoryStore
	roomList *RoomList
	presence *PresenceTracker
	outbox   *Outbox
	cache    *listingCache
	log      *slog.Logger
	selfID   string

	mu          sync.Mutex
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
	active      *Room
	filterOn    bool
	onNotice    func(Notice)
}

// NewSession builds a session and wires the subscribers.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("self id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var clientOpts []ClientOption
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(cfg.HTTPClient))
	}
	client := NewClient(cfg.BaseURL, cfg.Token, clientOpts...)

	s := &Session{
		client: client,
		channel: NewChannelManager(cfg.BaseURL, ChannelConfig{
			Token:         cfg.Token,
			AutoReconnect: cfg.AutoReconnect,
			Logger:        cfg.Logger,
		}),
		history:  NewHistoryStore(client.Messages()),
		roomList: NewRoomList(client.Rooms()),
		presence: NewPresenceTracker(),
		outbox:   NewOutbox(cfg.SendTimeout),
		cache:    newListingCache(cfg.ListingTTL),
		log:      cfg.Logger,
		selfID:   cfg.SelfID,
	}

	// Start with a selection epoch so epochCtx is never nil.
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())

	s.channel.OnChatMessage(s.handleChatMessage)
	s.channel.OnUserStatus(s.presence.OnStatus)
	s.channel.OnOpen(s.handleChannelOpen)
	s.channel.OnClosed(func(roomID string) {
		s.notify(Notice{Kind: NoticeChannelFailure, RoomID: roomID, Err: ErrChannelClosed})
	})
	s.outbox.OnFailed(func(ps PendingSend) {
		s.notify(Notice{Kind: NoticeSendFailure, RoomID: ps.RoomID, Err: ErrSendTimeout})
	})

	return s, nil
}

// OnNotice registers the handler for transient failure notifications.
func (s *Session) OnNotice(h func(Notice)) {
	s.mu.Lock()
	s.onNotice = h
	s.mu.Unlock()
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	h := s.onNotice
	s.mu.Unlock()

	s.log.Debug("notice", "kind", string(n.Kind), "room", n.RoomID, "err", n.Err)
	if h != nil {
		safeCall(func() { h(n) })
	}
}

// fetchFailed surfaces a fetch failure unless it was a stale-epoch cancel.
func (s *Session) fetchFailed(roomID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.notify(Notice{Kind: NoticeFetchFailure, RoomID: roomID, Err: err})
}

// ============================================================================
// Event routing
// ============================================================================

// handleChatMessage routes an inbound chat_message frame: history store
// first, then room list, in that order. The channel stamps its scoped room
// id into the frame; the previous room's connection keeps reading until the
// switch tears it down, so anything from a room other than the active one
// belongs to a torn-down channel and is dropped.
func (s *Session) handleChatMessage(msg Message) {
	s.mu.Lock()
	active := s.active
	filterOn := s.filterOn
	s.mu.Unlock()

	if active == nil || msg.RoomID != active.ID {
		return
	}

	if msg.Sender.ID == s.selfID {
		s.outbox.ConfirmEcho(msg)
	}

	// While a filter view is active the replaced list is left alone so
	// non-matching live messages cannot interleave; recency still updates.
	if !filterOn {
		s.history.IngestPushed(msg)
	}
	s.roomList.ApplyNewMessage(msg.RoomID, msg)
}

// handleChannelOpen runs the reconciliation reload: a fresh first page
// replaces whatever was held, covering anything missed while disconnected.
// There is no event-sequence-number resume.
func (s *Session) handleChannelOpen(roomID string) {
	s.mu.Lock()
	ctx := s.epochCtx
	s.mu.Unlock()

	go func() {
		if _, err := s.history.LoadInitial(ctx, roomID); err != nil {
			s.fetchFailed(roomID, err)
		}
	}()
}

// ============================================================================
// Room selection
// ============================================================================

// SelectRoom makes the room the active conversation: bumps the selection
// epoch (cancelling the previous epoch's in-flight loads), loads the first
// history page, resets the unread counter, and opens the push channel.
func (s *Session) SelectRoom(ctx context.Context, room Room) error {
	s.mu.Lock()
	s.epoch++
	if s.epochCancel != nil {
		s.epochCancel()
	}
	epochCtx, cancel := context.WithCancel(context.Background())
	s.epochCtx, s.epochCancel = epochCtx, cancel
	r := room
	s.active = &r
	s.filterOn = false
	s.mu.Unlock()

	s.cache.invalidate()
	s.presence.SetScope(room.OtherParticipant.ID)

	loadCtx, done := joinContext(ctx, epochCtx)
	defer done()

	if _, err := s.history.LoadInitial(loadCtx, room.ID); err != nil {
		s.fetchFailed(room.ID, err)
	}

	go func() {
		if err := s.client.Rooms().MarkAllRead(epochCtx, room.ID); err != nil {
			s.fetchFailed(room.ID, err)
			return
		}
		s.roomList.ClearUnread(room.ID)
	}()

	// A newer selection may have raced past while the load was in flight;
	// connecting now would steal the channel back to a stale room.
	if epochCtx.Err() != nil {
		return epochCtx.Err()
	}

	if err := s.channel.Connect(ctx, room.ID); err != nil {
		s.notify(Notice{Kind: NoticeChannelFailure, RoomID: room.ID, Err: err})
		return err
	}
	return nil
}

// Deselect leaves the active room, tearing down the channel and discarding
// unconfirmed submissions (their echo can no longer arrive).
func (s *Session) Deselect() {
	s.mu.Lock()
	s.epoch++
	if s.epochCancel != nil {
		s.epochCancel()
	}
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
	s.active = nil
	s.filterOn = false
	s.mu.Unlock()

	s.presence.SetScope("")
	s.cache.invalidate()
	s.outbox.Drop()
	s.channel.Close()
}

// ActiveRoom returns the currently selected room, if any.
func (s *Session) ActiveRoom() (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Room{}, false
	}
	return *s.active, true
}

// IsConnected reports whether the push channel is open.
func (s *Session) IsConnected() bool {
	return s.channel.IsConnected()
}

// ============================================================================
// History
// ============================================================================

// LoadOlder fetches the next older page for the active room. Results landing
// after the selection epoch has moved on are cancelled rather than merged.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	active := s.active
	epochCtx := s.epochCtx
	s.mu.Unlock()
	if active == nil {
		return 0, ErrNoActiveRoom
	}

	loadCtx, done := joinContext(ctx, epochCtx)
	defer done()

	n, err := s.history.LoadOlder(loadCtx, active.ID)
	if err != nil {
		s.fetchFailed(active.ID, err)
		return 0, err
	}
	return n, nil
}

// LoadOlderAnchored is LoadOlder bracketed by scroll anchoring: the caller's
// viewport keeps the same messages visually in place after the prepend.
func (s *Session) LoadOlderAnchored(ctx context.Context, anchor *ScrollAnchor) (int, error) {
	before := anchor.CaptureBefore()
	n, err := s.LoadOlder(ctx)
	if err != nil || n == 0 {
		return n, err
	}
	anchor.RestoreAfter(before)
	return n, nil
}

// Messages returns the active room's list in chronological order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return nil
	}
	return s.history.Messages(active.ID)
}

// Cursor returns the active room's pagination cursor.
func (s *Session) Cursor() PaginationCursor {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return PaginationCursor{}
	}
	return s.history.Cursor(active.ID)
}

// ============================================================================
// Filter view
// ============================================================================

// ApplyFilter replaces the active room's list with the matching subset.
// Live channel ingestion into the list is suppressed until the filter is
// cleared; the room list keeps tracking recency from live messages.
func (s *Session) ApplyFilter(ctx context.Context, criteria FilterCriteria) ([]Message, error) {
	s.mu.Lock()
	active := s.active
	epochCtx := s.epochCtx
	s.mu.Unlock()
	if active == nil {
		return nil, ErrNoActiveRoom
	}

	loadCtx, done := joinContext(ctx, epochCtx)
	defer done()

	messages, err := s.client.Messages().Filter(loadCtx, active.ID, criteria)
	if err != nil {
		s.fetchFailed(active.ID, err)
		return nil, err
	}

	s.mu.Lock()
	stillActive := s.active != nil && s.active.ID == active.ID
	if stillActive {
		s.filterOn = true
	}
	s.mu.Unlock()
	if !stillActive {
		return nil, ErrNoActiveRoom
	}

	s.history.Replace(active.ID, messages)
	return messages, nil
}

// ClearFilter restores the canonical paginated view by reissuing the
// initial load.
func (s *Session) ClearFilter(ctx context.Context) error {
	s.mu.Lock()
	active := s.active
	epochCtx := s.epochCtx
	s.filterOn = false
	s.mu.Unlock()
	if active == nil {
		return ErrNoActiveRoom
	}

	loadCtx, done := joinContext(ctx, epochCtx)
	defer done()

	if _, err := s.history.LoadInitial(loadCtx, active.ID); err != nil {
		s.fetchFailed(active.ID, err)
		return err
	}
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// Send submits a message for the active room over the open channel. It does
// not insert anything into history: the message appears when the server
// echoes it back. With no open channel the send fails and nothing is
// created.
func (s *Session) Send(ctx context.Context, content string) (*PendingSend, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return nil, ErrNoActiveRoom
	}

	if err := s.channel.Send(ctx, content); err != nil {
		s.notify(Notice{Kind: NoticeSendFailure, RoomID: active.ID, Err: err})
		return nil, err
	}
	return s.outbox.Submit(active.ID, content), nil
}

// PendingSends returns the active room's unconfirmed submissions.
func (s *Session) PendingSends() []PendingSend {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return nil
	}
	return s.outbox.Pending(active.ID)
}

// ============================================================================
// Room list
// ============================================================================

// Rooms returns the sorted room list, served from the short-lived cache
// unless it is stale or force is set.
func (s *Session) Rooms(ctx context.Context, force bool) ([]Room, error) {
	if !force {
		if cached, ok := s.cache.get(); ok {
			return cached, nil
		}
	}

	rooms, err := s.roomList.Load(ctx)
	if err != nil {
		s.fetchFailed("", err)
		return nil, err
	}
	s.cache.put(rooms)
	return rooms, nil
}

// CreateRoom starts a conversation and places it at the head of the list.
func (s *Session) CreateRoom(ctx context.Context, participantID string) (*Room, error) {
	room, err := s.client.Rooms().Create(ctx, participantID)
	if err != nil {
		s.fetchFailed("", err)
		return nil, err
	}
	s.roomList.ApplyCreatedRoom(*room)
	s.cache.invalidate()
	return room, nil
}

// Presence returns the tracked presence of the active room's other
// participant.
func (s *Session) Presence() (PresenceEntry, bool) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return PresenceEntry{}, false
	}
	return s.presence.Entry(active.OtherParticipant.ID), true
}

// Close tears the session down.
func (s *Session) Close() {
	s.Deselect()
}

// joinContext derives a context cancelled when either parent is.
func joinContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
