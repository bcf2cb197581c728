package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSendTimeout is how long a submitted message may stay unconfirmed
// before it is reported as failed.
const DefaultSendTimeout = 15 * time.Second

// SendState tags an outgoing message's lifecycle.
type SendState string

const (
	SendPending   SendState = "pending"
	SendConfirmed SendState = "confirmed"
	SendFailed    SendState = "failed"
)

// PendingSend is one submitted message awaiting its channel echo. The server
// assigns ids, so until the echo arrives the message exists only here, keyed
// by a client-generated id.
type PendingSend struct {
	ClientID    string
	RoomID      string
	Content     string
	SubmittedAt time.Time
	State       SendState

	// Message is the server's echo, set once confirmed.
	Message *Message
}

// Outbox tracks submitted messages between channel send and channel echo.
// There is no optimistic insertion into history: a message becomes visible
// through the same chat_message path as everything else, and the outbox only
// answers "is anything still pending" and "did it time out".
type Outbox struct {
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	pending  map[string]*PendingSend
	timers   map[string]*time.Timer
	onFailed func(PendingSend)
}

// NewOutbox creates an outbox. A non-positive timeout means
// DefaultSendTimeout.
func NewOutbox(timeout time.Duration) *Outbox {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Outbox{
		timeout: timeout,
		now:     time.Now,
		pending: make(map[string]*PendingSend),
		timers:  make(map[string]*time.Timer),
	}
}

// OnFailed registers the handler invoked when a submission times out without
// an echo.
func (o *Outbox) OnFailed(h func(PendingSend)) {
	o.mu.Lock()
	o.onFailed = h
	o.mu.Unlock()
}

// Submit records a message handed to the channel and starts its confirmation
// timer.
func (o *Outbox) Submit(roomID, content string) *PendingSend {
	ps := &PendingSend{
		ClientID:    uuid.NewString(),
		RoomID:      roomID,
		Content:     content,
		SubmittedAt: o.now(),
		State:       SendPending,
	}

	o.mu.Lock()
	o.pending[ps.ClientID] = ps
	o.timers[ps.ClientID] = time.AfterFunc(o.timeout, func() { o.expire(ps.ClientID) })
	o.mu.Unlock()

	return ps
}

// ConfirmEcho resolves a pending submission against the server's echo of the
// session user's own message. Matching is oldest-pending-first within the
// room among entries with identical content; the wire carries no client
// marker, so this is the strongest correlation available. Returns the
// resolved entry, or nil when nothing matched (e.g. an echo of a message
// sent from another device).
func (o *Outbox) ConfirmEcho(msg Message) *PendingSend {
	o.mu.Lock()
	defer o.mu.Unlock()

	var match *PendingSend
	for _, ps := range o.pending {
		if ps.RoomID != msg.RoomID || ps.Content != msg.Content {
			continue
		}
		if match == nil || ps.SubmittedAt.Before(match.SubmittedAt) {
			match = ps
		}
	}
	if match == nil {
		return nil
	}

	if t := o.timers[match.ClientID]; t != nil {
		t.Stop()
	}
	delete(o.timers, match.ClientID)
	delete(o.pending, match.ClientID)

	m := msg
	match.State = SendConfirmed
	match.Message = &m
	return match
}

func (o *Outbox) expire(clientID string) {
	o.mu.Lock()
	ps, ok := o.pending[clientID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.pending, clientID)
	delete(o.timers, clientID)
	ps.State = SendFailed
	failed := *ps
	handler := o.onFailed
	o.mu.Unlock()

	if handler != nil {
		handler(failed)
	}
}

// Pending returns the room's unconfirmed submissions, oldest first, for
// rendering pending indicators.
func (o *Outbox) Pending(roomID string) []PendingSend {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []PendingSend
	for _, ps := range o.pending {
		if ps.RoomID == roomID {
			out = append(out, *ps)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Drop discards every pending entry, stopping timers. Used on teardown.
func (o *Outbox) Drop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.pending = make(map[string]*PendingSend)
}
