package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrChannelClosed is returned when an operation requires an open channel.
var ErrChannelClosed = errors.New("channel not open")

// Server close codes that must not trigger reconnection: the credential was
// rejected or the user is not a participant of the room.
const (
	closeCodeAuthFailed     = 4001
	closeCodeNotParticipant = 4003
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelState is the connection lifecycle state.
type ChannelState string

const (
	ChannelClosed     ChannelState = "closed"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
)

// ConnectionState is a snapshot of the channel: at most one connection is
// open at a time, scoped to the currently selected room.
type ConnectionState struct {
	RoomID string
	Status ChannelState
}

// ChannelConfig configures the push channel manager.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onChatMessage  []func(Message)
	onUserStatus   []func(UserStatus)
	onOpen         []func(roomID string)
	onClosed       []func(roomID string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

// dispatch runs handlers synchronously so that, for a given room, frames are
// delivered to subscribers in arrival order. Chat payloads omit room_id on
// the wire; the connection's scoped room is stamped in so subscribers can
// tell which connection a frame came from. Panics in subscriber callbacks
// are swallowed.
func (d *eventDispatcher) dispatch(roomID string, env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case FrameChatMessage:
		var msg Message
		if json.Unmarshal(env.Message, &msg) == nil {
			if msg.RoomID == "" {
				msg.RoomID = roomID
			}
			for _, h := range d.onChatMessage {
				safeCall(func() { h(msg) })
			}
		}
	case FrameUserStatus:
		var status UserStatus
		if json.Unmarshal(env.UserStatus, &status) == nil {
			for _, h := range d.onUserStatus {
				safeCall(func() { h(status) })
			}
		}
	}
}

func (d *eventDispatcher) emitOpen(roomID string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onOpen...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(roomID) })
	}
}

func (d *eventDispatcher) emitClosed(roomID string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onClosed...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(roomID) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(attempt, delay) })
	}
}

func safeCall(f func()) {
	defer func() { recover() }()
	f()
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is shared between Connect callers and the reconnect goroutine,
// so its state is guarded by its own lock.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// nextDelay returns the attempt number it consumed along with its delay.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ChannelManager
// ============================================================================

// ChannelManager owns the single push connection, scoped to the actively
// viewed room. Switching rooms tears down the previous connection before the
// next is established.
type ChannelManager struct {
	baseURL string
	cfg     ChannelConfig
	log     *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	status           ChannelState
	roomID           string
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
}

// NewChannelManager creates a channel manager for the API rooted at baseURL.
func NewChannelManager(baseURL string, cfg ChannelConfig) *ChannelManager {
	cfg.defaults()
	return &ChannelManager{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cfg:        cfg,
		log:        cfg.Logger,
		status:     ChannelClosed,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnChatMessage registers a handler for inbound chat_message frames.
func (cm *ChannelManager) OnChatMessage(h func(Message)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onChatMessage = append(cm.dispatcher.onChatMessage, h)
	cm.dispatcher.mu.Unlock()
}

// OnUserStatus registers a handler for inbound user_status frames.
func (cm *ChannelManager) OnUserStatus(h func(UserStatus)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onUserStatus = append(cm.dispatcher.onUserStatus, h)
	cm.dispatcher.mu.Unlock()
}

// OnOpen registers a handler called after every successful (re)connect.
func (cm *ChannelManager) OnOpen(h func(roomID string)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onOpen = append(cm.dispatcher.onOpen, h)
	cm.dispatcher.mu.Unlock()
}

// OnClosed registers a handler for unexpected closure. Intentional teardown
// via Close does not emit it.
func (cm *ChannelManager) OnClosed(h func(roomID string)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onClosed = append(cm.dispatcher.onClosed, h)
	cm.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for reconnect attempts.
func (cm *ChannelManager) OnReconnecting(h func(attempt int, delay time.Duration)) {
	cm.dispatcher.mu.Lock()
	cm.dispatcher.onReconnecting = append(cm.dispatcher.onReconnecting, h)
	cm.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (cm *ChannelManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	state := ConnectionState{Status: cm.status}
	if cm.status != ChannelClosed {
		state.RoomID = cm.roomID
	}
	return state
}

// IsConnected reports whether the channel is open.
func (cm *ChannelManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.status == ChannelOpen
}

// wsURL derives the connection target from the room id and the credential.
func (cm *ChannelManager) wsURL(roomID string) string {
	base := strings.Replace(cm.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/chat/" + roomID + "/?token=" + cm.cfg.Token
}

// Connect opens the channel for roomID. A connection already open for the
// same room is left alone; one open for another room is torn down first.
func (cm *ChannelManager) Connect(ctx context.Context, roomID string) error {
	cm.mu.Lock()
	var prior *websocket.Conn
	if cm.status != ChannelClosed {
		if cm.roomID == roomID {
			cm.mu.Unlock()
			return nil
		}
		prior = cm.conn
		cm.teardownLocked()
	}
	cm.status = ChannelConnecting
	cm.roomID = roomID
	cm.intentionalClose = false
	cm.mu.Unlock()

	if prior != nil {
		prior.Close(websocket.StatusNormalClosure, "room switch")
	}

	conn, _, err := websocket.Dial(ctx, cm.wsURL(roomID), nil)
	if err != nil {
		cm.mu.Lock()
		if cm.roomID == roomID && cm.status == ChannelConnecting {
			cm.status = ChannelClosed
		}
		cm.mu.Unlock()
		return fmt.Errorf("channel dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	cm.mu.Lock()
	if cm.intentionalClose || cm.roomID != roomID {
		// The room was deselected while dialing.
		cm.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrChannelClosed
	}
	cm.conn = conn
	cm.status = ChannelOpen
	cm.cancelFn = cancel
	cm.mu.Unlock()

	cm.recon.markConnected()
	cm.log.Debug("channel open", "room", roomID)

	// The open event drives the history reload that reconciles anything
	// missed while disconnected.
	cm.dispatcher.emitOpen(roomID)

	go cm.readLoop(connCtx, conn, roomID)

	return nil
}

// Close tears the connection down. Safe to call in any state.
func (cm *ChannelManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	cm.teardownLocked()
	cm.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// teardownLocked resets connection state; the caller holds cm.mu and closes
// the returned-from-state conn itself when needed.
func (cm *ChannelManager) teardownLocked() {
	cm.intentionalClose = true
	if cm.cancelFn != nil {
		cm.cancelFn()
		cm.cancelFn = nil
	}
	cm.conn = nil
	cm.status = ChannelClosed
}

// Send submits a new message over the open channel. The message becomes
// visible only when the server echoes it back as a chat_message frame.
func (cm *ChannelManager) Send(ctx context.Context, content string) error {
	cm.mu.Lock()
	conn, status, roomID := cm.conn, cm.status, cm.roomID
	cm.mu.Unlock()

	if conn == nil || status != ChannelOpen {
		return ErrChannelClosed
	}

	data, err := json.Marshal(ChatFrame{Type: FrameChatMessage, Content: content, RoomID: roomID})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (cm *ChannelManager) readLoop(ctx context.Context, conn *websocket.Conn, roomID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			intentional := cm.intentionalClose || cm.roomID != roomID
			if !intentional {
				cm.conn = nil
				cm.status = ChannelClosed
			}
			cm.mu.Unlock()
			if intentional {
				return
			}

			code := websocket.CloseStatus(err)
			cm.log.Warn("channel dropped", "room", roomID, "code", int(code), "err", err)
			cm.dispatcher.emitClosed(roomID)

			if code == closeCodeAuthFailed || code == closeCodeNotParticipant {
				return
			}
			if cm.cfg.AutoReconnect && cm.recon.shouldReconnect() {
				cm.scheduleReconnect(roomID)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			// Tolerate and drop non-JSON frames.
			cm.log.Debug("discarding unparseable frame", "room", roomID)
			continue
		}
		cm.dispatcher.dispatch(roomID, env)
	}
}

func (cm *ChannelManager) scheduleReconnect(roomID string) {
	attempt, delay := cm.recon.nextDelay()
	cm.dispatcher.emitReconnecting(attempt, delay)

	time.Sleep(delay)

	cm.mu.Lock()
	stale := cm.intentionalClose || cm.roomID != roomID
	cm.mu.Unlock()
	if stale {
		return
	}

	if err := cm.Connect(context.Background(), roomID); err != nil {
		if cm.cfg.AutoReconnect && cm.recon.shouldReconnect() {
			cm.scheduleReconnect(roomID)
		}
	}
}
