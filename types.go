package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Participant identifies one side of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// Message is a single chat message. Within a room, ids are unique and the
// client-held sequence is sorted ascending by CreatedAt.
type Message struct {
	ID             string      `json:"id"`
	RoomID         string      `json:"room_id,omitempty"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	Attachment     string      `json:"attachment,omitempty"`
	AttachmentType string      `json:"attachment_type,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	IsRead         bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	UpdatedAt      *time.Time  `json:"updated_at,omitempty"`
}

// Room is a conversation between the session user and one other participant.
// UpdatedAt tracks the CreatedAt of LastMessage when one exists.
type Room struct {
	ID               string      `json:"id"`
	OtherParticipant Participant `json:"other_participant"`
	LastMessage      *Message    `json:"last_message"`
	UnreadCount      int         `json:"unread_count"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// recency is the sort key for the room list: rooms without any message sort
// as if their last activity were the zero time.
func (r *Room) recency() time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.CreatedAt
	}
	return time.Time{}
}

// PaginationCursor tracks backward pagination for one room. Page is the next
// older page to fetch; HasMore=false is terminal.
type PaginationCursor struct {
	Page    int  `json:"page"`
	HasMore bool `json:"has_more"`
	Loading bool `json:"loading"`
}

// PresenceStatus is a user's channel-reported presence.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// PresenceEntry is the tracked presence of one user.
type PresenceEntry struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"last_seen,omitempty"`
}

// FilterCriteria selects a subset of a room's history.
type FilterCriteria struct {
	Since         *time.Time
	Until         *time.Time
	Unread        *bool
	SenderID      string
	HasAttachment *bool
}

// ============================================================================
// REST envelopes
// ============================================================================

// RoomListing is the GET /rooms response.
type RoomListing struct {
	Results []Room  `json:"results"`
	Count   int     `json:"count,omitempty"`
	Next    *string `json:"next,omitempty"`
}

// MessagePage is one page of history, newest-first as returned by the server.
// Next is nil on the oldest page.
type MessagePage struct {
	Results []Message `json:"results"`
	Next    *string   `json:"next"`
}

// ============================================================================
// Channel wire format
// ============================================================================

// Frame type tags used on the push channel.
const (
	FrameChatMessage = "chat_message"
	FrameUserStatus  = "user_status"
)

// Envelope is the wire format for inbound channel frames. Exactly one of the
// payload fields is set depending on Type.
type Envelope struct {
	Type       string          `json:"type"`
	Message    json.RawMessage `json:"message,omitempty"`
	UserStatus json.RawMessage `json:"user_status,omitempty"`
}

// UserStatus is the payload of a user_status frame. LastSeen accompanies
// offline transitions when the server knows it.
type UserStatus struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"last_seen,omitempty"`
}

// ChatFrame is the outbound frame submitting a new message.
type ChatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	RoomID  string `json:"room_id"`
}
