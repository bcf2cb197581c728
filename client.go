// Package chatsync keeps a chat client's room list and per-room message
// history consistent across three independent update sources: paginated REST
// fetches, a per-room push channel, and presence events.
//
// Example:
//
//	client := chatsync.NewClient("https://pulsefeed.example", token)
//
//	rooms, _ := client.Rooms().List(ctx)
//	page, _ := client.Messages().Page(ctx, rooms[0].ID, 1)
//
//	// Or let a Session do the wiring:
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{BaseURL: base, Token: token, SelfID: me})
//	sess.SelectRoom(ctx, rooms[0])
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every REST call made through the client.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the room/message API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	rooms    *RoomsService
	messages *MessagesService
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client for the API rooted at baseURL. The token is the
// caller-supplied access credential; how it was obtained is out of scope.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.rooms = &RoomsService{client: c}
	c.messages = &MessagesService{client: c}
	return c
}

// SetToken replaces the access credential, e.g. after a token refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Rooms returns the room API sub-client.
func (c *Client) Rooms() *RoomsService {
	return c.rooms
}

// Messages returns the message API sub-client.
func (c *Client) Messages() *MessagesService {
	return c.messages
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Rooms API
// ============================================================================

// RoomsService handles the conversation listing endpoints.
type RoomsService struct{ client *Client }

// List fetches every room the user participates in. Order is whatever the
// server returns; the RoomList coordinator owns sorting.
func (r *RoomsService) List(ctx context.Context) ([]Room, error) {
	data, err := r.client.doRequest(ctx, "GET", "/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	listing, err := decodeJSON[RoomListing](data)
	if err != nil {
		return nil, err
	}
	return listing.Results, nil
}

// Create starts a conversation with another user. The server returns the
// existing room if one is already open between the two participants.
func (r *RoomsService) Create(ctx context.Context, participantID string) (*Room, error) {
	data, err := r.client.doRequest(ctx, "POST", "/rooms", map[string]string{"participant_id": participantID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Room](data)
}

// MarkAllRead marks every message in the room as read.
func (r *RoomsService) MarkAllRead(ctx context.Context, roomID string) error {
	_, err := r.client.doRequest(ctx, "POST", "/rooms/"+roomID+"/messages/mark-all-read", nil, nil)
	return err
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesService handles per-room history endpoints.
type MessagesService struct{ client *Client }

// Page fetches one page of history, newest-first. Page numbering starts at 1.
func (m *MessagesService) Page(ctx context.Context, roomID string, page int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	query := url.Values{"page": {strconv.Itoa(page)}}
	data, err := m.client.doRequest(ctx, "GET", "/rooms/"+roomID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// Filter fetches the subset of a room's history matching the criteria.
func (m *MessagesService) Filter(ctx context.Context, roomID string, criteria FilterCriteria) ([]Message, error) {
	query := url.Values{}
	if criteria.Since != nil {
		query.Set("since", criteria.Since.UTC().Format(time.RFC3339))
	}
	if criteria.Until != nil {
		query.Set("until", criteria.Until.UTC().Format(time.RFC3339))
	}
	if criteria.Unread != nil {
		query.Set("unread", strconv.FormatBool(*criteria.Unread))
	}
	if criteria.SenderID != "" {
		query.Set("sender", criteria.SenderID)
	}
	if criteria.HasAttachment != nil {
		query.Set("has_attachment", strconv.FormatBool(*criteria.HasAttachment))
	}

	data, err := m.client.doRequest(ctx, "GET", "/rooms/"+roomID+"/messages/filter", nil, query)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return messages, nil
}
