// Package chatsync is a client-side synchronization engine for a real-time
// chat service.
//
// A Client talks to the REST endpoints. A Session keeps an in-memory room
// roster and the active room's message log consistent with the server by
// combining history fetches, a per-room live socket and a session-wide
// notification socket.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com", token)
//	session := chatsync.NewSession(client)
//	if err := session.Start(ctx); err != nil {
//		return err
//	}
//	defer session.Close()
//
//	session.OnRosterChange(func(rooms []chatsync.Room) { ... })
//	session.SelectRoom(ctx, rooms[0].ID)
//	session.Send(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 30
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat server. It is safe for concurrent
// use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithDialer sets the HTTP client used for socket handshakes. It must not
// set a Timeout; sockets are bounded by their context.
func WithDialer(client *http.Client) ClientOption {
	return func(c *Client) { c.dialClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the server at baseURL authenticated with a
// bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		dialClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token for subsequent requests and handshakes.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
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

	reqID := xid.New().String()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("request_id", reqID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.logger.Debug("request",
		zap.String("request_id", reqID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
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

// socketURL maps path onto the ws/wss form of the base URL and adds the
// token query parameter.
func (c *Client) socketURL(path string, query url.Values) string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if token := c.Token(); token != "" {
		q.Set("token", token)
	}
	u += path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// ============================================================================
// Account
// ============================================================================

// Me resolves the caller's stable user identifier.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/me", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("who am i: %w", err)
	}
	return decodeJSON[Identity](data)
}

// ListUsers returns the users the caller may start a room with.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// ============================================================================
// Rooms
// ============================================================================

// ListRooms returns the caller's rooms in server order.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/rooms", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	wire, err := decodeJSON[[]roomWire](data)
	if err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(*wire))
	for _, w := range *wire {
		rooms = append(rooms, w.room())
	}
	return rooms, nil
}

// CreateRoom creates a room with the given members. One member makes a
// direct room, more make a group named name.
func (c *Client) CreateRoom(ctx context.Context, userIDs []ID, name string) (*CreatedRoom, error) {
	if len(userIDs) == 0 {
		return nil, ErrNoRecipients
	}
	if len(userIDs) > 1 {
		if err := ValidateRoomName(name); err != nil {
			return nil, err
		}
	}
	body := map[string]any{"user_ids": userIDs}
	if name != "" {
		body["display_name"] = name
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/rooms", body, nil)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return decodeJSON[CreatedRoom](data)
}

// RenameRoom sets a group room's display name.
func (c *Client) RenameRoom(ctx context.Context, roomID ID, name string) error {
	if err := ValidateRoomName(name); err != nil {
		return err
	}
	body := map[string]string{"display_name": name}
	if _, err := c.doRequest(ctx, http.MethodPut, roomPath(roomID, "name"), body, nil); err != nil {
		return fmt.Errorf("rename room: %w", err)
	}
	return nil
}

// MarkRead acknowledges everything in roomID as read.
func (c *Client) MarkRead(ctx context.Context, roomID ID) error {
	if _, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "read"), nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// RoomMembers lists the members of roomID.
func (c *Client) RoomMembers(ctx context.Context, roomID ID) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "members"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// LeaveRoom removes userID from roomID.
func (c *Client) LeaveRoom(ctx context.Context, roomID, userID ID) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, roomPath(roomID, "members", string(userID)), nil, nil); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// DeleteRoom deletes roomID for every member.
func (c *Client) DeleteRoom(ctx context.Context, roomID ID) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, roomPath(roomID), nil, nil); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func roomPath(roomID ID, parts ...string) string {
	p := "/rooms/" + url.PathEscape(string(roomID))
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ============================================================================
// Messages
// ============================================================================

// Messages returns up to limit messages of roomID strictly older than before,
// or the newest limit when before is zero, in ascending order.
func (c *Client) Messages(ctx context.Context, roomID ID, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if !before.IsZero() {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(string(roomID)), nil, query)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	frames, err := decodeJSON[[]RoomFrame](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(*frames))
	for _, f := range *frames {
		msgs = append(msgs, f.message(roomID))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}
