package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for any non-2xx HTTP response.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatsync: HTTP %d", e.Status)
	}
	return fmt.Sprintf("chatsync: HTTP %d: %s", e.Status, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if json.Unmarshal(body, e) != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// Validation and state errors.
var (
	ErrEmptyMessage     = errors.New("chatsync: message is empty")
	ErrMessageTooLong   = fmt.Errorf("chatsync: message exceeds %d characters", MaxMessageLength)
	ErrEmptyRoomName    = errors.New("chatsync: room name is empty")
	ErrRoomNameTooLong  = fmt.Errorf("chatsync: room name exceeds %d characters", MaxRoomNameLength)
	ErrNotConnected     = errors.New("chatsync: room stream is not open")
	ErrNoActiveRoom     = errors.New("chatsync: no room selected")
	ErrSessionClosed    = errors.New("chatsync: session closed")
	ErrTokenExpired     = errors.New("chatsync: token expired")
	ErrNoRecipients     = errors.New("chatsync: at least one user id is required")
	ErrSessionNotActive = errors.New("chatsync: session not started")
)

const (
	MaxMessageLength  = 1000
	MaxRoomNameLength = 30
)

// ValidateMessage checks a message body against the send policy.
func ValidateMessage(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateRoomName checks a group display name against the rename policy.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyRoomName
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	return nil
}

// ============================================================================
// Identifiers and timestamps
// ============================================================================

// ID is an opaque identifier. Users and messages are numbered by the server
// while rooms carry UUIDs; both decode into ID.
type ID string

func (id ID) String() string { return string(id) }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits all-digit ids as numbers, which is what the server binds
// user ids to.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) numeric() bool {
	if id == "" || len(id) > 18 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseServerTime accepts RFC 3339 timestamps and the naive forms the server
// emits on its live sockets. Naive values are read as UTC.
func ParseServerTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05Z07:00", s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ServerTime decodes any timestamp accepted by ParseServerTime.
type ServerTime struct {
	time.Time
}

func (t *ServerTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseServerTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t ServerTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// ============================================================================
// Rooms
// ============================================================================

type RoomKind string

const (
	DirectRoom RoomKind = "direct"
	GroupRoom  RoomKind = "group"
)

// Room is the client-side mirror of one conversation.
type Room struct {
	ID           ID
	Name         string
	Kind         RoomKind
	LastActivity time.Time
	Preview      string
	Unread       int
}

type roomWire struct {
	RoomID        ID         `json:"room_id"`
	DisplayName   string     `json:"display_name"`
	IsGroup       bool       `json:"is_group"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt ServerTime `json:"last_message_at"`
	UnreadCount   int        `json:"unread_count"`
}

func (w roomWire) room() Room {
	kind := DirectRoom
	if w.IsGroup {
		kind = GroupRoom
	}
	unread := w.UnreadCount
	if unread < 0 {
		unread = 0
	}
	return Room{
		ID:           w.RoomID,
		Name:         w.DisplayName,
		Kind:         kind,
		LastActivity: w.LastMessageAt.Time,
		Preview:      w.LastMessage,
		Unread:       unread,
	}
}

// CreatedRoom is the server's answer to a room creation request.
type CreatedRoom struct {
	RoomID      ID     `json:"room_id"`
	DisplayName string `json:"display_name"`
}

// ============================================================================
// Messages
// ============================================================================

// Message is one entry of a room's log.
//
// CreatedAt is the authoritative clock value and drives ordering. DisplayAt is
// the normalized wall-clock value used for rendering and day grouping.
type Message struct {
	ID         ID
	RoomID     ID
	SenderID   ID
	SenderName string
	Body       string
	CreatedAt  time.Time
	DisplayAt  time.Time
	// FromSelf marks the optimistic local copy of a message sent by this client.
	FromSelf bool
	// Pending is true until the local copy is reconciled with the server copy.
	Pending bool
}

// RoomFrame is an inbound frame on the room socket and an element of the
// history endpoint's response.
type RoomFrame struct {
	ID        ID         `json:"id"`
	RoomID    ID         `json:"room_id,omitempty"`
	SenderID  ID         `json:"sender_id"`
	Sender    string     `json:"sender"`
	Content   string     `json:"content"`
	CreatedAt ServerTime `json:"created_at"`
}

func (f RoomFrame) message(roomID ID) Message {
	if f.RoomID != "" {
		roomID = f.RoomID
	}
	return Message{
		ID:         f.ID,
		RoomID:     roomID,
		SenderID:   f.SenderID,
		SenderName: f.Sender,
		Body:       f.Content,
		CreatedAt:  f.CreatedAt.Time,
	}
}

// NotificationFrame is exchanged on the notification socket.
type NotificationFrame struct {
	RoomID      ID         `json:"room_id"`
	SenderID    ID         `json:"sender_id"`
	Sender      string     `json:"sender,omitempty"`
	Content     string     `json:"content"`
	LastMessage string     `json:"last_message,omitempty"`
	CreatedAt   ServerTime `json:"created_at"`
	FromSelf    bool       `json:"from_self"`
}

// Preview is the text shown under the room name in the roster.
func (f NotificationFrame) Preview() string {
	if f.LastMessage != "" {
		return f.LastMessage
	}
	return f.Content
}

// ============================================================================
// Users
// ============================================================================

// Identity is the "who am I" answer for the current token.
type Identity struct {
	UserID ID     `json:"user_id"`
	Name   string `json:"user_name,omitempty"`
}

type User struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}
