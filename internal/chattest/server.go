// Package chattest runs an in-process chat server for tests. It speaks the
// same REST routes and socket frames as the production server and lets a
// test push frames, inspect what the client sent, hold history responses and
// inject failures.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultToken is the bearer token a new Server accepts.
const DefaultToken = "test-token"

// JST is the zone the server stamps live messages in.
var JST = time.FixedZone("JST", 9*60*60)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Room is the server-side state of one room.
type Room struct {
	ID            string
	Name          string
	IsGroup       bool
	Members       []uint
	LastMessage   string
	LastMessageAt time.Time
	Unread        int
}

// Message is a server-side message and the room socket frame.
type Message struct {
	ID        uint      `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  uint      `json:"sender_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is the notification socket frame.
type Notification struct {
	RoomID      string `json:"room_id"`
	SenderID    uint   `json:"sender_id"`
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	LastMessage string `json:"last_message"`
	CreatedAt   string `json:"created_at"`
	FromSelf    bool   `json:"from_self"`
}

type User struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type roomSummary struct {
	RoomID        string    `json:"room_id"`
	DisplayName   string    `json:"display_name"`
	IsGroup       bool      `json:"is_group"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

// socket serializes writes to one gorilla connection.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
	room string
}

func (s *socket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake chat server bound to a loopback port.
type Server struct {
	URL string

	http *httptest.Server
	me   User

	mu        sync.Mutex
	token     string
	users     []User
	rooms     map[string]*Room
	messages  map[string][]Message
	nextID    uint
	roomConns map[*socket]struct{}
	notifies  map[*socket]struct{}
	received  []Message
	announces []Notification
	reads     map[string]int
	holds     map[string]chan struct{}
	muted     map[string]bool
	failures  map[string]int
	queries   []map[string]string
}

// New starts a server for user id 1 named "alice" and stops it when the test
// ends.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		me:        User{ID: 1, Name: "alice"},
		token:     DefaultToken,
		users:     []User{{ID: 2, Name: "bob"}, {ID: 3, Name: "carol"}},
		rooms:     make(map[string]*Room),
		messages:  make(map[string][]Message),
		roomConns: make(map[*socket]struct{}),
		notifies:  make(map[*socket]struct{}),
		reads:     make(map[string]int),
		holds:     make(map[string]chan struct{}),
		muted:     make(map[string]bool),
		failures:  make(map[string]int),
	}
	s.http = httptest.NewServer(s.router())
	s.URL = s.http.URL
	t.Cleanup(s.Close)
	return s
}

// Close drops every socket and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	for _, ch := range s.holds {
		close(ch)
	}
	s.holds = make(map[string]chan struct{})
	for c := range s.roomConns {
		c.conn.Close()
	}
	for c := range s.notifies {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.http.CloseClientConnections()
	s.http.Close()
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(s.authorize, s.injectFailure)

	r.GET("/me", s.handleMe)
	r.GET("/users", s.handleUsers)
	r.GET("/rooms", s.handleListRooms)
	r.POST("/rooms", s.handleCreateRoom)
	r.PUT("/rooms/:room_id/name", s.handleRename)
	r.POST("/rooms/:room_id/read", s.handleRead)
	r.GET("/rooms/:room_id/members", s.handleMembers)
	r.DELETE("/rooms/:room_id/members/:user_id", s.handleLeave)
	r.DELETE("/rooms/:room_id", s.handleDelete)
	r.GET("/messages/:room_id", s.handleMessages)
	r.GET("/ws", s.handleRoomSocket)
	r.GET("/ws-notify", s.handleNotifySocket)
	return r
}

// ── Middleware ──

func (s *Server) authorize(c *gin.Context) {
	token := c.Query("token")
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = h[len("Bearer "):]
	}
	s.mu.Lock()
	want := s.token
	s.mu.Unlock()
	if token != want {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) injectFailure(c *gin.Context) {
	key := c.Request.Method + " " + c.FullPath()
	s.mu.Lock()
	status, ok := s.failures[key]
	s.mu.Unlock()
	if ok {
		c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
		return
	}
	c.Next()
}

// ── REST handlers ──

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": s.me.ID})
}

func (s *Server) handleUsers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.users)
}

func (s *Server) handleListRooms(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]roomSummary, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, roomSummary{
			RoomID:        r.ID,
			DisplayName:   r.Name,
			IsGroup:       r.IsGroup,
			LastMessage:   r.LastMessage,
			LastMessageAt: r.LastMessageAt,
			UnreadCount:   r.Unread,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req struct {
		UserIDs     []uint `json:"user_ids"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.UserIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	room := &Room{
		ID:            uuid.NewString(),
		Name:          req.DisplayName,
		IsGroup:       len(req.UserIDs) > 1,
		Members:       append([]uint{s.me.ID}, req.UserIDs...),
		LastMessageAt: time.Now(),
	}
	s.AddRoom(*room)
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "display_name": room.Name})
}

func (s *Server) handleRename(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DisplayName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[c.Param("room_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	room.Name = req.DisplayName
	c.JSON(http.StatusOK, gin.H{"message": "room name updated"})
}

func (s *Server) handleRead(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("room_id")
	s.reads[id]++
	if room, ok := s.rooms[id]; ok {
		room.Unread = 0
	}
	c.JSON(http.StatusOK, gin.H{"message": "marked as read"})
}

func (s *Server) handleMembers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[c.Param("room_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	members := make([]User, 0, len(room.Members))
	for _, id := range room.Members {
		members = append(members, s.userLocked(id))
	}
	c.JSON(http.StatusOK, members)
}

func (s *Server) handleLeave(c *gin.Context) {
	uid, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[c.Param("room_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	kept := room.Members[:0]
	for _, m := range room.Members {
		if m != uint(uid) {
			kept = append(kept, m)
		}
	}
	room.Members = kept
	if uint(uid) == s.me.ID {
		delete(s.rooms, room.ID)
	}
	c.JSON(http.StatusOK, gin.H{"message": "left room"})
}

func (s *Server) handleDelete(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("room_id")
	if _, ok := s.rooms[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	delete(s.rooms, id)
	delete(s.messages, id)
	c.JSON(http.StatusOK, gin.H{"message": "room deleted"})
}

func (s *Server) handleMessages(c *gin.Context) {
	roomID := c.Param("room_id")

	s.mu.Lock()
	s.queries = append(s.queries, map[string]string{
		"room":   roomID,
		"limit":  c.Query("limit"),
		"before": c.Query("before"),
	})
	hold := s.holds[roomID]
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-c.Request.Context().Done():
			return
		}
	}

	limit := 30
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
		before = t
	}

	s.mu.Lock()
	all := append([]Message(nil), s.messages[roomID]...)
	s.mu.Unlock()

	// newest first, the way the history query reads them
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	page := make([]Message, 0, limit)
	for _, m := range all {
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, page)
}

// ── Sockets ──

func (s *Server) handleRoomSocket(c *gin.Context) {
	roomID := c.Query("room")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room_id"})
		return
	}
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := &socket{conn: conn, room: roomID}
	s.mu.Lock()
	s.roomConns[sock] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.roomConns, sock)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := Message{
			RoomID:    roomID,
			SenderID:  s.me.ID,
			Sender:    s.me.Name,
			Content:   string(data),
			CreatedAt: time.Now().In(JST),
		}
		msg = s.store(msg)
		s.mu.Lock()
		s.received = append(s.received, msg)
		muted := s.muted[roomID]
		s.mu.Unlock()

		s.PushNotify(Notification{
			RoomID:      roomID,
			SenderID:    msg.SenderID,
			Sender:      msg.Sender,
			Content:     msg.Content,
			LastMessage: msg.Content,
			CreatedAt:   msg.CreatedAt.Format(time.RFC3339),
			FromSelf:    true,
		})
		if !muted {
			s.broadcast(roomID, msg)
		}
	}
}

func (s *Server) handleNotifySocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := &socket{conn: conn}
	s.mu.Lock()
	s.notifies[sock] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.notifies, sock)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var n Notification
		if json.Unmarshal(data, &n) != nil {
			continue
		}
		s.mu.Lock()
		s.announces = append(s.announces, n)
		s.mu.Unlock()
	}
}

func (s *Server) broadcast(roomID string, msg Message) {
	data, _ := json.Marshal(msg)
	s.mu.Lock()
	var targets []*socket
	for c := range s.roomConns {
		if c.room == roomID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.write(data)
	}
}

func (s *Server) store(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == 0 {
		s.nextID++
		msg.ID = s.nextID
	} else if msg.ID > s.nextID {
		s.nextID = msg.ID
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	if room, ok := s.rooms[msg.RoomID]; ok {
		room.LastMessage = msg.Content
		room.LastMessageAt = msg.CreatedAt
	}
	return msg
}

func (s *Server) userLocked(id uint) User {
	if id == s.me.ID {
		return s.me
	}
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return User{ID: id}
}

// ============================================================================
// Test controls
// ============================================================================

// Me returns the user the server authenticates every request as.
func (s *Server) Me() User { return s.me }

// SetToken changes the accepted bearer token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// AddRoom registers a room. An empty ID gets a fresh UUID. It returns the id.
func (s *Server) AddRoom(r Room) string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room := r
	s.rooms[r.ID] = &room
	return r.ID
}

// Room returns a copy of a room's server state.
func (s *Server) Room(id string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

// AddMessage stores a history message without broadcasting it.
func (s *Server) AddMessage(m Message) Message {
	return s.store(m)
}

// PushRoom stores m and delivers it on every socket attached to its room.
func (s *Server) PushRoom(m Message) Message {
	m = s.store(m)
	s.broadcast(m.RoomID, m)
	return m
}

// PushRoomRaw writes data as-is to every socket attached to roomID.
func (s *Server) PushRoomRaw(roomID string, data []byte) {
	s.mu.Lock()
	var targets []*socket
	for c := range s.roomConns {
		if c.room == roomID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.write(data)
	}
}

// PushNotify delivers n on every notification socket.
func (s *Server) PushNotify(n Notification) {
	data, _ := json.Marshal(n)
	s.mu.Lock()
	targets := make([]*socket, 0, len(s.notifies))
	for c := range s.notifies {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.write(data)
	}
}

// DropRoomSockets closes the server side of every socket on roomID.
func (s *Server) DropRoomSockets(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.roomConns {
		if c.room == roomID {
			c.conn.Close()
		}
	}
}

// RoomSockets counts open sockets attached to roomID.
func (s *Server) RoomSockets(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.roomConns {
		if c.room == roomID {
			n++
		}
	}
	return n
}

// NotifySockets counts open notification sockets.
func (s *Server) NotifySockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifies)
}

// Received returns the messages clients sent on room sockets.
func (s *Server) Received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

// Announces returns the frames clients sent on notification sockets.
func (s *Server) Announces() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.announces...)
}

// Reads returns how many read acknowledgements roomID received.
func (s *Server) Reads(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[roomID]
}

// HistoryQueries returns the room, limit and before parameters of every
// history request in arrival order.
func (s *Server) HistoryQueries() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.queries...)
}

// Hold blocks history responses for roomID until the returned func is called.
func (s *Server) Hold(roomID string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[roomID] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[roomID] == ch {
				delete(s.holds, roomID)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Mute stores messages sent on roomID's sockets without broadcasting them
// back, as if the broadcast was lost.
func (s *Server) Mute(roomID string) {
	s.mu.Lock()
	s.muted[roomID] = true
	s.mu.Unlock()
}

// Fail makes every request matching method and route pattern, such as
// "PUT /rooms/:room_id/name", answer with status.
func (s *Server) Fail(method, route string, status int) {
	s.mu.Lock()
	s.failures[method+" "+route] = status
	s.mu.Unlock()
}

// Recover clears a failure set by Fail.
func (s *Server) Recover(method, route string) {
	s.mu.Lock()
	delete(s.failures, method+" "+route)
	s.mu.Unlock()
}
