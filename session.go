package chatsync

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultPollInterval = 30 * time.Second

var errAlreadyStarted = errors.New("chatsync: session already started")

// ============================================================================
// Options
// ============================================================================

type sessionConfig struct {
	pageSize        int
	pollInterval    time.Duration
	echoWindow      time.Duration
	scrollThreshold float64
	location        *time.Location
	liveOffset      time.Duration
	stream          StreamConfig
	logger          *zap.Logger
	now             func() time.Time
}

type SessionOption func(*sessionConfig)

// WithPageSize sets the number of messages fetched per history request.
func WithPageSize(n int) SessionOption {
	return func(c *sessionConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithPollInterval sets the roster re-fetch interval. Zero disables polling.
func WithPollInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.pollInterval = d }
}

func WithEchoWindow(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.echoWindow = d }
}

func WithScrollThreshold(px float64) SessionOption {
	return func(c *sessionConfig) { c.scrollThreshold = px }
}

// WithLocation sets the viewer's time zone for history timestamps.
func WithLocation(loc *time.Location) SessionOption {
	return func(c *sessionConfig) { c.location = loc }
}

// WithLiveOffset overrides the correction applied to live timestamps.
func WithLiveOffset(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.liveOffset = d }
}

// WithStreamConfig configures both socket connectors.
func WithStreamConfig(cfg StreamConfig) SessionOption {
	return func(c *sessionConfig) { c.stream = cfg }
}

// WithAutoReconnect enables backoff reconnects on both connectors.
func WithAutoReconnect() SessionOption {
	return func(c *sessionConfig) { c.stream.AutoReconnect = true }
}

// WithSessionLogger overrides the client's logger for the session.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = logger }
}

func withClock(now func() time.Time) SessionOption {
	return func(c *sessionConfig) { c.now = now }
}

// ============================================================================
// Session
// ============================================================================

// Session keeps the room roster and the active room's message log in sync
// with the server.
//
// All state is owned by one event-loop goroutine. Operations hand work to the
// loop and wait for it; socket events and fetch results are posted to it.
// Observers run on the loop: they may call the read accessors but must not
// call operations that wait for the loop, such as SelectRoom or Send.
type Session struct {
	client *Client
	config sessionConfig
	logger *zap.Logger
	norm   Normalizer

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	room   *roomStream
	notify *notifyStream
	reads  *readMarker

	// owned by the event loop
	me       Identity
	started  bool
	roster   *Roster
	log      *MessageLog
	pager    *Paginator
	active   ID
	selGen   uint64
	seeded   bool
	viewport Viewport

	viewMu sync.RWMutex
	view   sessionView

	handlersMu sync.RWMutex
	onRoster   []func([]Room)
	onMessages []func(ID, []Message)
	onConn     []func(bool)
	onError    []func(error)

	closeOnce sync.Once
}

type sessionView struct {
	me        Identity
	rooms     []Room
	active    ID
	messages  []Message
	connected bool
	exhausted bool
	loading   bool
}

// NewSession creates a session over client. Nothing touches the network
// until Start.
func NewSession(client *Client, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		pageSize:        DefaultPageSize,
		pollInterval:    DefaultPollInterval,
		echoWindow:      DefaultEchoWindow,
		scrollThreshold: DefaultScrollThreshold,
		liveOffset:      LiveOffset,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = client.Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client: client,
		config: cfg,
		logger: logger.Named("session"),
		norm:   Normalizer{Location: cfg.location, Offset: cfg.liveOffset},
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan func()),
		done:   make(chan struct{}),
		roster: NewRoster(),
		log:    NewMessageLog(cfg.echoWindow),
		pager:  NewPaginator(cfg.scrollThreshold),
	}
	s.log.now = cfg.now
	s.room = newRoomStream(client, cfg.stream, logger.Named("room-stream"), s.roomState, s.roomMessage)
	s.notify = newNotifyStream(client, cfg.stream, logger.Named("notify-stream"), s.notifyState, s.notification)
	s.reads = newReadMarker(client, s.logger)

	go s.loop()
	return s
}

// ── Event loop ──

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.ctx.Done():
			return
		}
	}
}

// call runs op on the loop and waits for it.
func (s *Session) call(ctx context.Context, op func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}
	select {
	case s.ops <- wrapped:
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// post hands op to the loop without waiting for it to run.
func (s *Session) post(op func()) {
	select {
	case s.ops <- op:
	case <-s.ctx.Done():
	}
}

// ── Lifecycle ──

// Start resolves the caller's identity, opens the notification stream, loads
// the roster and starts the roster poll.
func (s *Session) Start(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	info, tokenErr := ParseToken(s.client.Token())
	if tokenErr == nil && info.Expired(s.config.now()) {
		return ErrTokenExpired
	}

	me, err := s.client.Me(ctx)
	if err != nil {
		return err
	}
	if me.Name == "" && tokenErr == nil {
		me.Name = info.UserName
	}

	var startErr error
	if err := s.call(ctx, func() {
		if s.started {
			startErr = errAlreadyStarted
			return
		}
		s.started = true
		s.me = *me
		s.notify.Open(s.ctx)
		s.publish(false, false)
	}); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	rooms, err := s.client.ListRooms(ctx)
	if err != nil {
		return err
	}
	return s.call(ctx, func() {
		s.roster.Load(rooms)
		s.publish(true, false)
		if s.config.pollInterval > 0 {
			s.wg.Add(1)
			go s.pollLoop()
		}
		s.logger.Info("session started",
			zap.String("user", string(s.me.UserID)),
			zap.Int("rooms", s.roster.Len()))
	})
}

// Close tears down both sockets and waits for background work to stop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.room.Close()
		s.notify.Close()
		s.cancel()
		<-s.done
		s.wg.Wait()
		s.reads.Wait()
	})
	return nil
}

func (s *Session) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("roster poll failed", zap.Error(err))
			}
		}
	}
}

// Reauthenticate swaps the bearer token and re-establishes the notification
// stream, and the room stream if a room is selected.
func (s *Session) Reauthenticate(ctx context.Context, token string) error {
	if info, err := ParseToken(token); err == nil && info.Expired(s.config.now()) {
		return ErrTokenExpired
	}
	s.client.SetToken(token)
	return s.call(ctx, func() {
		if !s.started {
			return
		}
		s.notify.Open(s.ctx)
		if s.active != "" {
			s.room.Open(s.ctx, s.active)
		}
		s.publish(false, false)
	})
}

// Reconnect re-dials whichever stream is closed. A reconnected room stream
// is followed by a history catch-up.
func (s *Session) Reconnect(ctx context.Context) error {
	var err error
	if cerr := s.call(ctx, func() {
		if !s.started {
			err = ErrSessionNotActive
			return
		}
		if st := s.notify.State(); st == StateClosed || st == StateIdle {
			s.notify.Open(s.ctx)
		}
		if s.active != "" && s.room.State() == StateClosed {
			s.room.Open(s.ctx, s.active)
			s.fetchHistory(s.selGen, s.active)
		}
		s.publish(false, false)
	}); cerr != nil {
		return cerr
	}
	return err
}

// ── Room selection ──

// SelectRoom makes roomID the active room: the previous room stream is torn
// down, the log is evicted, the room is marked read and its newest history
// page is fetched. An empty roomID deselects.
func (s *Session) SelectRoom(ctx context.Context, roomID ID) error {
	var err error
	if cerr := s.call(ctx, func() { err = s.selectRoom(roomID) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) selectRoom(roomID ID) error {
	if !s.started {
		return ErrSessionNotActive
	}
	if roomID == "" {
		s.deselect()
		s.publish(true, true)
		return nil
	}
	if roomID == s.active && s.room.State() != StateClosed {
		s.markRead(roomID)
		s.publish(true, false)
		return nil
	}

	s.selGen++
	gen := s.selGen
	s.active = roomID
	s.log.Reset(roomID)
	s.seeded = false
	s.pager.Reset()
	s.room.Open(s.ctx, roomID)
	s.markRead(roomID)
	s.publish(true, true)
	s.fetchHistory(gen, roomID)
	return nil
}

func (s *Session) deselect() {
	s.selGen++
	s.active = ""
	s.room.Close()
	s.log.Reset("")
	s.seeded = false
	s.pager.Reset()
}

func (s *Session) markRead(roomID ID) {
	s.roster.MarkRead(roomID)
	s.reads.Mark(s.ctx, roomID)
}

// fetchHistory loads the newest page of roomID and seeds the log with it.
// Live messages that arrived in the meantime are kept; local copies already
// confirmed by the page collapse into their server copy.
func (s *Session) fetchHistory(gen uint64, roomID ID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		msgs, err := s.client.Messages(s.ctx, roomID, s.config.pageSize, time.Time{})
		s.post(func() {
			if gen != s.selGen {
				s.logger.Debug("discarding stale history", zap.String("room", string(roomID)))
				return
			}
			if err != nil {
				s.fail(err)
				return
			}
			s.log.Reseed(roomID, s.normalizeHistory(msgs), s.log.Messages())
			s.seeded = true
			if s.log.Len() == 0 {
				s.pager.Exhaust()
			}
			s.publish(false, true)
		})
	}()
}

func (s *Session) normalizeHistory(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = s.norm.History(m)
	}
	return out
}

// ── Sending ──

// Send transmits body on the room stream, shows a local copy immediately and
// announces the activity on the notification stream. Validation errors and
// ErrNotConnected are returned before anything is applied.
func (s *Session) Send(ctx context.Context, body string) (Message, error) {
	if err := ValidateMessage(body); err != nil {
		return Message{}, err
	}
	var msg Message
	var err error
	if cerr := s.call(ctx, func() { msg, err = s.send(body) }); cerr != nil {
		return Message{}, cerr
	}
	return msg, err
}

func (s *Session) send(body string) (Message, error) {
	if !s.started {
		return Message{}, ErrSessionNotActive
	}
	if s.active == "" {
		return Message{}, ErrNoActiveRoom
	}
	if err := s.room.Send(body); err != nil {
		return Message{}, err
	}

	now := s.config.now()
	echo := s.norm.Live(Message{
		ID:         ID("local-" + uuid.NewString()),
		RoomID:     s.active,
		SenderID:   s.me.UserID,
		SenderName: s.me.Name,
		Body:       body,
		CreatedAt:  now,
		FromSelf:   true,
		Pending:    true,
	})
	s.log.Append(echo)

	announce := NotificationFrame{
		RoomID:      s.active,
		SenderID:    s.me.UserID,
		Sender:      s.me.Name,
		Content:     body,
		LastMessage: body,
		CreatedAt:   ServerTime{Time: now},
		FromSelf:    true,
	}
	if err := s.notify.Announce(announce); err != nil {
		s.logger.Debug("announce failed", zap.Error(err))
	}
	s.roster.ApplyActivity(s.active, now, body, true, true)
	s.publish(true, true)
	return echo, nil
}

// ── Pagination ──

// SetViewport attaches the scroll container that pagination keeps stable.
func (s *Session) SetViewport(vp Viewport) {
	_ = s.call(context.Background(), func() { s.viewport = vp })
}

// HandleScroll reports the viewport's scroll offset; near the top it starts
// loading the previous page.
func (s *Session) HandleScroll(offset float64) {
	s.post(func() {
		if s.pager.ShouldLoad(offset) {
			s.loadOlder()
		}
	})
}

// LoadOlder starts loading the previous page regardless of scroll position.
// It reports false when a load is already in flight, history is exhausted or
// the active room's first page has not arrived yet.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	var started bool
	if err := s.call(ctx, func() { started = s.loadOlder() }); err != nil {
		return false, err
	}
	return started, nil
}

func (s *Session) loadOlder() bool {
	if s.active == "" || !s.seeded {
		return false
	}
	earliest, ok := s.log.Earliest()
	if !ok {
		s.pager.Exhaust()
		return false
	}
	if !s.pager.Begin(s.viewport) {
		return false
	}
	gen, roomID := s.selGen, s.active
	s.publish(false, false)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		page, err := s.client.Messages(s.ctx, roomID, s.config.pageSize, earliest)
		s.post(func() {
			if gen != s.selGen {
				return
			}
			if err != nil {
				s.pager.Fail()
				s.fail(err)
				s.publish(false, false)
				return
			}
			added := s.log.Prepend(s.normalizeHistory(page))
			if added {
				s.publish(false, true)
			}
			s.pager.Complete(added, s.viewport)
			s.publish(false, false)
		})
	}()
	return true
}

// ── Room management ──

// RenameRoom renames a group room. The roster changes only after the server
// accepts the new name.
func (s *Session) RenameRoom(ctx context.Context, roomID ID, name string) error {
	if err := s.client.RenameRoom(ctx, roomID, name); err != nil {
		return err
	}
	return s.call(ctx, func() {
		if s.roster.Rename(roomID, name) {
			s.publish(true, false)
		}
	})
}

// CreateRoom creates a room and refreshes the roster so it appears.
func (s *Session) CreateRoom(ctx context.Context, userIDs []ID, name string) (*CreatedRoom, error) {
	created, err := s.client.CreateRoom(ctx, userIDs, name)
	if err != nil {
		return nil, err
	}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("roster refresh after create failed", zap.Error(err))
	}
	return created, nil
}

// LeaveRoom removes the caller from roomID.
func (s *Session) LeaveRoom(ctx context.Context, roomID ID) error {
	me := s.Me()
	if me.UserID == "" {
		return ErrSessionNotActive
	}
	if err := s.client.LeaveRoom(ctx, roomID, me.UserID); err != nil {
		return err
	}
	return s.call(ctx, func() { s.dropRoom(roomID) })
}

// DeleteRoom deletes roomID for every member.
func (s *Session) DeleteRoom(ctx context.Context, roomID ID) error {
	if err := s.client.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	return s.call(ctx, func() { s.dropRoom(roomID) })
}

func (s *Session) dropRoom(roomID ID) {
	s.roster.Remove(roomID)
	if s.active == roomID {
		s.deselect()
	}
	s.publish(true, true)
}

// Refresh re-fetches the roster and merges it, keeping local unread counts.
func (s *Session) Refresh(ctx context.Context) error {
	rooms, err := s.client.ListRooms(ctx)
	if err != nil {
		return err
	}
	return s.call(ctx, func() {
		s.roster.MergePoll(rooms)
		s.publish(true, false)
	})
}

// ── Stream callbacks ──

func (s *Session) roomState(gen uint64, state ConnState, err error) {
	s.post(func() {
		if gen != s.room.Generation() {
			return
		}
		s.publish(false, false)
	})
}

func (s *Session) roomMessage(gen uint64, f RoomFrame) {
	s.post(func() {
		if gen != s.room.Generation() || s.active == "" {
			return
		}
		m := s.norm.Live(f.message(s.active))
		if m.RoomID != s.active {
			return
		}
		switch s.log.Append(m) {
		case Duplicate:
			return
		case Appended:
			s.reads.Mark(s.ctx, s.active)
		}
		s.publish(false, true)
	})
}

func (s *Session) notifyState(gen uint64, state ConnState, err error) {
	s.post(func() {
		if gen != s.notify.Generation() {
			return
		}
		s.publish(false, false)
	})
}

func (s *Session) notification(gen uint64, f NotificationFrame) {
	s.post(func() {
		if gen != s.notify.Generation() {
			return
		}
		isSelf := f.FromSelf || (f.SenderID != "" && f.SenderID == s.me.UserID)
		isActive := f.RoomID == s.active
		if s.roster.ApplyActivity(f.RoomID, f.CreatedAt.Time, f.Preview(), isSelf, isActive) {
			s.publish(true, false)
		}
	})
}

// ── Observers ──

// OnRosterChange registers a handler receiving the ordered room list after
// every roster change.
func (s *Session) OnRosterChange(h func(rooms []Room)) {
	s.handlersMu.Lock()
	s.onRoster = append(s.onRoster, h)
	s.handlersMu.Unlock()
}

// OnMessagesChange registers a handler receiving the active room's log after
// every change. Pagination measures the viewport right after these handlers
// return, so a renderer should lay out new content before returning.
func (s *Session) OnMessagesChange(h func(roomID ID, msgs []Message)) {
	s.handlersMu.Lock()
	s.onMessages = append(s.onMessages, h)
	s.handlersMu.Unlock()
}

// OnConnectivityChange registers a handler for the connectivity indicator.
func (s *Session) OnConnectivityChange(h func(connected bool)) {
	s.handlersMu.Lock()
	s.onConn = append(s.onConn, h)
	s.handlersMu.Unlock()
}

// OnError registers a handler for request failures of background fetches.
func (s *Session) OnError(h func(err error)) {
	s.handlersMu.Lock()
	s.onError = append(s.onError, h)
	s.handlersMu.Unlock()
}

func (s *Session) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn("request failed", zap.Error(err))
	s.handlersMu.RLock()
	handlers := slices.Clone(s.onError)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// publish refreshes the snapshot read by the accessors and notifies
// observers of what changed.
func (s *Session) publish(roster, messages bool) {
	connected := s.notify.State() == StateOpen &&
		(s.active == "" || s.room.State() == StateOpen)

	s.viewMu.Lock()
	prev := s.view.connected
	s.view.me = s.me
	s.view.active = s.active
	s.view.connected = connected
	s.view.exhausted = s.pager.Exhausted()
	s.view.loading = s.pager.InFlight()
	if roster {
		s.view.rooms = s.roster.Rooms()
	}
	if messages {
		s.view.messages = s.log.Messages()
	}
	rooms, msgs, active := s.view.rooms, s.view.messages, s.view.active
	s.viewMu.Unlock()

	s.handlersMu.RLock()
	onRoster := slices.Clone(s.onRoster)
	onMessages := slices.Clone(s.onMessages)
	onConn := slices.Clone(s.onConn)
	s.handlersMu.RUnlock()

	if roster {
		for _, h := range onRoster {
			h(slices.Clone(rooms))
		}
	}
	if messages {
		for _, h := range onMessages {
			h(active, slices.Clone(msgs))
		}
	}
	if connected != prev {
		for _, h := range onConn {
			h(connected)
		}
	}
}

// ── Accessors ──

// Me returns the caller's identity once Start has succeeded.
func (s *Session) Me() Identity {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.me
}

// Rooms returns the ordered roster.
func (s *Session) Rooms() []Room {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return slices.Clone(s.view.rooms)
}

// ActiveRoom returns the selected room id, or "" when none is selected.
func (s *Session) ActiveRoom() ID {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.active
}

// Messages returns the active room's log in order.
func (s *Session) Messages() []Message {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return slices.Clone(s.view.messages)
}

// Grouped yields the active room's log with day labels. See
// MessageLog.Grouped.
func (s *Session) Grouped() iter.Seq2[string, Message] {
	return func(yield func(string, Message) bool) {
		GroupByDay(s.Messages())(yield)
	}
}

// Connected reports whether the notification stream is open and, when a room
// is selected, the room stream too.
func (s *Session) Connected() bool {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.connected
}

// HistoryExhausted reports whether the active room has no older messages.
func (s *Session) HistoryExhausted() bool {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.exhausted
}

// LoadingOlder reports whether an older-page load is in flight.
func (s *Session) LoadingOlder() bool {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.loading
}

// RoomState returns the room stream's connection state.
func (s *Session) RoomState() ConnState { return s.room.State() }

// NotifyState returns the notification stream's connection state.
func (s *Session) NotifyState() ConnState { return s.notify.State() }
