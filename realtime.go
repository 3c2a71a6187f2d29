package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures the room and notification connectors.
type StreamConfig struct {
	// AutoReconnect re-dials after an abnormal closure with exponential
	// backoff. Off by default.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// SendQueue is the number of outbound frames buffered per connection.
	SendQueue int
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.SendQueue == 0 {
		c.SendQueue = 64
	}
}

// ConnState is the lifecycle state of a connector.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

var errSendQueueFull = errors.New("chatsync: send queue full")

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// stream
// ============================================================================

// stream owns one socket at a time. Every open and close advances the
// generation; callbacks carry the generation they were produced under so the
// receiver can discard anything from a superseded connection.
type stream struct {
	name   string
	client *Client
	config StreamConfig
	logger *zap.Logger

	onState func(gen uint64, state ConnState, err error)
	onFrame func(gen uint64, data []byte)

	mu     sync.Mutex
	state  ConnState
	gen    uint64
	parent context.Context
	path   string
	query  url.Values
	cancel context.CancelFunc
	out    chan []byte
	recon  *reconnector
}

func newStream(name string, client *Client, config StreamConfig, logger *zap.Logger) *stream {
	config.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stream{
		name:   name,
		client: client,
		config: config,
		logger: logger,
		state:  StateIdle,
		recon:  newReconnector(&config),
	}
}

// State returns the current connection state.
func (s *stream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation.
func (s *stream) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// connect tears down any current socket and dials path. It never blocks on
// the network and never invokes callbacks synchronously.
func (s *stream) connect(ctx context.Context, path string, query url.Values) uint64 {
	s.mu.Lock()
	s.recon.reset()
	s.mu.Unlock()
	return s.open(ctx, path, query)
}

func (s *stream) open(ctx context.Context, path string, query url.Values) uint64 {
	s.mu.Lock()
	s.stopLocked()
	s.gen++
	gen := s.gen
	s.parent, s.path, s.query = ctx, path, query
	s.state = StateConnecting
	connCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	out := make(chan []byte, s.config.SendQueue)
	s.out = out
	s.mu.Unlock()

	s.logger.Debug("connecting", zap.Uint64("gen", gen), zap.String("path", path))
	go s.run(connCtx, gen, path, query, out)
	return gen
}

// reopen dials the last target again unless gen has been superseded.
func (s *stream) reopen(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	parent, path, query := s.parent, s.path, s.query
	s.mu.Unlock()
	if parent.Err() != nil {
		return
	}
	s.open(parent, path, query)
}

// redial reconnects to the last target with a fresh backoff state.
func (s *stream) redial() (uint64, bool) {
	s.mu.Lock()
	parent, path, query := s.parent, s.path, s.query
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return 0, false
	}
	return s.connect(parent, path, query), true
}

// close forcibly terminates the current socket.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.gen++
	if s.state != StateIdle {
		s.state = StateClosed
	}
}

func (s *stream) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.out = nil
}

// send queues one text frame on the open socket.
func (s *stream) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.out == nil {
		return ErrNotConnected
	}
	select {
	case s.out <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *stream) emit(gen uint64, state ConnState, err error) {
	if s.onState != nil {
		s.onState(gen, state, err)
	}
}

func (s *stream) run(ctx context.Context, gen uint64, path string, query url.Values, out chan []byte) {
	s.emit(gen, StateConnecting, nil)

	conn, err := s.dial(ctx, path, query)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(ctx, gen, err)
		}
		return
	}
	if !s.markOpen(gen) {
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	s.logger.Debug("open", zap.Uint64("gen", gen))
	s.emit(gen, StateOpen, nil)

	go s.writeLoop(ctx, conn, out)
	err = s.readLoop(ctx, gen, conn)
	if ctx.Err() != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	s.fail(ctx, gen, err)
}

func (s *stream) dial(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	header := http.Header{}
	if token := s.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, s.client.socketURL(path, query), &websocket.DialOptions{
		HTTPClient: s.client.dialClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", s.name, err)
	}
	return conn, nil
}

func (s *stream) markOpen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.state = StateOpen
	s.recon.markConnected()
	return true
}

func (s *stream) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if s.onFrame != nil {
			s.onFrame(gen, data)
		}
	}
}

func (s *stream) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// fail records an abnormal closure and schedules a reconnect if configured.
func (s *stream) fail(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.out = nil
	retry := s.config.AutoReconnect && s.recon.shouldReconnect()
	var delay time.Duration
	var attempt int
	if retry {
		delay = s.recon.nextDelay()
		attempt = s.recon.attempt
	}
	s.mu.Unlock()

	s.logger.Warn("connection closed", zap.Uint64("gen", gen), zap.Error(err))
	s.emit(gen, StateClosed, err)
	if !retry {
		return
	}

	s.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.reopen(gen)
	case <-ctx.Done():
	}
}

// ============================================================================
// Room stream
// ============================================================================

// roomStream is the live socket bound to the selected room. Inbound frames
// are JSON messages; outbound frames are raw message text.
type roomStream struct {
	*stream
	room ID
}

func newRoomStream(client *Client, config StreamConfig, logger *zap.Logger,
	onState func(uint64, ConnState, error), onMessage func(uint64, RoomFrame)) *roomStream {
	rs := &roomStream{stream: newStream("room stream", client, config, logger)}
	rs.onState = onState
	rs.onFrame = func(gen uint64, data []byte) {
		var f RoomFrame
		if err := json.Unmarshal(data, &f); err != nil {
			rs.logger.Debug("dropping malformed frame", zap.Error(err))
			return
		}
		onMessage(gen, f)
	}
	return rs
}

// Open attaches the stream to roomID, closing any previous socket first.
func (rs *roomStream) Open(ctx context.Context, roomID ID) uint64 {
	rs.mu.Lock()
	rs.room = roomID
	rs.mu.Unlock()
	return rs.connect(ctx, "/ws", url.Values{"room": {string(roomID)}})
}

// Room returns the attached room id.
func (rs *roomStream) Room() ID {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.room
}

// Close detaches the stream.
func (rs *roomStream) Close() {
	rs.close()
	rs.mu.Lock()
	rs.room = ""
	rs.mu.Unlock()
}

// Send transmits body as a raw text frame.
func (rs *roomStream) Send(body string) error {
	return rs.send([]byte(body))
}

// ============================================================================
// Notification stream
// ============================================================================

// notifyStream is the session-wide activity socket.
type notifyStream struct {
	*stream
}

func newNotifyStream(client *Client, config StreamConfig, logger *zap.Logger,
	onState func(uint64, ConnState, error), onNotify func(uint64, NotificationFrame)) *notifyStream {
	ns := &notifyStream{stream: newStream("notification stream", client, config, logger)}
	ns.onState = onState
	ns.onFrame = func(gen uint64, data []byte) {
		var f NotificationFrame
		if err := json.Unmarshal(data, &f); err != nil {
			ns.logger.Debug("dropping malformed frame", zap.Error(err))
			return
		}
		onNotify(gen, f)
	}
	return ns
}

func (ns *notifyStream) Open(ctx context.Context) uint64 {
	return ns.connect(ctx, "/ws-notify", nil)
}

func (ns *notifyStream) Close() { ns.close() }

// Announce publishes a best-effort activity frame.
func (ns *notifyStream) Announce(f NotificationFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ns.send(data)
}
