// Package transport keeps one authenticated WebSocket to the exam backend alive, queues
// outbound messages while it is down and dispatches inbound messages by type.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/models"
)

// CloseAuthFailed is the close code the server uses for an invalid or expired token.
const CloseAuthFailed = 4001

const (
	writeWait     = 10 * time.Second
	handshakeWait = 10 * time.Second
	maxFrameSize  = 1 << 20
)

var (
	// ErrUnauthorized is returned by Connect when the server rejects the credentials.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrNoEndpoint is returned when the endpoint has no base URL.
	ErrNoEndpoint = errors.New("transport: endpoint url required")
)

// Endpoint identifies the socket and the participant behind it.
type Endpoint struct {
	BaseURL string
	Token   string
	ExamID  string
	UserID  string
	Role    string
}

// URL returns the socket URL with exam and token query parameters.
func (e Endpoint) URL() (string, error) {
	if e.BaseURL == "" {
		return "", ErrNoEndpoint
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	if e.ExamID != "" {
		q.Set("exam_id", e.ExamID)
	}
	if e.Token != "" {
		q.Set("token", e.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handler receives an inbound message: its type discriminator and the raw frame.
type Handler func(msgType string, payload json.RawMessage)

// Options configures a Channel. Zero values fall back to the default policy, the real clock
// and websocket.DefaultDialer.
type Options struct {
	Policy config.TransportPolicy
	Clock  clock.Clock
	Dialer *websocket.Dialer
	Logger *zap.Logger
	// OnStateChange is called with the channel lock held and must not call back into it.
	OnStateChange func(State)
	OnAuthError   func()
}

// Channel is safe for concurrent use.
type Channel struct {
	policy   config.TransportPolicy
	clock    clock.Clock
	dialer   *websocket.Dialer
	logger   *zap.Logger
	onState  func(State)
	onAuth   func()
	idPrefix string

	mu        sync.Mutex
	machine   *fsm.FSM
	endpoint  Endpoint
	url       string
	conn      *websocket.Conn
	gen       uint64
	attempts  int
	queue     [][]byte
	handlers  map[string][]Handler
	generic   Handler
	catchAll  Handler
	reconnect clock.Timer
	heartbeat clock.Timer
	seq       uint64
	lastAck   time.Time
}

// New creates a disconnected channel.
func New(opts Options) *Channel {
	if opts.Policy.HeartbeatInterval <= 0 || opts.Policy.ReconnectBase <= 0 {
		opts.Policy = config.DefaultPolicy().Transport
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		policy:   opts.Policy,
		clock:    opts.Clock,
		dialer:   opts.Dialer,
		logger:   opts.Logger,
		onState:  opts.OnStateChange,
		onAuth:   opts.OnAuthError,
		idPrefix: uuid.NewString()[:8],
		machine:  newStateMachine(),
		handlers: make(map[string][]Handler),
	}
}

// Connect opens the socket for ep. It is a no-op while a connection to the same URL is open
// or being established; a different URL replaces the current connection.
func (c *Channel) Connect(ctx context.Context, ep Endpoint) error {
	u, err := ep.URL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if u == c.url && c.stateLocked() != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.url != "" && u != c.url {
		c.logger.Info("endpoint changed, closing previous socket")
		c.teardownLocked()
	}
	c.endpoint = ep
	c.url = u
	c.attempts = 0
	c.stopTimer(&c.reconnect)
	c.transition(evConnect)
	gen := c.gen
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

func (c *Channel) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	u := c.url
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.transition(evDrop)
			c.mu.Unlock()
			c.logger.Warn("socket handshake unauthorized")
			c.authFailed()
			return ErrUnauthorized
		}
		c.transition(evDrop)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("socket dial failed", zap.Error(err))
		return fmt.Errorf("dial socket: %w", err)
	}

	conn.SetReadLimit(maxFrameSize)
	c.conn = conn
	c.attempts = 0
	c.transition(evOpen)
	c.logger.Info("socket connected", zap.String("exam_id", c.endpoint.ExamID))
	c.flushLocked()
	if c.conn != nil {
		c.armHeartbeatLocked(gen)
		go c.readLoop(conn, gen)
	}
	c.mu.Unlock()
	return nil
}

// flushLocked writes queued messages in FIFO order. On a write failure the unsent remainder
// stays queued and the connection is dropped.
func (c *Channel) flushLocked() {
	for len(c.queue) > 0 {
		if err := c.writeLocked(c.queue[0]); err != nil {
			c.dropLocked(err)
			return
		}
		c.queue = c.queue[1:]
	}
	c.queue = nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) readFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == CloseAuthFailed {
		c.closeConnLocked()
		c.stopTimer(&c.heartbeat)
		c.gen++
		c.transition(evDrop)
		c.mu.Unlock()
		c.logger.Warn("socket closed: authentication failed")
		c.authFailed()
		return
	}
	c.dropLocked(err)
	c.mu.Unlock()
}

// dropLocked discards the current socket and schedules a reconnect.
func (c *Channel) dropLocked(err error) {
	c.logger.Warn("socket dropped", zap.Error(err))
	c.closeConnLocked()
	c.stopTimer(&c.heartbeat)
	c.gen++
	c.transition(evDrop)
	c.scheduleReconnectLocked()
}

func (c *Channel) scheduleReconnectLocked() {
	delay := BackoffDelay(c.attempts, c.policy.ReconnectBase, c.policy.ReconnectMax)
	c.attempts++
	c.transition(evRetry)
	gen := c.gen
	c.stopTimer(&c.reconnect)
	c.reconnect = c.clock.AfterFunc(delay, func() { c.retry(gen) })
	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", c.attempts))
}

func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stateLocked() != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.transition(evConnect)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeWait)
	defer cancel()
	_ = c.dial(ctx, gen)
}

func (c *Channel) armHeartbeatLocked(gen uint64) {
	c.heartbeat = c.clock.AfterFunc(c.policy.HeartbeatInterval, func() { c.beat(gen) })
}

func (c *Channel) beat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.stateLocked() != StateConnected {
		return
	}
	msg := models.HeartbeatMessage{
		Type:      models.MsgHeartbeat,
		Timestamp: models.Millis(c.clock.Now()),
		MessageID: c.nextIDLocked(),
		UserID:    c.endpoint.UserID,
		UserRole:  c.endpoint.Role,
	}
	data, _ := json.Marshal(msg)
	if err := c.writeLocked(data); err != nil {
		c.dropLocked(err)
		return
	}
	c.armHeartbeatLocked(gen)
}

func (c *Channel) nextIDLocked() string {
	c.seq++
	return fmt.Sprintf("%s-%d", c.idPrefix, c.seq)
}

func (c *Channel) dispatch(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.logger.Debug("ignoring malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case models.MsgHeartbeatAck:
		c.mu.Lock()
		c.lastAck = c.clock.Now()
		c.mu.Unlock()
	case models.MsgHeartbeatPing:
		var ping models.HeartbeatPing
		if err := json.Unmarshal(data, &ping); err == nil {
			c.pong(ping)
		}
	}

	c.mu.Lock()
	generic := c.generic
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	catchAll := c.catchAll
	c.mu.Unlock()

	raw := json.RawMessage(data)
	if generic != nil {
		generic(env.Type, raw)
	}
	for _, h := range handlers {
		h(env.Type, raw)
	}
	if len(handlers) == 0 && catchAll != nil {
		catchAll(env.Type, raw)
	}
}

func (c *Channel) pong(ping models.HeartbeatPing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() != StateConnected {
		return
	}
	data, _ := json.Marshal(models.HeartbeatPong{
		Type:       models.MsgHeartbeatPong,
		Timestamp:  models.Millis(c.clock.Now()),
		ServerTime: ping.Timestamp,
		MessageID:  c.nextIDLocked(),
		UserID:     c.endpoint.UserID,
		UserRole:   c.endpoint.Role,
	})
	if err := c.writeLocked(data); err != nil {
		c.dropLocked(err)
	}
}

// Send writes msg immediately when connected and queues it otherwise. Queued messages are
// flushed in order once the socket opens. Only encoding errors are returned.
func (c *Channel) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() == StateConnected && c.conn != nil && len(c.queue) == 0 {
		if err := c.writeLocked(data); err != nil {
			c.queue = append(c.queue, data)
			c.dropLocked(err)
		}
		return nil
	}
	c.queue = append(c.queue, data)
	return nil
}

func (c *Channel) writeLocked(data []byte) error {
	if c.conn == nil {
		return errors.New("no connection")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// On registers h for inbound messages of msgType. Several handlers may share a type.
func (c *Channel) On(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// Off removes every handler for msgType.
func (c *Channel) Off(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, msgType)
}

// OnMessage sets the generic handler, called first for every inbound message.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generic = h
}

// OnUnhandled sets the catch-all handler, called only for types with no registered handler.
func (c *Channel) OnUnhandled(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchAll = h
}

// Disconnect stops timers, closes the socket and clears handlers, queue and identity. A
// pending reconnect never fires afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.handlers = make(map[string][]Handler)
	c.generic = nil
	c.catchAll = nil
	c.queue = nil
	c.endpoint = Endpoint{}
	c.url = ""
	c.attempts = 0
}

func (c *Channel) teardownLocked() {
	c.gen++
	c.stopTimer(&c.reconnect)
	c.stopTimer(&c.heartbeat)
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.closeConnLocked()
	c.transition(evClose)
}

func (c *Channel) closeConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Channel) authFailed() {
	if c.onAuth != nil {
		c.onAuth()
	}
}

func (c *Channel) transition(event string) {
	if fire(c.machine, event) && c.onState != nil {
		c.onState(c.stateLocked())
	}
}

func (c *Channel) stateLocked() State {
	return State(c.machine.Current())
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// LastAck returns when the last heartbeat_ack arrived, or the zero time.
func (c *Channel) LastAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Queued returns the number of messages waiting for the socket to open.
func (c *Channel) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Attempts returns the number of reconnects scheduled since the last successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
