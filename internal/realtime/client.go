package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/pkg/response"
)

// CloseAuthFailed is the close code sent when the token is rejected after the upgrade.
const CloseAuthFailed = 4001

const writeWait = 10 * time.Second

func newUpgrader(allowOrigin func(origin string) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin == nil || allowOrigin(r.Header.Get("Origin"))
		},
	}
}

// Identity is what a validated token says about the connecting user.
type Identity struct {
	UserID   string
	Role     string
	FullName string
}

// envelope is the common part of every inbound frame.
type envelope struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// Client represents a single WebSocket connection in an exam room.
type Client struct {
	ID       string
	ExamID   string
	UserID   string
	Role     string
	FullName string
	JoinedAt time.Time
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger

	mu       sync.Mutex
	lastPong time.Time
	latency  time.Duration
}

// ServeWs handles the WebSocket upgrade and runs the client loop. A rejected token still gets
// upgraded so the client can read close code 4001 instead of a bare handshake failure.
// allowOrigin gates browser origins; nil allows all.
func ServeWs(hub *Hub, logger *zap.Logger, validate func(token string) (Identity, error), allowOrigin func(origin string) bool) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := newUpgrader(allowOrigin)
	return func(c *gin.Context) {
		examID := c.Query("exam_id")
		if examID == "" {
			response.BadRequest(c, "exam_id required")
			return
		}
		id, err := validate(c.Query("token"))

		conn, upErr := upgrader.Upgrade(c.Writer, c.Request, nil)
		if upErr != nil {
			logger.Warn("websocket upgrade failed", zap.Error(upErr))
			return
		}
		if err != nil {
			logger.Info("rejecting websocket token", zap.String("exam_id", examID), zap.Error(err))
			msg := websocket.FormatCloseMessage(CloseAuthFailed, "invalid token")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			ExamID:   examID,
			UserID:   id.UserID,
			Role:     id.Role,
			FullName: id.FullName,
			JoinedAt: time.Now(),
			hub:      hub,
			conn:     conn,
			send:     make(chan []byte, 256),
			logger:   logger.With(zap.String("exam_id", examID), zap.String("user_id", id.UserID)),
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) isProctor() bool {
	return c.Role == models.RoleProctor || c.Role == models.RoleAdmin
}

// enqueue drops the frame when the buffer is full.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Debug("send buffer full, dropping frame")
	}
}

func (c *Client) userEvent(event string, counts models.RoomCounts) models.RoomUserEvent {
	return models.RoomUserEvent{
		Type:      models.MsgRoomUserEvent,
		Event:     event,
		UserID:    c.UserID,
		FullName:  c.FullName,
		Role:      c.Role,
		Timestamp: models.Millis(time.Now()),
		Counts:    counts,
	}
}

// LastPong returns when the client last answered a heartbeat_ping and the measured round trip.
func (c *Client) LastPong() (time.Time, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong, c.latency
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		close(c.send)
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.logger.Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	now := time.Now()

	switch env.Type {
	case models.MsgHeartbeat:
		c.enqueue(mustMarshal(models.HeartbeatAck{
			Type:      models.MsgHeartbeatAck,
			MessageID: env.MessageID,
			Timestamp: models.Millis(now),
		}))
		if !c.isProctor() {
			c.hub.NotifyProctors(c.ExamID, models.StudentHeartbeat{
				Type:      models.MsgStudentHeartbeat,
				SubjectID: c.UserID,
				Timestamp: models.Millis(now),
			})
		}
	case models.MsgHeartbeatPong:
		var pong models.HeartbeatPong
		if err := json.Unmarshal(data, &pong); err != nil {
			return
		}
		c.mu.Lock()
		c.lastPong = now
		if pong.ServerTime > 0 {
			c.latency = now.Sub(time.UnixMilli(pong.ServerTime))
		}
		c.mu.Unlock()
	case models.MsgStudentViolation:
		if c.isProctor() {
			return
		}
		var v models.ViolationMessage
		if err := json.Unmarshal(data, &v); err != nil {
			c.logger.Debug("invalid violation frame", zap.Error(err))
			return
		}
		v.SubjectID = c.UserID
		v.ExamID = c.ExamID
		if !v.Severity.Valid() {
			c.logger.Debug("violation with unknown severity", zap.String("severity", string(v.Severity)))
			return
		}
		c.hub.record(c.ExamID, v)
		c.hub.NotifyProctors(c.ExamID, v)
	case models.MsgStudentExamStart, models.MsgStudentAnswerUpdate, models.MsgStudentActivity:
		if c.isProctor() {
			return
		}
		relay, err := c.stamp(data)
		if err != nil {
			return
		}
		c.hub.NotifyProctors(c.ExamID, relay)
	default:
		// ignore
	}
}

// stamp overwrites the identity fields of a student frame with the authenticated ones.
func (c *Client) stamp(data []byte) (map[string]json.RawMessage, error) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	frame["subjectId"] = mustMarshal(c.UserID)
	if _, ok := frame["examId"]; ok {
		frame["examId"] = mustMarshal(c.ExamID)
	}
	if _, ok := frame["full_name"]; ok && c.FullName != "" {
		frame["full_name"] = mustMarshal(c.FullName)
	}
	return frame, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ping := mustMarshal(models.HeartbeatPing{Type: models.MsgHeartbeatPing, Timestamp: models.Millis(time.Now())})
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
