package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/models"
)

const (
	// PongWait is how long a silent connection is kept open.
	PongWait = 60 * time.Second
	// DefaultPingInterval is the heartbeat_ping cadence when none is configured.
	DefaultPingInterval = 30 * time.Second

	recordTimeout = 5 * time.Second
)

// Audience selects which members of an exam room receive a frame.
type Audience string

const (
	AudienceAll      Audience = "all"
	AudienceProctors Audience = "proctors"
)

// ViolationRecorder persists violations relayed through the hub.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, examID string, msg models.ViolationMessage) error
}

// Publisher publishes room frames for other server instances.
type Publisher interface {
	PublishExamEvent(examID string, audience Audience, payload []byte) error
}

// Subscriber subscribes to an exam channel and invokes handler for frames published elsewhere.
type Subscriber interface {
	SubscribeExam(examID string, handler func(audience Audience, payload []byte)) (cancel func(), err error)
}

// Hub maintains exam_id -> set of connections and relays frames between students and proctors.
// Frames are delivered locally and published to Redis for other instances.
type Hub struct {
	// examID -> map[clientID]*Client
	rooms    map[string]map[string]*Client
	subs     map[string]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	pub      Publisher
	sub      Subscriber
	recorder ViolationRecorder

	pingInterval time.Duration
	onJoin       func(examID, userID, role string)
	onLeave      func(examID, userID string)
}

// NewHub creates a new exam room hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber, pingInterval time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		rooms:        make(map[string]map[string]*Client),
		subs:         make(map[string]func()),
		logger:       logger,
		pub:          pub,
		sub:          sub,
		pingInterval: pingInterval,
	}
}

// SetViolationRecorder sets where relayed student_violation frames are stored.
func (h *Hub) SetViolationRecorder(r ViolationRecorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder = r
}

// SetSessionLogger sets the join/leave callbacks used for attendance.
func (h *Hub) SetSessionLogger(onJoin func(examID, userID, role string), onLeave func(examID, userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onJoin = onJoin
	h.onLeave = onLeave
}

// Register adds a client to its exam room, replays the current roster to it and announces it to
// the room. Starts the Redis subscription for the exam if it is the first local client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	room := h.rooms[c.ExamID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[c.ExamID] = room
		if h.sub != nil {
			examID := c.ExamID
			cancel, err := h.sub.SubscribeExam(examID, func(audience Audience, payload []byte) {
				h.deliver(examID, audience, payload)
			})
			if err != nil {
				h.logger.Warn("subscribe exam channel", zap.String("exam_id", examID), zap.Error(err))
			} else {
				h.subs[examID] = cancel
			}
		}
	}
	for _, other := range room {
		c.enqueue(mustMarshal(other.userEvent(models.UserConnected, models.RoomCounts{})))
	}
	room[c.ID] = c
	counts := countRoom(room)
	onJoin := h.onJoin
	h.mu.Unlock()

	if onJoin != nil {
		onJoin(c.ExamID, c.UserID, c.Role)
	}
	h.Publish(c.ExamID, AudienceAll, c.userEvent(models.UserConnected, counts))
	h.logger.Debug("client joined exam", zap.String("client_id", c.ID), zap.String("exam_id", c.ExamID), zap.String("role", c.Role))
}

// Unregister removes a client from its exam room. Cancels the Redis subscription when the last
// local client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.ExamID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := room[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(room, c.ID)
	counts := countRoom(room)
	if len(room) == 0 {
		delete(h.rooms, c.ExamID)
		if cancel, ok := h.subs[c.ExamID]; ok {
			cancel()
			delete(h.subs, c.ExamID)
		}
	}
	onLeave := h.onLeave
	h.mu.Unlock()

	if onLeave != nil {
		onLeave(c.ExamID, c.UserID)
	}
	h.Publish(c.ExamID, AudienceAll, c.userEvent(models.UserDisconnected, counts))
	h.logger.Debug("client left exam", zap.String("client_id", c.ID), zap.String("exam_id", c.ExamID))
}

// Publish delivers a frame to local clients and publishes it to Redis for other instances.
func (h *Hub) Publish(examID string, audience Audience, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("marshal frame", zap.Error(err))
		return
	}
	h.deliver(examID, audience, data)
	if h.pub != nil {
		if err := h.pub.PublishExamEvent(examID, audience, data); err != nil {
			h.logger.Debug("publish exam event", zap.String("exam_id", examID), zap.Error(err))
		}
	}
}

// NotifyProctors sends a frame to every proctor of the exam on every instance.
func (h *Hub) NotifyProctors(examID string, frame interface{}) {
	h.Publish(examID, AudienceProctors, frame)
}

// deliver sends data to the local members of the exam room (local only).
func (h *Hub) deliver(examID string, audience Audience, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[examID] {
		if audience == AudienceProctors && !c.isProctor() {
			continue
		}
		c.enqueue(data)
	}
}

// Counts returns the local participant counts of an exam room.
func (h *Hub) Counts(examID string) models.RoomCounts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return countRoom(h.rooms[examID])
}

func (h *Hub) record(examID string, msg models.ViolationMessage) {
	h.mu.RLock()
	recorder := h.recorder
	h.mu.RUnlock()
	if recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := recorder.RecordViolation(ctx, examID, msg); err != nil {
		h.logger.Warn("record violation", zap.String("exam_id", examID), zap.String("subject_id", msg.SubjectID), zap.Error(err))
	}
}

func countRoom(room map[string]*Client) models.RoomCounts {
	var counts models.RoomCounts
	for _, c := range room {
		if c.isProctor() {
			counts.Proctors++
		} else {
			counts.Students++
		}
	}
	counts.Total = counts.Proctors + counts.Students
	return counts
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
