// Package presence maintains the proctor-side view of an exam room: who is connected and what
// each student is doing.
package presence

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/transport"
)

// GlobalViolationCap bounds the room-wide violation log.
const GlobalViolationCap = 50

// Registrar is the inbound side of the transport channel.
type Registrar interface {
	On(msgType string, h transport.Handler)
}

// Snapshot is a deep copy of the model handed to observers.
type Snapshot struct {
	Presence   map[string]models.PresenceSnapshot
	Counts     models.RoomCounts
	Students   map[string]*models.StudentActivityRecord
	Violations []models.ViolationMessage
}

// Model consumes room and student messages. It never sends anything.
type Model struct {
	clock    clock.Clock
	logger   *zap.Logger
	onChange func(Snapshot)

	mu         sync.Mutex
	presence   map[string]models.PresenceSnapshot
	counts     models.RoomCounts
	students   map[string]*models.StudentActivityRecord
	violations []models.ViolationMessage
}

// New creates an empty model. onChange may be nil.
func New(clk clock.Clock, onChange func(Snapshot), logger *zap.Logger) *Model {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{
		clock:    clk,
		logger:   logger,
		onChange: onChange,
		presence: make(map[string]models.PresenceSnapshot),
		students: make(map[string]*models.StudentActivityRecord),
	}
}

// Attach registers the model's handlers for the six room message types.
func (m *Model) Attach(r Registrar) {
	for _, typ := range []string{
		models.MsgRoomUserEvent,
		models.MsgStudentExamStart,
		models.MsgStudentHeartbeat,
		models.MsgStudentAnswerUpdate,
		models.MsgStudentViolation,
		models.MsgStudentActivity,
	} {
		r.On(typ, m.Handle)
	}
}

// Handle applies one inbound message. Unknown types and malformed payloads are ignored.
func (m *Model) Handle(msgType string, payload json.RawMessage) {
	var changed bool
	var err error
	switch msgType {
	case models.MsgRoomUserEvent:
		var ev models.RoomUserEvent
		if err = json.Unmarshal(payload, &ev); err == nil {
			changed = m.roomEvent(ev)
		}
	case models.MsgStudentExamStart:
		var ev models.StudentExamStart
		if err = json.Unmarshal(payload, &ev); err == nil {
			changed = m.examStart(ev)
		}
	case models.MsgStudentHeartbeat:
		var ev models.StudentHeartbeat
		if err = json.Unmarshal(payload, &ev); err == nil {
			changed = m.touch(ev.SubjectID, func(r *models.StudentActivityRecord) { r.LastHeartbeat = m.clock.Now() })
		}
	case models.MsgStudentAnswerUpdate:
		var ev models.StudentAnswerUpdate
		if err = json.Unmarshal(payload, &ev); err == nil {
			changed = m.touch(ev.SubjectID, func(r *models.StudentActivityRecord) {
				r.LastAnswerUpdate = m.clock.Now()
				r.AnsweredCount = ev.AnsweredCount
				r.CurrentQuestion = ev.CurrentQuestion
			})
		}
	case models.MsgStudentViolation:
		var ev models.ViolationMessage
		if err = json.Unmarshal(payload, &ev); err == nil {
			changed = m.violation(ev)
		}
	case models.MsgStudentActivity:
		var ev models.StudentActivity
		if err = json.Unmarshal(payload, &ev); err == nil {
			changed = m.touch(ev.SubjectID, func(r *models.StudentActivityRecord) { r.LastActivity = m.clock.Now() })
		}
	default:
		return
	}
	if err != nil {
		m.logger.Debug("ignoring malformed room message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if changed && m.onChange != nil {
		m.onChange(m.Snapshot())
	}
}

func (m *Model) roomEvent(ev models.RoomUserEvent) bool {
	if ev.UserID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	switch ev.Event {
	case models.UserConnected:
		p, ok := m.presence[ev.UserID]
		if !ok {
			p.ConnectedAt = now
		}
		p.UserID = ev.UserID
		p.FullName = ev.FullName
		p.Role = ev.Role
		p.LastActivity = now
		m.presence[ev.UserID] = p
	case models.UserDisconnected:
		delete(m.presence, ev.UserID)
	default:
		return false
	}
	m.recountLocked()
	return true
}

func (m *Model) recountLocked() {
	var c models.RoomCounts
	for _, p := range m.presence {
		switch p.Role {
		case models.RoleStudent:
			c.Students++
		case models.RoleProctor, models.RoleAdmin:
			c.Proctors++
		}
	}
	c.Total = len(m.presence)
	m.counts = c
}

func (m *Model) examStart(ev models.StudentExamStart) bool {
	if ev.SubjectID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	r, ok := m.students[ev.SubjectID]
	if !ok {
		r = &models.StudentActivityRecord{SubjectID: ev.SubjectID}
		m.students[ev.SubjectID] = r
	}
	r.FullName = ev.FullName
	r.StartedAt = now
	r.LastActivity = now
	return true
}

// touch updates an existing student record. Students without an exam start are ignored.
func (m *Model) touch(subjectID string, fn func(r *models.StudentActivityRecord)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.students[subjectID]
	if !ok {
		return false
	}
	fn(r)
	return true
}

func (m *Model) violation(ev models.ViolationMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, ev)
	if n := len(m.violations); n > GlobalViolationCap {
		m.violations = append([]models.ViolationMessage(nil), m.violations[n-GlobalViolationCap:]...)
	}
	if r, ok := m.students[ev.SubjectID]; ok {
		r.PushViolation(ev)
	}
	return true
}

// Snapshot returns a deep copy of the current state.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Presence:   make(map[string]models.PresenceSnapshot, len(m.presence)),
		Counts:     m.counts,
		Students:   make(map[string]*models.StudentActivityRecord, len(m.students)),
		Violations: append([]models.ViolationMessage(nil), m.violations...),
	}
	for k, v := range m.presence {
		s.Presence[k] = v
	}
	for k, v := range m.students {
		s.Students[k] = v.Clone()
	}
	return s
}
