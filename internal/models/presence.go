package models

import "time"

// RecentViolationCap bounds StudentActivityRecord.RecentViolations.
const RecentViolationCap = 10

// RoomCounts holds room-level participant counts.
type RoomCounts struct {
	Proctors int `json:"proctors"`
	Students int `json:"students"`
	Total    int `json:"total"`
}

// PresenceSnapshot is one connected participant.
type PresenceSnapshot struct {
	UserID       string    `json:"user_id"`
	FullName     string    `json:"full_name,omitempty"`
	Role         string    `json:"role"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// StudentActivityRecord aggregates one student's activity during an exam.
type StudentActivityRecord struct {
	SubjectID        string             `json:"subjectId"`
	FullName         string             `json:"full_name,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	LastHeartbeat    time.Time          `json:"last_heartbeat"`
	LastAnswerUpdate time.Time          `json:"last_answer_update"`
	LastActivity     time.Time          `json:"last_activity"`
	AnsweredCount    int                `json:"answered_count"`
	CurrentQuestion  int                `json:"current_question"`
	Violations       Tally              `json:"violations"`
	RecentViolations []ViolationMessage `json:"recent_violations"`
}

// PushViolation records v in the tally and the bounded recent list, dropping the oldest.
func (r *StudentActivityRecord) PushViolation(v ViolationMessage) {
	r.Violations.Add(v.Severity)
	r.RecentViolations = append(r.RecentViolations, v)
	if n := len(r.RecentViolations); n > RecentViolationCap {
		r.RecentViolations = append([]ViolationMessage(nil), r.RecentViolations[n-RecentViolationCap:]...)
	}
}

// Clone returns a deep copy.
func (r *StudentActivityRecord) Clone() *StudentActivityRecord {
	out := *r
	out.RecentViolations = append([]ViolationMessage(nil), r.RecentViolations...)
	return &out
}
