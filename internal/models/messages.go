package models

// Message type discriminators carried in the "type" field of every frame.
const (
	MsgStudentViolation    = "student_violation"
	MsgHeartbeat           = "heartbeat"
	MsgHeartbeatAck        = "heartbeat_ack"
	MsgHeartbeatPing       = "heartbeat_ping"
	MsgHeartbeatPong       = "heartbeat_pong"
	MsgRoomUserEvent       = "room_user_event"
	MsgStudentExamStart    = "student_exam_start"
	MsgStudentHeartbeat    = "student_heartbeat"
	MsgStudentAnswerUpdate = "student_answer_update"
	MsgStudentActivity     = "student_activity"
)

// Roles carried by tokens and presence records.
const (
	RoleStudent = "student"
	RoleProctor = "proctor"
	RoleAdmin   = "admin"
)

// Room user event kinds.
const (
	UserConnected    = "connected"
	UserDisconnected = "disconnected"
)

// ViolationMessage is the outbound frame for an accepted violation, also relayed to proctors.
type ViolationMessage struct {
	Type            string   `json:"type"`
	SubjectID       string   `json:"subjectId"`
	ExamID          string   `json:"examId"`
	SessionID       string   `json:"sessionId"`
	ViolationType   string   `json:"violation_type"`
	Severity        Severity `json:"severity"`
	Timestamp       int64    `json:"timestamp"`
	TabActive       bool     `json:"tab_active"`
	ScreenHeight    int      `json:"screen_height"`
	ScreenReduction *float64 `json:"screen_reduction,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// HeartbeatMessage is sent by the client on the heartbeat interval.
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	UserRole  string `json:"user_role"`
}

// HeartbeatPing is a server-initiated liveness probe.
type HeartbeatPing struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatPong answers a HeartbeatPing. ServerTime echoes the ping timestamp.
type HeartbeatPong struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ServerTime int64  `json:"server_time"`
	MessageID  string `json:"message_id"`
	UserID     string `json:"user_id"`
	UserRole   string `json:"user_role"`
}

// HeartbeatAck acknowledges a client heartbeat.
type HeartbeatAck struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RoomUserEvent announces a participant joining or leaving an exam room.
type RoomUserEvent struct {
	Type      string     `json:"type"`
	Event     string     `json:"event"`
	UserID    string     `json:"user_id"`
	FullName  string     `json:"full_name,omitempty"`
	Role      string     `json:"role"`
	Timestamp int64      `json:"timestamp"`
	Counts    RoomCounts `json:"counts"`
}

// StudentExamStart is sent once when a monitored session begins.
type StudentExamStart struct {
	Type      string `json:"type"`
	SubjectID string `json:"subjectId"`
	ExamID    string `json:"examId"`
	SessionID string `json:"sessionId"`
	FullName  string `json:"full_name"`
	Timestamp int64  `json:"timestamp"`
}

// StudentHeartbeat is relayed to proctors when a student heartbeat arrives.
type StudentHeartbeat struct {
	Type      string `json:"type"`
	SubjectID string `json:"subjectId"`
	Timestamp int64  `json:"timestamp"`
}

// StudentAnswerUpdate reports answer progress.
type StudentAnswerUpdate struct {
	Type            string `json:"type"`
	SubjectID       string `json:"subjectId"`
	AnsweredCount   int    `json:"answered_count"`
	CurrentQuestion int    `json:"current_question"`
	Timestamp       int64  `json:"timestamp"`
}

// StudentActivity is a generic activity ping.
type StudentActivity struct {
	Type      string `json:"type"`
	SubjectID string `json:"subjectId"`
	Activity  string `json:"activity,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
