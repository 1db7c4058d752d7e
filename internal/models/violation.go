package models

import "time"

// Severity classifies a violation into one of the tally buckets.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known buckets.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Violation types emitted by the signal observers and the preflight lock-down.
const (
	TypeTabSwitchReturn       = "tab_switch_return"
	TypePageHidden            = "page_hidden"
	TypePageVisible           = "page_visible"
	TypeRightClickAttempt     = "right_click_attempt"
	TypeRapidClicking         = "rapid_clicking"
	TypeMouseLeaveWindow      = "mouse_leave_window"
	TypeCopyAttempt           = "copy_attempt"
	TypePasteAttempt          = "paste_attempt"
	TypeCutAttempt            = "cut_attempt"
	TypeSuspiciousKey         = "suspicious_key"
	TypeSuspiciousCombination = "suspicious_combination"
	TypeRapidTyping           = "rapid_typing"
	TypeDevToolsDetected      = "devtools_detected"
	TypeDevToolsSuspected     = "devtools_suspected"
	TypeFullscreenExit        = "fullscreen_exit"
	TypeScreenHeightReduction = "screen_height_reduction"
	TypeVerySmallScreenHeight = "very_small_screen_height"
	TypeContextMenuBlocked    = "context_menu_blocked"
	TypeSelectionBlocked      = "text_selection_blocked"
	TypeDragBlocked           = "drag_blocked"

	// TypeExamTerminated is carried by critical reports, never by a normal Violation.
	TypeExamTerminated = "exam_terminated_by_system"
)

// Candidate is what an observer hands to the aggregator before debouncing.
type Candidate struct {
	Type                   string
	Severity               Severity
	TabActive              bool
	ScreenHeight           int
	ScreenReductionPercent *float64
}

// Violation is one accepted anomalous event. Once accepted it is never mutated.
type Violation struct {
	Type                   string   `json:"type"`
	Severity               Severity `json:"severity"`
	Timestamp              int64    `json:"timestamp"`
	SubjectID              string   `json:"subjectId"`
	SessionID              string   `json:"sessionId"`
	ExamID                 string   `json:"examId"`
	TabActive              bool     `json:"tabActive"`
	ScreenHeight           int      `json:"screenHeight"`
	ScreenReductionPercent *float64 `json:"screenReductionPercent,omitempty"`
}

// Message converts the violation to its outbound wire form.
func (v Violation) Message() ViolationMessage {
	return ViolationMessage{
		Type:            MsgStudentViolation,
		SubjectID:       v.SubjectID,
		ExamID:          v.ExamID,
		SessionID:       v.SessionID,
		ViolationType:   v.Type,
		Severity:        v.Severity,
		Timestamp:       v.Timestamp,
		TabActive:       v.TabActive,
		ScreenHeight:    v.ScreenHeight,
		ScreenReduction: v.ScreenReductionPercent,
	}
}

// Tally holds running counters per severity bucket.
type Tally struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

// Add increments the bucket for sev. Unknown severities are ignored.
func (t *Tally) Add(sev Severity) {
	switch sev {
	case SeverityLow:
		t.Low++
	case SeverityMedium:
		t.Medium++
	case SeverityHigh:
		t.High++
	case SeverityCritical:
		t.Critical++
	}
}

// Get returns the counter for sev.
func (t Tally) Get(sev Severity) int {
	switch sev {
	case SeverityLow:
		return t.Low
	case SeverityMedium:
		return t.Medium
	case SeverityHigh:
		return t.High
	case SeverityCritical:
		return t.Critical
	}
	return 0
}

// Total returns the sum of all buckets.
func (t Tally) Total() int {
	return t.Low + t.Medium + t.High + t.Critical
}

// CriticalReport is the request body of the critical-violation call that terminates a session.
type CriticalReport struct {
	ViolationType string   `json:"violation_type"`
	Severity      Severity `json:"severity"`
	Reason        string   `json:"reason"`
	ExamID        string   `json:"examId"`
	SubjectID     string   `json:"subjectId"`
	SessionID     string   `json:"sessionId"`
	UserAgent     string   `json:"userAgent"`
	URL           string   `json:"url"`
	FullName      string   `json:"full_name"`
	Timestamp     int64    `json:"timestamp"`
}

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
