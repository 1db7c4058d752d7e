package violations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-exam/proctor/internal/models"
)

// Record is one stored violation.
type Record struct {
	ID              int64           `json:"id"`
	ExamID          string          `json:"exam_id"`
	SubjectID       string          `json:"subject_id"`
	SessionID       string          `json:"session_id"`
	ViolationType   string          `json:"violation_type"`
	Severity        models.Severity `json:"severity"`
	TabActive       bool            `json:"tab_active"`
	ScreenHeight    int             `json:"screen_height"`
	ScreenReduction *float64        `json:"screen_reduction,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// Report is one stored critical report.
type Report struct {
	ID            uuid.UUID `json:"id"`
	ExamID        string    `json:"exam_id"`
	SubjectID     string    `json:"subject_id"`
	SessionID     string    `json:"session_id"`
	ViolationType string    `json:"violation_type"`
	Reason        string    `json:"reason"`
	FullName      string    `json:"full_name,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	URL           string    `json:"url,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	ReportedBy    string    `json:"reported_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Repository handles exam_violations and critical_reports.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a violations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordViolation stores a violation relayed through an exam room.
func (r *Repository) RecordViolation(ctx context.Context, examID string, msg models.ViolationMessage) error {
	occurred := time.UnixMilli(msg.Timestamp)
	if msg.Timestamp <= 0 {
		occurred = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_violations (exam_id, subject_id, session_id, violation_type, severity, tab_active, screen_height, screen_reduction, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		examID, msg.SubjectID, msg.SessionID, msg.ViolationType, string(msg.Severity), msg.TabActive, msg.ScreenHeight, msg.ScreenReduction, occurred)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// CreateReport stores a critical report and returns it with its id and timestamps.
func (r *Repository) CreateReport(ctx context.Context, rep models.CriticalReport, reportedBy string) (*Report, error) {
	out := &Report{
		ID:            uuid.New(),
		ExamID:        rep.ExamID,
		SubjectID:     rep.SubjectID,
		SessionID:     rep.SessionID,
		ViolationType: rep.ViolationType,
		Reason:        rep.Reason,
		FullName:      rep.FullName,
		UserAgent:     rep.UserAgent,
		URL:           rep.URL,
		OccurredAt:    time.UnixMilli(rep.Timestamp),
		ReportedBy:    reportedBy,
	}
	if rep.Timestamp <= 0 {
		out.OccurredAt = time.Now()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO critical_reports (id, exam_id, subject_id, session_id, violation_type, reason, full_name, user_agent, url, occurred_at, reported_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at`,
		out.ID, out.ExamID, out.SubjectID, out.SessionID, out.ViolationType, out.Reason, out.FullName, out.UserAgent, out.URL, out.OccurredAt, out.ReportedBy,
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert critical report: %w", err)
	}
	return out, nil
}

// ListViolations returns an exam's violations oldest first. subjectID narrows to one student when
// set; limit <= 0 means no limit.
func (r *Repository) ListViolations(ctx context.Context, examID, subjectID string, limit int) ([]Record, error) {
	q := `SELECT id, exam_id, subject_id, session_id, violation_type, severity, tab_active, screen_height, screen_reduction, occurred_at, received_at
		 FROM exam_violations WHERE exam_id = $1 AND ($2::text = '' OR subject_id = $2)
		 ORDER BY occurred_at, id`
	args := []interface{}{examID, subjectID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Record
	for rows.Next() {
		var rec Record
		var sev string
		if err := rows.Scan(&rec.ID, &rec.ExamID, &rec.SubjectID, &rec.SessionID, &rec.ViolationType, &sev,
			&rec.TabActive, &rec.ScreenHeight, &rec.ScreenReduction, &rec.OccurredAt, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.Severity = models.Severity(sev)
		list = append(list, rec)
	}
	return list, rows.Err()
}

// ListReports returns an exam's critical reports oldest first, optionally for one subject.
func (r *Repository) ListReports(ctx context.Context, examID, subjectID string) ([]Report, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, subject_id, session_id, violation_type, reason, full_name, user_agent, url, occurred_at, reported_by, created_at
		 FROM critical_reports WHERE exam_id = $1 AND ($2::text = '' OR subject_id = $2)
		 ORDER BY created_at`,
		examID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Report
	for rows.Next() {
		var rep Report
		if err := rows.Scan(&rep.ID, &rep.ExamID, &rep.SubjectID, &rep.SessionID, &rep.ViolationType, &rep.Reason,
			&rep.FullName, &rep.UserAgent, &rep.URL, &rep.OccurredAt, &rep.ReportedBy, &rep.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rep)
	}
	return list, rows.Err()
}
