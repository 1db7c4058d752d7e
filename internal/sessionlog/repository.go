package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttendeeRow is one row for GET /exams/:id/attendance.
type AttendeeRow struct {
	UserID          string     `json:"user_id"`
	Role            string     `json:"role"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// Repository handles exam_session_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a participant connects to an exam room.
func (r *Repository) LogJoin(ctx context.Context, examID, userID, role string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_session_logs (exam_id, user_id, role, joined_at) VALUES ($1, $2, $3, NOW())`,
		examID, userID, role)
	if err != nil {
		return fmt.Errorf("log join: %w", err)
	}
	return nil
}

// LogLeave closes the most recent open session for this user in this exam.
func (r *Repository) LogLeave(ctx context.Context, examID, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_session_logs u SET left_at = NOW(), duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - u.joined_at))::BIGINT)
		 FROM (SELECT id FROM exam_session_logs WHERE exam_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE u.id = sub.id`,
		examID, userID)
	if err != nil {
		return fmt.Errorf("log leave: %w", err)
	}
	return nil
}

// ListByExam returns every join/leave row of an exam, newest first.
func (r *Repository) ListByExam(ctx context.Context, examID string) ([]AttendeeRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, role, joined_at, left_at, duration_seconds
		 FROM exam_session_logs WHERE exam_id = $1 ORDER BY joined_at DESC`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []AttendeeRow
	for rows.Next() {
		var row AttendeeRow
		if err := rows.Scan(&row.UserID, &row.Role, &row.JoinedAt, &row.LeftAt, &row.DurationSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
