// Package violationlog persists the agent's local violation log and device fingerprints in SQLite.
package violationlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aura-exam/proctor/internal/models"
)

// ErrNotFound is returned when no fingerprint is stored for an exam/subject pair.
var ErrNotFound = errors.New("violationlog: not found")

// DefaultMaxEntries bounds the log when the caller passes zero.
const DefaultMaxEntries = 100

// Store is a SQLite-backed violation log. The file survives agent restarts.
type Store struct {
	db         *sql.DB
	maxEntries int
}

// Open opens (or creates) the log at path. Use ":memory:" only for throwaway stores.
func Open(path string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases and the trim step consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &Store{db: db, maxEntries: maxEntries}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS violations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts INTEGER NOT NULL,
			subject_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			exam_id TEXT NOT NULL,
			tab_active INTEGER NOT NULL,
			screen_height INTEGER NOT NULL,
			screen_reduction REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_exam_subject ON violations(exam_id, subject_id)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			exam_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (exam_id, subject_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append adds v and drops the oldest rows of its exam and subject beyond the configured bound.
func (s *Store) Append(ctx context.Context, v models.Violation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var reduction sql.NullFloat64
	if v.ScreenReductionPercent != nil {
		reduction = sql.NullFloat64{Float64: *v.ScreenReductionPercent, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO violations (type, severity, ts, subject_id, session_id, exam_id, tab_active, screen_height, screen_reduction)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Type, string(v.Severity), v.Timestamp, v.SubjectID, v.SessionID, v.ExamID, v.TabActive, v.ScreenHeight, reduction)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM violations
		 WHERE exam_id = ? AND subject_id = ?
		   AND seq NOT IN (SELECT seq FROM violations WHERE exam_id = ? AND subject_id = ? ORDER BY seq DESC LIMIT ?)`,
		v.ExamID, v.SubjectID, v.ExamID, v.SubjectID, s.maxEntries)
	if err != nil {
		return fmt.Errorf("trim violations: %w", err)
	}
	return tx.Commit()
}

// List returns the stored violations for an exam and subject in append order.
func (s *Store) List(ctx context.Context, examID, subjectID string) ([]models.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, severity, ts, subject_id, session_id, exam_id, tab_active, screen_height, screen_reduction
		 FROM violations WHERE exam_id = ? AND subject_id = ? ORDER BY seq`,
		examID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []models.Violation
	for rows.Next() {
		var (
			v         models.Violation
			severity  string
			reduction sql.NullFloat64
		)
		if err := rows.Scan(&v.Type, &severity, &v.Timestamp, &v.SubjectID, &v.SessionID, &v.ExamID, &v.TabActive, &v.ScreenHeight, &reduction); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Severity = models.Severity(severity)
		if reduction.Valid {
			r := reduction.Float64
			v.ScreenReductionPercent = &r
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Count returns the number of rows currently held.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

// SaveFingerprint stores hash for the exam/subject pair, replacing any previous value.
func (s *Store) SaveFingerprint(ctx context.Context, examID, subjectID, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (exam_id, subject_id, hash) VALUES (?, ?, ?)
		 ON CONFLICT(exam_id, subject_id) DO UPDATE SET hash = excluded.hash`,
		examID, subjectID, hash)
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// Fingerprint returns the stored hash or ErrNotFound.
func (s *Store) Fingerprint(ctx context.Context, examID, subjectID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM fingerprints WHERE exam_id = ? AND subject_id = ?`, examID, subjectID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load fingerprint: %w", err)
	}
	return hash, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
