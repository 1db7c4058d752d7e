package violations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aura-exam/proctor/internal/middleware"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/pkg/queue"
)

type memStore struct {
	reports    []Report
	violations []Record
	failList   bool
}

func (s *memStore) CreateReport(_ context.Context, rep models.CriticalReport, reportedBy string) (*Report, error) {
	out := Report{
		ID:            uuid.New(),
		ExamID:        rep.ExamID,
		SubjectID:     rep.SubjectID,
		ViolationType: rep.ViolationType,
		Reason:        rep.Reason,
		OccurredAt:    time.UnixMilli(rep.Timestamp),
		ReportedBy:    reportedBy,
		CreatedAt:     time.Now(),
	}
	s.reports = append(s.reports, out)
	return &out, nil
}

func (s *memStore) ListViolations(_ context.Context, examID, subjectID string, limit int) ([]Record, error) {
	if s.failList {
		return nil, errors.New("db down")
	}
	var out []Record
	for _, v := range s.violations {
		if v.ExamID == examID && (subjectID == "" || v.SubjectID == subjectID) && len(out) < limit {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) ListReports(_ context.Context, examID, subjectID string) ([]Report, error) {
	var out []Report
	for _, r := range s.reports {
		if r.ExamID == examID && (subjectID == "" || r.SubjectID == subjectID) {
			out = append(out, r)
		}
	}
	return out, nil
}

type notified struct {
	examID string
	frame  interface{}
}

type fakeNotifier struct{ got []notified }

func (n *fakeNotifier) NotifyProctors(examID string, frame interface{}) {
	n.got = append(n.got, notified{examID, frame})
}

type fakeQueue struct {
	jobs []queue.ArchivePayload
	err  error
}

func (q *fakeQueue) EnqueueArchive(_ context.Context, p queue.ArchivePayload) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, p)
	return nil
}

type fakeSigner struct{ exists bool }

func (s fakeSigner) ArchiveExists(context.Context, string, string) (bool, error) { return s.exists, nil }

func (s fakeSigner) PresignArchive(_ context.Context, examID, subjectID string) (string, time.Duration, error) {
	return "https://s3.local/" + examID + "/" + subjectID, 15 * time.Minute, nil
}

type fixture struct {
	store    *memStore
	notifier *fakeNotifier
	queue    *fakeQueue
	router   *gin.Engine
}

// as stands in for the JWT middleware.
func as(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Set(middleware.ContextUserRole, role)
		c.Next()
	}
}

func newFixture(userID, role string, signer ArchiveSigner) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{store: &memStore{}, notifier: &fakeNotifier{}, queue: &fakeQueue{}}
	h := NewHandler(f.store, f.notifier, f.queue, signer, nil)
	r := gin.New()
	api := r.Group("", as(userID, role))
	api.POST("/exams/:id/critical-violations", h.ReportCritical)
	api.GET("/exams/:id/violations", middleware.RequireProctor(), h.List)
	api.POST("/exams/:id/subjects/:subjectId/archive", middleware.RequireProctor(), h.RequestArchive)
	api.GET("/exams/:id/subjects/:subjectId/archive-url", middleware.RequireProctor(), h.ArchiveURL)
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func criticalReport() models.CriticalReport {
	return models.CriticalReport{
		ViolationType: models.TypeExamTerminated,
		Severity:      models.SeverityCritical,
		Reason:        "Excessive tab switching detected (5 times)",
		SubjectID:     "s1",
		SessionID:     "sess-1",
		Timestamp:     time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestReportCriticalStoresBroadcastsAndArchives(t *testing.T) {
	f := newFixture("s1", models.RoleStudent, nil)

	w := f.do(http.MethodPost, "/exams/e1/critical-violations", criticalReport())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Len(t, f.store.reports, 1)
	require.Equal(t, "e1", f.store.reports[0].ExamID)
	require.Equal(t, "s1", f.store.reports[0].ReportedBy)

	require.Len(t, f.notifier.got, 1)
	msg, ok := f.notifier.got[0].frame.(models.ViolationMessage)
	require.True(t, ok)
	require.Equal(t, "e1", f.notifier.got[0].examID)
	require.Equal(t, models.MsgStudentViolation, msg.Type)
	require.Equal(t, models.SeverityCritical, msg.Severity)
	require.Equal(t, "s1", msg.SubjectID)
	require.Contains(t, msg.Reason, "tab switching")

	require.Equal(t, []queue.ArchivePayload{{ExamID: "e1", SubjectID: "s1", Reason: "terminated"}}, f.queue.jobs)
}

func TestReportCriticalValidation(t *testing.T) {
	f := newFixture("s1", models.RoleStudent, nil)

	bad := criticalReport()
	bad.Severity = models.SeverityHigh
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/exams/e1/critical-violations", bad).Code)

	bad = criticalReport()
	bad.ExamID = "e2"
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/exams/e1/critical-violations", bad).Code)

	bad = criticalReport()
	bad.SubjectID = ""
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/exams/e1/critical-violations", bad).Code)

	other := criticalReport()
	other.SubjectID = "s2"
	require.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/exams/e1/critical-violations", other).Code)
	require.Empty(t, f.store.reports)
	require.Empty(t, f.notifier.got)

	proctor := newFixture("p1", models.RoleProctor, nil)
	require.Equal(t, http.StatusCreated, proctor.do(http.MethodPost, "/exams/e1/critical-violations", other).Code)

	err := validateReport("e1", &models.CriticalReport{SubjectID: "s1", ViolationType: "x"})
	require.ErrorIs(t, err, ErrInvalidReport)
}

func TestReportCriticalSurvivesQueueFailure(t *testing.T) {
	f := newFixture("s1", models.RoleStudent, nil)
	f.queue.err = errors.New("redis down")
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/exams/e1/critical-violations", criticalReport()).Code)
	require.Len(t, f.notifier.got, 1)
}

func TestListViolations(t *testing.T) {
	f := newFixture("p1", models.RoleProctor, nil)
	f.store.violations = []Record{
		{ID: 1, ExamID: "e1", SubjectID: "s1", Severity: models.SeverityHigh},
		{ID: 2, ExamID: "e1", SubjectID: "s2", Severity: models.SeverityLow},
		{ID: 3, ExamID: "e1", SubjectID: "s1", Severity: models.SeverityMedium},
		{ID: 4, ExamID: "e2", SubjectID: "s1", Severity: models.SeverityHigh},
	}

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Violations []Record      `json:"violations"`
			Tally      models.Tally `json:"tally"`
		} `json:"data"`
	}
	w := f.do(http.MethodGet, "/exams/e1/violations?subject_id=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Len(t, body.Data.Violations, 2)
	require.Equal(t, models.Tally{High: 1, Medium: 1}, body.Data.Tally)

	w = f.do(http.MethodGet, "/exams/e1/violations?limit=1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Violations, 1)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/exams/e1/violations?limit=x", nil).Code)
	f.store.failList = true
	require.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/exams/e1/violations", nil).Code)

	student := newFixture("s1", models.RoleStudent, nil)
	require.Equal(t, http.StatusForbidden, student.do(http.MethodGet, "/exams/e1/violations", nil).Code)
}

func TestArchiveEndpoints(t *testing.T) {
	f := newFixture("p1", models.RoleAdmin, fakeSigner{exists: true})
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/exams/e1/subjects/s1/archive", nil).Code)
	require.Equal(t, []queue.ArchivePayload{{ExamID: "e1", SubjectID: "s1", Reason: "requested"}}, f.queue.jobs)

	var body struct {
		Data struct {
			URL       string `json:"url"`
			ExpiresIn int    `json:"expires_in"`
		} `json:"data"`
	}
	w := f.do(http.MethodGet, "/exams/e1/subjects/s1/archive-url", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "https://s3.local/e1/s1", body.Data.URL)
	require.Equal(t, 900, body.Data.ExpiresIn)

	missing := newFixture("p1", models.RoleProctor, fakeSigner{})
	require.Equal(t, http.StatusNotFound, missing.do(http.MethodGet, "/exams/e1/subjects/s1/archive-url", nil).Code)

	disabled := newFixture("p1", models.RoleProctor, nil)
	require.Equal(t, http.StatusServiceUnavailable, disabled.do(http.MethodGet, "/exams/e1/subjects/s1/archive-url", nil).Code)
}
