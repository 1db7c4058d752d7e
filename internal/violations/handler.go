// Package violations stores relayed violations and critical reports and serves the exam-level
// violation endpoints.
package violations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/middleware"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/pkg/queue"
	"github.com/aura-exam/proctor/pkg/response"
)

// ErrInvalidReport is returned for a critical report that cannot be accepted.
var ErrInvalidReport = errors.New("invalid critical report")

const maxListLimit = 1000

// Store is the persistence the handler needs.
type Store interface {
	CreateReport(ctx context.Context, rep models.CriticalReport, reportedBy string) (*Report, error)
	ListViolations(ctx context.Context, examID, subjectID string, limit int) ([]Record, error)
	ListReports(ctx context.Context, examID, subjectID string) ([]Report, error)
}

// Notifier reaches the proctors connected to an exam room.
type Notifier interface {
	NotifyProctors(examID string, frame interface{})
}

// ArchiveQueue schedules audit archive jobs.
type ArchiveQueue interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) error
}

// ArchiveSigner hands out download links for written archives.
type ArchiveSigner interface {
	ArchiveExists(ctx context.Context, examID, subjectID string) (bool, error)
	PresignArchive(ctx context.Context, examID, subjectID string) (string, time.Duration, error)
}

// Handler serves the violation endpoints. archives and signer may be nil when S3 is disabled.
type Handler struct {
	store    Store
	notifier Notifier
	archives ArchiveQueue
	signer   ArchiveSigner
	logger   *zap.Logger
}

// NewHandler creates a violations handler.
func NewHandler(store Store, notifier Notifier, archives ArchiveQueue, signer ArchiveSigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, notifier: notifier, archives: archives, signer: signer, logger: logger}
}

func validateReport(examID string, rep *models.CriticalReport) error {
	if rep.ExamID == "" {
		rep.ExamID = examID
	}
	switch {
	case rep.ExamID != examID:
		return fmt.Errorf("%w: exam id does not match path", ErrInvalidReport)
	case rep.SubjectID == "":
		return fmt.Errorf("%w: subjectId required", ErrInvalidReport)
	case rep.ViolationType == "":
		return fmt.Errorf("%w: violation_type required", ErrInvalidReport)
	case rep.Severity != models.SeverityCritical:
		return fmt.Errorf("%w: severity must be critical", ErrInvalidReport)
	}
	return nil
}

func isProctor(c *gin.Context) bool {
	role := c.GetString(middleware.ContextUserRole)
	return role == models.RoleProctor || role == models.RoleAdmin
}

// ReportCritical handles POST /exams/:id/critical-violations. Students may only report
// themselves. The report is broadcast to the exam's proctors and an archive job is queued.
func (h *Handler) ReportCritical(c *gin.Context) {
	examID := c.Param("id")
	var rep models.CriticalReport
	if err := c.ShouldBindJSON(&rep); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	if err := validateReport(examID, &rep); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	userID := c.GetString(middleware.ContextUserID)
	if !isProctor(c) && rep.SubjectID != userID {
		response.Forbidden(c, "cannot report for another subject")
		return
	}

	ctx := c.Request.Context()
	stored, err := h.store.CreateReport(ctx, rep, userID)
	if err != nil {
		h.logger.Error("store critical report", zap.String("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to store report")
		return
	}
	h.logger.Warn("session terminated by critical violation",
		zap.String("exam_id", examID),
		zap.String("subject_id", rep.SubjectID),
		zap.String("reason", rep.Reason))

	if h.notifier != nil {
		h.notifier.NotifyProctors(examID, models.ViolationMessage{
			Type:          models.MsgStudentViolation,
			SubjectID:     rep.SubjectID,
			ExamID:        examID,
			SessionID:     rep.SessionID,
			ViolationType: rep.ViolationType,
			Severity:      models.SeverityCritical,
			Timestamp:     models.Millis(stored.OccurredAt),
			Reason:        rep.Reason,
		})
	}
	if h.archives != nil {
		if err := h.archives.EnqueueArchive(ctx, queue.ArchivePayload{ExamID: examID, SubjectID: rep.SubjectID, Reason: "terminated"}); err != nil {
			h.logger.Warn("enqueue archive", zap.String("exam_id", examID), zap.Error(err))
		}
	}
	response.Created(c, stored)
}

// List handles GET /exams/:id/violations?subject_id=&limit= (proctor/admin).
func (h *Handler) List(c *gin.Context) {
	examID := c.Param("id")
	subjectID := c.Query("subject_id")
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	ctx := c.Request.Context()
	list, err := h.store.ListViolations(ctx, examID, subjectID, limit)
	if err != nil {
		h.logger.Error("list violations", zap.String("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to list violations")
		return
	}
	reports, err := h.store.ListReports(ctx, examID, subjectID)
	if err != nil {
		h.logger.Error("list critical reports", zap.String("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to list reports")
		return
	}
	var tally models.Tally
	for _, v := range list {
		tally.Add(v.Severity)
	}
	response.OK(c, gin.H{"violations": list, "reports": reports, "tally": tally})
}

// RequestArchive handles POST /exams/:id/subjects/:subjectId/archive (proctor/admin).
func (h *Handler) RequestArchive(c *gin.Context) {
	if h.archives == nil {
		response.ServiceUnavailable(c, "archiving disabled")
		return
	}
	payload := queue.ArchivePayload{ExamID: c.Param("id"), SubjectID: c.Param("subjectId"), Reason: "requested"}
	if err := h.archives.EnqueueArchive(c.Request.Context(), payload); err != nil {
		h.logger.Error("enqueue archive", zap.String("exam_id", payload.ExamID), zap.Error(err))
		response.Internal(c, "failed to queue archive")
		return
	}
	response.Accepted(c, gin.H{"exam_id": payload.ExamID, "subject_id": payload.SubjectID})
}

// ArchiveURL handles GET /exams/:id/subjects/:subjectId/archive-url (proctor/admin).
func (h *Handler) ArchiveURL(c *gin.Context) {
	if h.signer == nil {
		response.ServiceUnavailable(c, "archiving disabled")
		return
	}
	examID, subjectID := c.Param("id"), c.Param("subjectId")
	ctx := c.Request.Context()
	ok, err := h.signer.ArchiveExists(ctx, examID, subjectID)
	if err != nil {
		h.logger.Error("check archive", zap.String("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to check archive")
		return
	}
	if !ok {
		response.NotFound(c, "archive not found")
		return
	}
	url, expires, err := h.signer.PresignArchive(ctx, examID, subjectID)
	if err != nil {
		h.logger.Error("presign archive", zap.String("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to sign archive url")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}
