// Package sessionlog records who was connected to an exam room and when.
package sessionlog

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/pkg/response"
)

// Lister reads attendance rows.
type Lister interface {
	ListByExam(ctx context.Context, examID string) ([]AttendeeRow, error)
}

// Handler handles GET /exams/:id/attendance.
type Handler struct {
	repo Lister
}

// NewHandler creates a session log handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// Attendance is the per-exam summary returned next to the raw rows.
type Attendance struct {
	Students int `json:"students"`
	Proctors int `json:"proctors"`
	Online   int `json:"online"`
}

// Summarize counts distinct participants by role and those with an open session.
func Summarize(rows []AttendeeRow) Attendance {
	var a Attendance
	seen := make(map[string]bool)
	online := make(map[string]bool)
	for _, row := range rows {
		if row.LeftAt == nil {
			online[row.UserID] = true
		}
		if seen[row.UserID] {
			continue
		}
		seen[row.UserID] = true
		if row.Role == models.RoleStudent {
			a.Students++
		} else {
			a.Proctors++
		}
	}
	a.Online = len(online)
	return a
}

// GetAttendance handles GET /exams/:id/attendance (proctor/admin: join and leave times).
func (h *Handler) GetAttendance(c *gin.Context) {
	examID := c.Param("id")
	list, err := h.repo.ListByExam(c.Request.Context(), examID)
	if err != nil {
		response.Internal(c, "failed to list attendance")
		return
	}
	response.OK(c, gin.H{"attendees": list, "summary": Summarize(list)})
}
