// Package escalation delivers critical-violation reports to the exam API.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/models"
)

// ErrRejected is returned when the API answers a report with a non-2xx status.
var ErrRejected = errors.New("escalation: report rejected")

// Reporter posts critical reports to {APIURL}/exams/{examId}/critical-violations.
type Reporter struct {
	apiURL string
	token  string
	client *http.Client
	logger *zap.Logger
}

// NewReporter creates a reporter. A nil client uses a client with a 15s timeout.
func NewReporter(apiURL, token string, client *http.Client, logger *zap.Logger) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		client: client,
		logger: logger,
	}
}

// ReportCritical sends r and waits for the API's verdict.
func (r *Reporter) ReportCritical(ctx context.Context, report models.CriticalReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	endpoint := fmt.Sprintf("%s/exams/%s/critical-violations", r.apiURL, url.PathEscape(report.ExamID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post critical report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("critical report rejected", zap.String("exam_id", report.ExamID), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	r.logger.Info("critical report accepted", zap.String("exam_id", report.ExamID), zap.String("subject_id", report.SubjectID))
	return nil
}
