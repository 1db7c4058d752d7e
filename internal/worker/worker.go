package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/violations"
	"github.com/aura-exam/proctor/pkg/queue"
)

// Source reads what goes into an archive.
type Source interface {
	ListViolations(ctx context.Context, examID, subjectID string, limit int) ([]violations.Record, error)
	ListReports(ctx context.Context, examID, subjectID string) ([]violations.Report, error)
}

// Uploader writes the archive document.
type Uploader interface {
	UploadArchive(ctx context.Context, examID, subjectID string, doc []byte) (string, error)
}

// JobQueue is the Redis job queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archive is the document written for one subject of one exam.
type Archive struct {
	ExamID      string              `json:"exam_id"`
	SubjectID   string              `json:"subject_id"`
	Reason      string              `json:"reason,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
	Tally       models.Tally        `json:"tally"`
	Terminated  bool                `json:"terminated"`
	Violations  []violations.Record `json:"violations"`
	Reports     []violations.Report `json:"reports"`
}

// ArchiveProcessor processes archive jobs: read violations and reports, upload JSON to S3.
type ArchiveProcessor struct {
	source   Source
	uploader Uploader
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
	now      func() time.Time
}

// NewArchiveProcessor creates an archive processor.
func NewArchiveProcessor(source Source, uploader Uploader, q JobQueue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{
		source:   source,
		uploader: uploader,
		queue:    q,
		logger:   logger,
		backoff:  queue.RetryBackoff,
		now:      time.Now,
	}
}

// Build assembles the archive document.
func (p *ArchiveProcessor) Build(ctx context.Context, payload queue.ArchivePayload) (*Archive, error) {
	list, err := p.source.ListViolations(ctx, payload.ExamID, payload.SubjectID, 0)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	reports, err := p.source.ListReports(ctx, payload.ExamID, payload.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	a := &Archive{
		ExamID:      payload.ExamID,
		SubjectID:   payload.SubjectID,
		Reason:      payload.Reason,
		GeneratedAt: p.now().UTC(),
		Terminated:  len(reports) > 0,
		Violations:  list,
		Reports:     reports,
	}
	if a.Violations == nil {
		a.Violations = []violations.Record{}
	}
	if a.Reports == nil {
		a.Reports = []violations.Report{}
	}
	for _, v := range list {
		a.Tally.Add(v.Severity)
	}
	return a, nil
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeViolationArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.ExamID == "" || payload.SubjectID == "" {
		return fmt.Errorf("archive job %s missing exam or subject", job.ID)
	}

	a, err := p.Build(ctx, payload)
	if err != nil {
		return err
	}
	doc, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	loc, err := p.uploader.UploadArchive(ctx, payload.ExamID, payload.SubjectID, doc)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("archive written",
		zap.String("exam_id", payload.ExamID),
		zap.String("subject_id", payload.SubjectID),
		zap.Int("violations", len(a.Violations)),
		zap.String("location", loc))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
