package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/violations"
	"github.com/aura-exam/proctor/pkg/queue"
)

type fakeSource struct {
	records []violations.Record
	reports []violations.Report
	err     error
}

func (s fakeSource) ListViolations(context.Context, string, string, int) ([]violations.Record, error) {
	return s.records, s.err
}

func (s fakeSource) ListReports(context.Context, string, string) ([]violations.Report, error) {
	return s.reports, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	docs map[string][]byte
	err  error
}

func (u *fakeUploader) UploadArchive(_ context.Context, examID, subjectID string, doc []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	if u.docs == nil {
		u.docs = make(map[string][]byte)
	}
	u.docs[examID+"/"+subjectID] = doc
	return "s3://bucket/" + examID + "/" + subjectID, nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.docs)
}

// chanQueue hands out jobs from a channel and records retries.
type chanQueue struct {
	jobs    chan *queue.Job
	mu      sync.Mutex
	retried []string
}

func (q *chanQueue) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case j := <-q.jobs:
		return j, queue.QueueArchives, nil
	}
}

func (q *chanQueue) Retry(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, job.ID)
	return nil
}

func (q *chanQueue) retries() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.retried...)
}

func archiveJob(t *testing.T, examID, subjectID string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeViolationArchive, queue.ArchivePayload{ExamID: examID, SubjectID: subjectID, Reason: "terminated"})
	require.NoError(t, err)
	return job
}

func TestProcessWritesArchive(t *testing.T) {
	src := fakeSource{
		records: []violations.Record{
			{ID: 1, ExamID: "e1", SubjectID: "s1", ViolationType: models.TypePageHidden, Severity: models.SeverityHigh},
			{ID: 2, ExamID: "e1", SubjectID: "s1", ViolationType: models.TypeCopyAttempt, Severity: models.SeverityHigh},
			{ID: 3, ExamID: "e1", SubjectID: "s1", ViolationType: models.TypeMouseLeaveWindow, Severity: models.SeverityLow},
		},
		reports: []violations.Report{{ExamID: "e1", SubjectID: "s1", Reason: "Excessive tab switching detected (5 times)"}},
	}
	up := &fakeUploader{}
	p := NewArchiveProcessor(src, up, nil, nil)
	p.now = func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, p.Process(context.Background(), archiveJob(t, "e1", "s1")))

	var got Archive
	require.NoError(t, json.Unmarshal(up.docs["e1/s1"], &got))
	require.Equal(t, models.Tally{High: 2, Low: 1}, got.Tally)
	require.True(t, got.Terminated)
	require.Len(t, got.Violations, 3)
	require.Equal(t, "terminated", got.Reason)
	require.True(t, p.now().Equal(got.GeneratedAt))
}

func TestBuildEmptyArchive(t *testing.T) {
	p := NewArchiveProcessor(fakeSource{}, &fakeUploader{}, nil, nil)
	a, err := p.Build(context.Background(), queue.ArchivePayload{ExamID: "e1", SubjectID: "s1"})
	require.NoError(t, err)
	require.False(t, a.Terminated)
	require.NotNil(t, a.Violations)
	require.NotNil(t, a.Reports)
}

func TestProcessRejectsBadJobs(t *testing.T) {
	p := NewArchiveProcessor(fakeSource{}, &fakeUploader{}, nil, nil)

	err := p.Process(context.Background(), &queue.Job{ID: "j", Type: "other"})
	require.ErrorContains(t, err, "unknown job type")

	err = p.Process(context.Background(), archiveJob(t, "", "s1"))
	require.ErrorContains(t, err, "missing exam or subject")

	failing := NewArchiveProcessor(fakeSource{err: errors.New("db down")}, &fakeUploader{}, nil, nil)
	require.ErrorContains(t, failing.Process(context.Background(), archiveJob(t, "e1", "s1")), "db down")
}

func TestRunRetriesFailuresUntilCancelled(t *testing.T) {
	q := &chanQueue{jobs: make(chan *queue.Job, 4)}
	up := &fakeUploader{}
	p := NewArchiveProcessor(fakeSource{}, up, q, nil)
	p.backoff = time.Millisecond

	ok := archiveJob(t, "e1", "s1")
	bad := &queue.Job{ID: "bad", Type: "other"}
	q.jobs <- ok
	q.jobs <- bad

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return up.count() == 1 && len(q.retries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"bad"}, q.retries())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
