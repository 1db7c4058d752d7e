package aggregator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/signals"
	"github.com/aura-exam/proctor/internal/violationlog"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []interface{}
	err  error
}

func (s *fakeSender) Send(msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

type fakeEscalator struct {
	mu      sync.Mutex
	reports []models.CriticalReport
	err     error
	release chan struct{}
}

func (e *fakeEscalator) ReportCritical(ctx context.Context, r models.CriticalReport) error {
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, r)
	return e.err
}

type harness struct {
	agg        *Aggregator
	clock      *clock.Fake
	log        *violationlog.Store
	sender     *fakeSender
	escalator  *fakeEscalator
	tallies    []models.Tally
	warnings   []int
	terminated []string
}

func newHarness(t *testing.T, policy config.Policy) *harness {
	t.Helper()
	store, err := violationlog.Open(filepath.Join(t.TempDir(), "agent.db"), policy.Log.MaxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		clock:     clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
		log:       store,
		sender:    &fakeSender{},
		escalator: &fakeEscalator{},
	}
	session := Session{ExamID: "exam-7", SubjectID: "subj-3", SessionID: "sess-1", FullName: "Ada Lovelace", UserAgent: "kiosk/1.0", URL: "https://exam.local/7"}
	h.agg = New(session, policy, h.clock, store, h.sender, h.escalator, Callbacks{
		OnTally:     func(t models.Tally) { h.tallies = append(h.tallies, t) },
		OnWarning:   func(_ string, n int) { h.warnings = append(h.warnings, n) },
		OnTerminate: func(reason string) { h.terminated = append(h.terminated, reason) },
	}, nil)
	return h
}

func candidate(typ string, sev models.Severity) models.Candidate {
	return models.Candidate{Type: typ, Severity: sev, TabActive: true, ScreenHeight: 900}
}

func TestDebounceSuppressesIdenticalCandidates(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())

	c := candidate(models.TypeCopyAttempt, models.SeverityHigh)
	require.True(t, h.agg.Submit(c))
	h.clock.Advance(999 * time.Millisecond)
	require.False(t, h.agg.Submit(c))
	require.Equal(t, 1, h.agg.Tally().High)

	h.clock.Advance(1 * time.Millisecond)
	require.True(t, h.agg.Submit(c))
	require.Equal(t, 2, h.agg.Tally().High)
}

func TestDebounceKeyIncludesSeverity(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())

	require.True(t, h.agg.Submit(candidate("custom", models.SeverityLow)))
	require.True(t, h.agg.Submit(candidate("custom", models.SeverityHigh)))
	require.True(t, h.agg.Submit(candidate(models.TypePasteAttempt, models.SeverityHigh)))
}

func TestAcceptedViolationsAreCountedPersistedAndForwarded(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())

	submissions := []models.Candidate{
		candidate(models.TypeMouseLeaveWindow, models.SeverityLow),
		candidate(models.TypeRightClickAttempt, models.SeverityMedium),
		candidate(models.TypeCopyAttempt, models.SeverityHigh),
		candidate(models.TypeCopyAttempt, models.SeverityHigh),
		candidate(models.TypeDevToolsDetected, models.SeverityCritical),
	}
	accepted := 0
	for _, c := range submissions {
		if h.agg.Submit(c) {
			accepted++
		}
	}
	require.Equal(t, 4, accepted)

	tally := h.agg.Tally()
	require.Equal(t, models.Tally{Low: 1, Medium: 1, High: 1, Critical: 1}, tally)
	require.Equal(t, accepted, tally.Total())

	stored, err := h.log.List(context.Background(), "exam-7", "subj-3")
	require.NoError(t, err)
	require.Len(t, stored, accepted)
	require.Equal(t, "sess-1", stored[0].SessionID)

	require.Len(t, h.sender.sent, accepted)
	msg, ok := h.sender.sent[2].(models.ViolationMessage)
	require.True(t, ok)
	require.Equal(t, models.MsgStudentViolation, msg.Type)
	require.Equal(t, models.TypeCopyAttempt, msg.ViolationType)

	require.Len(t, h.tallies, accepted)
	require.Equal(t, tally, h.tallies[len(h.tallies)-1])
}

func TestSendFailureDoesNotAffectAcceptance(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())
	h.sender.err = errors.New("socket closed")

	require.True(t, h.agg.Submit(candidate(models.TypeCutAttempt, models.SeverityHigh)))
	require.Equal(t, 1, h.agg.Tally().Total())
}

func TestTabSwitchWarningAndTermination(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())

	for n := 1; n <= 4; n++ {
		h.agg.Track(signals.CounterTabSwitch, n)
	}
	require.Equal(t, []int{3}, h.warnings)
	require.Empty(t, h.escalator.reports)
	require.Empty(t, h.terminated)

	h.agg.Track(signals.CounterTabSwitch, 5)
	h.agg.Wait()
	require.Len(t, h.escalator.reports, 1)
	require.Len(t, h.terminated, 1)

	r := h.escalator.reports[0]
	require.Equal(t, models.TypeExamTerminated, r.ViolationType)
	require.Equal(t, models.SeverityCritical, r.Severity)
	require.Equal(t, "exam-7", r.ExamID)
	require.Equal(t, "Ada Lovelace", r.FullName)
	require.Contains(t, r.Reason, "5")

	h.agg.Track(signals.CounterTabSwitch, 6)
	h.agg.Wait()
	require.Len(t, h.escalator.reports, 1)
	require.Len(t, h.terminated, 1)
}

func TestGeometryTerminatesAtThree(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())

	h.agg.Track(signals.CounterGeometry, 1)
	h.agg.Track(signals.CounterGeometry, 2)
	require.Empty(t, h.terminated)

	h.agg.Track(signals.CounterGeometry, 3)
	h.agg.Wait()
	require.Len(t, h.terminated, 1)
	require.Len(t, h.escalator.reports, 1)
}

func TestTerminationSurvivesFailedReport(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())
	h.escalator.err = errors.New("502 bad gateway")

	h.agg.Track(signals.CounterTabSwitch, 5)
	h.agg.Wait()
	require.Len(t, h.escalator.reports, 1)
	require.Len(t, h.terminated, 1)
}

func TestRepeatEscalation(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Escalation.Repeat = true
	h := newHarness(t, policy)

	h.agg.Track(signals.CounterTabSwitch, 5)
	h.agg.Wait()
	h.agg.Track(signals.CounterTabSwitch, 6)
	h.agg.Wait()
	require.Len(t, h.escalator.reports, 2)
	require.Len(t, h.terminated, 2)
}

func TestCollectorDrivesEscalation(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())

	// The aggregator satisfies the collector's sink, so counters flow straight in.
	var sink signals.Sink = h.agg
	for n := 1; n <= 5; n++ {
		sink.Track(signals.CounterTabSwitch, n)
	}
	h.agg.Wait()
	require.Equal(t, []int{3}, h.warnings)
	require.Len(t, h.terminated, 1)
}

func TestEscalationDoesNotBlockCaller(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())
	h.escalator.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		h.agg.Track(signals.CounterTabSwitch, 5)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Track blocked on the critical report")
	}

	close(h.escalator.release)
	h.agg.Wait()
	require.Len(t, h.escalator.reports, 1)
	require.Len(t, h.terminated, 1)
}
