// Package aggregator gatekeeps, counts, persists and forwards violation candidates, and owns
// the escalation thresholds that end a session.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/signals"
)

// Log is the local append-only violation log.
type Log interface {
	Append(ctx context.Context, v models.Violation) error
}

// Sender forwards messages to the transport. Errors are not retried here.
type Sender interface {
	Send(msg interface{}) error
}

// Escalator delivers a critical report and waits for the server's answer.
type Escalator interface {
	ReportCritical(ctx context.Context, r models.CriticalReport) error
}

// Session identifies the monitored session. It does not change after construction.
type Session struct {
	ExamID    string
	SubjectID string
	SessionID string
	FullName  string
	UserAgent string
	URL       string
}

// Callbacks are the collaborator hooks of the presentation layer. Any of them may be nil.
type Callbacks struct {
	OnTally     func(models.Tally)
	OnWarning   func(reason string, count int)
	OnTerminate func(reason string)
}

type trigger string

const (
	triggerTabSwitchWarn      trigger = "tab_switch_warn"
	triggerTabSwitchTerminate trigger = "tab_switch_terminate"
	triggerGeometryTerminate  trigger = "geometry_terminate"
)

// Aggregator is created per monitoring session.
type Aggregator struct {
	session   Session
	policy    config.Policy
	clock     clock.Clock
	log       Log
	sender    Sender
	escalator Escalator
	cb        Callbacks
	logger    *zap.Logger

	inflight sync.WaitGroup

	mu       sync.Mutex
	debounce map[string]time.Time
	tally    models.Tally
	fired    map[trigger]bool
}

var _ signals.Sink = (*Aggregator)(nil)

// New creates an aggregator. log, sender and escalator may be nil.
func New(session Session, policy config.Policy, clk clock.Clock, log Log, sender Sender, escalator Escalator, cb Callbacks, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Aggregator{
		session:   session,
		policy:    policy,
		clock:     clk,
		log:       log,
		sender:    sender,
		escalator: escalator,
		cb:        cb,
		logger:    logger.With(zap.String("exam_id", session.ExamID), zap.String("subject_id", session.SubjectID)),
		debounce:  make(map[string]time.Time),
		fired:     make(map[trigger]bool),
	}
}

// Submit debounces c by type and severity. Accepted candidates are tallied, persisted and
// forwarded; the return value reports acceptance.
func (a *Aggregator) Submit(c models.Candidate) bool {
	now := a.clock.Now()
	key := c.Type + "|" + string(c.Severity)

	a.mu.Lock()
	if last, ok := a.debounce[key]; ok && now.Sub(last) < a.policy.DebounceWindow {
		a.mu.Unlock()
		return false
	}
	a.debounce[key] = now
	a.tally.Add(c.Severity)
	tally := a.tally
	a.mu.Unlock()

	v := models.Violation{
		Type:                   c.Type,
		Severity:               c.Severity,
		Timestamp:              models.Millis(now),
		SubjectID:              a.session.SubjectID,
		SessionID:              a.session.SessionID,
		ExamID:                 a.session.ExamID,
		TabActive:              c.TabActive,
		ScreenHeight:           c.ScreenHeight,
		ScreenReductionPercent: c.ScreenReductionPercent,
	}

	if a.log != nil {
		if err := a.log.Append(context.Background(), v); err != nil {
			a.logger.Warn("append local violation log", zap.String("type", v.Type), zap.Error(err))
		}
	}
	if a.sender != nil {
		if err := a.sender.Send(v.Message()); err != nil {
			a.logger.Debug("forward violation", zap.String("type", v.Type), zap.Error(err))
		}
	}
	if a.cb.OnTally != nil {
		a.cb.OnTally(tally)
	}
	return true
}

// Track evaluates the escalation thresholds for an observer counter.
func (a *Aggregator) Track(counter signals.Counter, value int) {
	switch counter {
	case signals.CounterTabSwitch:
		if a.policy.TabSwitch.WarnAt > 0 && value >= a.policy.TabSwitch.WarnAt && value < a.policy.TabSwitch.TerminateAt {
			if a.arm(triggerTabSwitchWarn) && a.cb.OnWarning != nil {
				a.cb.OnWarning(fmt.Sprintf("Warning: you have left the exam window %d times", value), value)
			}
		}
		if value >= a.policy.TabSwitch.TerminateAt {
			if a.arm(triggerTabSwitchTerminate) {
				a.Escalate(fmt.Sprintf("Excessive tab switching detected (%d times)", value))
			}
		}
	case signals.CounterGeometry:
		if value >= a.policy.Geometry.TerminateAt {
			if a.arm(triggerGeometryTerminate) {
				a.Escalate(fmt.Sprintf("Repeated screen size reduction detected (%d times)", value))
			}
		}
	}
}

// arm reports whether t may fire. Without Escalation.Repeat each trigger fires once per session.
func (a *Aggregator) arm(t trigger) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fired[t] && !a.policy.Escalation.Repeat {
		return false
	}
	a.fired[t] = true
	return true
}

// Escalate sends a critical report in the background and then terminates the session
// locally. Termination happens even when the report cannot be confirmed. The caller is never
// blocked on the network.
func (a *Aggregator) Escalate(reason string) {
	report := models.CriticalReport{
		ViolationType: models.TypeExamTerminated,
		Severity:      models.SeverityCritical,
		Reason:        reason,
		ExamID:        a.session.ExamID,
		SubjectID:     a.session.SubjectID,
		SessionID:     a.session.SessionID,
		UserAgent:     a.session.UserAgent,
		URL:           a.session.URL,
		FullName:      a.session.FullName,
		Timestamp:     models.Millis(a.clock.Now()),
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		a.report(report)
	}()
}

func (a *Aggregator) report(report models.CriticalReport) {
	reason := report.Reason
	if a.escalator != nil {
		timeout := a.policy.Escalation.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := a.escalator.ReportCritical(ctx, report)
		cancel()
		if err != nil {
			a.logger.Error("critical report not confirmed, terminating anyway", zap.String("reason", reason), zap.Error(err))
		} else {
			a.logger.Warn("session terminated by system", zap.String("reason", reason))
		}
	}
	if a.cb.OnTerminate != nil {
		a.cb.OnTerminate(reason)
	}
}

// Wait blocks until every escalation started so far has reported and terminated.
func (a *Aggregator) Wait() {
	a.inflight.Wait()
}

// Tally returns a copy of the current counters.
func (a *Aggregator) Tally() models.Tally {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tally
}
