// Package preflight runs the one-shot integrity checks that gate the start of a monitored session.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

// ErrNotPassed is returned by Activate when Run has not succeeded.
var ErrNotPassed = errors.New("preflight: checks have not passed")

// Stage names the ordered checks.
type Stage string

const (
	StageDevTools    Stage = "devtools"
	StageAutomation  Stage = "automation"
	StageFingerprint Stage = "fingerprint"
	StageLockdown    Stage = "lockdown"
)

// Store receives the lock-down log entries and the device fingerprint.
type Store interface {
	Append(ctx context.Context, v models.Violation) error
	SaveFingerprint(ctx context.Context, examID, subjectID, hash string) error
}

// Identity ties the gate's records to one session.
type Identity struct {
	ExamID    string
	SubjectID string
	SessionID string
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage  Stage
	Passed bool
	Score  int
	Reason string
}

// Result is the outcome of Run. Stages holds every stage that ran, in order; a failed stage is
// always the last one.
type Result struct {
	Passed      bool
	Severity    models.Severity
	Reason      string
	Fingerprint Fingerprint
	Stages      []StageResult
}

// Gate is created once per session.
type Gate struct {
	bus    *host.Bus
	env    host.Environment
	clock  clock.Clock
	log    Store
	id     Identity
	policy config.PreflightPolicy
	logger *zap.Logger

	mu       sync.Mutex
	ran      bool
	result   Result
	lock     *lockdown
	ready    chan struct{}
	readyOne sync.Once
}

// New creates a gate. store may be nil, in which case nothing is persisted.
func New(bus *host.Bus, env host.Environment, clk clock.Clock, store Store, id Identity, policy config.PreflightPolicy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if policy.DevToolsThreshold <= 0 {
		policy = config.DefaultPolicy().Preflight
	}
	return &Gate{
		bus:    bus,
		env:    env,
		clock:  clk,
		log:    store,
		id:     id,
		policy: policy,
		logger: logger.With(zap.String("exam_id", id.ExamID), zap.String("subject_id", id.SubjectID)),
		ready:  make(chan struct{}),
	}
}

// Run executes the stages in order and stops at the first failure. It runs once; later calls
// return the first result.
func (g *Gate) Run(ctx context.Context) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ran {
		return g.result
	}
	g.ran = true

	res := Result{}
	fail := func(stage Stage, score int, reason string) Result {
		res.Stages = append(res.Stages, StageResult{Stage: stage, Score: score, Reason: reason})
		res.Severity = models.SeverityCritical
		res.Reason = reason
		g.logger.Warn("preflight failed", zap.String("stage", string(stage)), zap.String("reason", reason))
		return res
	}

	score, why := devtoolsScore(g.env)
	if score >= g.policy.DevToolsThreshold {
		g.result = fail(StageDevTools, score, fmt.Sprintf("Developer tools detected (%s)", why))
		return g.result
	}
	res.Stages = append(res.Stages, StageResult{Stage: StageDevTools, Passed: true, Score: score})

	if reason := automationReason(g.env); reason != "" {
		g.result = fail(StageAutomation, 0, "Automated browser detected: "+reason)
		return g.result
	}
	res.Stages = append(res.Stages, StageResult{Stage: StageAutomation, Passed: true})

	fp, err := CollectFingerprint(ctx, g.env, g.logger)
	if err != nil {
		g.result = fail(StageFingerprint, 0, "Unable to identify this device")
		return g.result
	}
	if g.log != nil {
		if err := g.log.SaveFingerprint(ctx, g.id.ExamID, g.id.SubjectID, fp.Hash); err != nil {
			g.logger.Warn("store fingerprint", zap.Error(err))
		}
	}
	res.Fingerprint = fp
	res.Stages = append(res.Stages, StageResult{Stage: StageFingerprint, Passed: true})

	if g.bus != nil {
		g.lock = newLockdown(g)
		g.lock.install()
	}
	res.Stages = append(res.Stages, StageResult{Stage: StageLockdown, Passed: true})

	res.Passed = true
	g.result = res
	g.logger.Info("preflight passed", zap.String("fingerprint", fp.Hash))
	return res
}

// Activate is the user gesture that starts the session. It requests fullscreen, treating
// failure as non-fatal, and signals readiness exactly once.
func (g *Gate) Activate(ctx context.Context) error {
	g.mu.Lock()
	passed := g.ran && g.result.Passed
	g.mu.Unlock()
	if !passed {
		return ErrNotPassed
	}

	g.readyOne.Do(func() {
		if err := g.env.RequestFullscreen(ctx); err != nil {
			g.logger.Warn("fullscreen request failed, continuing", zap.Error(err))
		}
		close(g.ready)
	})
	return nil
}

// Ready is closed once Activate has succeeded.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// Close removes the lock-down subscriptions. The gate cannot be reused.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lock != nil {
		g.lock.dispose()
		g.lock = nil
	}
}
