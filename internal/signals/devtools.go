package signals

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

// Heuristic constants for the periodic devtools score.
const (
	// SizeDifferentialPx is the outer/inner window gap that suggests a docked panel.
	SizeDifferentialPx = 160

	windowOneAxisScore  = 20
	windowBothAxesScore = 30
	windowPersistBonus  = 10
	timingStrongGap     = 100 * time.Millisecond
	timingWeakGap       = 50 * time.Millisecond
	timingStrongScore   = 30
	timingWeakScore     = 15
	consoleSlowAccess   = 20 * time.Millisecond
	consoleScore        = 10
)

// WindowScore scores the outer/inner size differential alone: 20 for one axis, 30 for both,
// plus 10 when the differential was also present on the previous poll.
func WindowScore(w host.WindowMetrics, persisted bool) int {
	wide := w.OuterWidth-w.InnerWidth > SizeDifferentialPx
	tall := w.OuterHeight-w.InnerHeight > SizeDifferentialPx
	score := 0
	switch {
	case wide && tall:
		score = windowBothAxesScore
	case wide || tall:
		score = windowOneAxisScore
	}
	if score > 0 && persisted {
		score += windowPersistBonus
	}
	return score
}

// TimingScore scores the performance-timing gap probe (0, 15 or 30).
func TimingScore(gap time.Duration) int {
	switch {
	case gap >= timingStrongGap:
		return timingStrongScore
	case gap >= timingWeakGap:
		return timingWeakScore
	}
	return 0
}

// ConsoleScore scores the console access probe (0 or 10).
func ConsoleScore(d time.Duration) int {
	if d >= consoleSlowAccess {
		return consoleScore
	}
	return 0
}

type devtoolsObserver struct {
	mu         sync.Mutex
	prevWindow bool
}

func (o *devtoolsObserver) attach(c *Collector) []Disposer {
	o.mu.Lock()
	o.prevWindow = false
	o.mu.Unlock()
	return []Disposer{every(c.clock, c.policy.DevTools.Interval, func() { o.poll(c) })}
}

// evaluate computes the combined score for the current environment.
func (o *devtoolsObserver) evaluate(env host.Environment) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	window := WindowScore(env.Window(), o.prevWindow)
	o.prevWindow = window > 0
	return window + TimingScore(env.TimingGap()) + ConsoleScore(env.ConsoleAccess())
}

func (o *devtoolsObserver) poll(c *Collector) {
	score := o.evaluate(c.env)
	switch {
	case score >= c.policy.DevTools.CriticalScore:
		c.logger.Warn("devtools detected", zap.Int("score", score))
		c.emit(models.TypeDevToolsDetected, models.SeverityCritical, nil)
	case score >= c.policy.DevTools.SuspectScore:
		c.emit(models.TypeDevToolsSuspected, models.SeverityMedium, nil)
	}
}
