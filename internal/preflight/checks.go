package preflight

import (
	"fmt"
	"strings"
	"time"

	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/signals"
)

const (
	windowBothAxes   = 40
	windowOneAxis    = 25
	timingProbes     = 3
	timingConfirmMin = 2
	timingProbeScore = 40
	timingProbeLimit = 100 * time.Millisecond
)

// devtoolsScore combines the window differential with repeated timing probes. A single slow
// probe is treated as noise; at least two of three must exceed the limit.
func devtoolsScore(env host.Environment) (int, string) {
	w := env.Window()
	wide := w.OuterWidth-w.InnerWidth > signals.SizeDifferentialPx
	tall := w.OuterHeight-w.InnerHeight > signals.SizeDifferentialPx

	score := 0
	var reasons []string
	switch {
	case wide && tall:
		score += windowBothAxes
		reasons = append(reasons, "window size differential on both axes")
	case wide || tall:
		score += windowOneAxis
		reasons = append(reasons, "window size differential")
	}

	slow := 0
	for i := 0; i < timingProbes; i++ {
		if env.TimingGap() > timingProbeLimit {
			slow++
		}
	}
	if slow >= timingConfirmMin {
		score += timingProbeScore
		reasons = append(reasons, fmt.Sprintf("execution stalls in %d of %d probes", slow, timingProbes))
	}
	return score, strings.Join(reasons, "; ")
}

// Globals injected by headless browsers and automation drivers.
var headlessMarkers = []string{
	"callPhantom",
	"_phantom",
	"__nightmare",
	"domAutomation",
	"domAutomationController",
	"_selenium",
	"__webdriver_script_fn",
	"__driver_evaluate",
	"__selenium_unwrapped",
}

// automationReason returns a non-empty reason when the environment looks automated.
func automationReason(env host.Environment) string {
	nav := env.Navigator()
	if nav.Webdriver {
		return "automation flag set on navigator"
	}
	for _, g := range headlessMarkers {
		if env.HasGlobal(g) {
			return fmt.Sprintf("headless browser marker %q present", g)
		}
	}
	if strings.Contains(nav.UserAgent, "HeadlessChrome") {
		return "headless user agent"
	}
	if strings.Contains(nav.UserAgent, "Chrome") && !env.HasGlobal("chrome") {
		return "user agent claims Chrome but the chrome runtime object is missing"
	}
	return ""
}
