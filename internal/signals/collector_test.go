package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

type recordingSink struct {
	candidates []models.Candidate
	tracked    map[Counter][]int
}

func (s *recordingSink) Submit(c models.Candidate) bool {
	s.candidates = append(s.candidates, c)
	return true
}

func (s *recordingSink) Track(counter Counter, value int) {
	if s.tracked == nil {
		s.tracked = make(map[Counter][]int)
	}
	s.tracked[counter] = append(s.tracked[counter], value)
}

func (s *recordingSink) ofType(typ string) []models.Candidate {
	var out []models.Candidate
	for _, c := range s.candidates {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	bus   *host.Bus
	env   *host.Snapshot
	clock *clock.Fake
	sink  *recordingSink
	col   *Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:   host.NewBus(),
		env:   &host.Snapshot{Win: host.WindowMetrics{OuterWidth: 1280, OuterHeight: 1080, InnerWidth: 1280, InnerHeight: 1000}},
		clock: clock.NewFake(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)),
		sink:  &recordingSink{},
	}
	f.col = New(f.bus, f.env, f.clock, f.sink, config.DefaultPolicy(), nil)
	f.col.Start()
	t.Cleanup(f.col.Stop)
	return f
}

func (f *fixture) publish(kind host.Kind) {
	f.bus.Publish(&host.Event{Kind: kind})
}

func TestTabSwitchReturnAfterLongAbsence(t *testing.T) {
	f := newFixture(t)

	f.publish(host.KindBlur)
	f.clock.Advance(6 * time.Second)
	f.publish(host.KindFocus)

	got := f.sink.ofType(models.TypeTabSwitchReturn)
	require.Len(t, got, 1)
	require.Equal(t, models.SeverityMedium, got[0].Severity)
	require.True(t, got[0].TabActive)
	require.Equal(t, 1, f.col.TabSwitches())
	require.Equal(t, []int{1}, f.sink.tracked[CounterTabSwitch])
}

func TestTabSwitchShortAbsenceIsNotReported(t *testing.T) {
	f := newFixture(t)

	f.publish(host.KindBlur)
	f.clock.Advance(5 * time.Second)
	f.publish(host.KindFocus)

	require.Empty(t, f.sink.ofType(models.TypeTabSwitchReturn))
	require.Equal(t, 1, f.col.TabSwitches())
}

func TestBlurCountsEveryTabSwitch(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.publish(host.KindBlur)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, f.sink.tracked[CounterTabSwitch])
}

func TestVisibilityAndFullscreen(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(&host.Event{Kind: host.KindVisibility, Hidden: true})
	f.bus.Publish(&host.Event{Kind: host.KindVisibility, Hidden: false})
	f.bus.Publish(&host.Event{Kind: host.KindFullscreen, Fullscreen: true})
	f.bus.Publish(&host.Event{Kind: host.KindFullscreen, Fullscreen: false})

	require.Len(t, f.sink.candidates, 3)
	require.Equal(t, models.TypePageHidden, f.sink.candidates[0].Type)
	require.Equal(t, models.SeverityHigh, f.sink.candidates[0].Severity)
	require.False(t, f.sink.candidates[0].TabActive)
	require.Equal(t, models.TypePageVisible, f.sink.candidates[1].Type)
	require.Equal(t, models.SeverityMedium, f.sink.candidates[1].Severity)
	require.Equal(t, models.TypeFullscreenExit, f.sink.candidates[2].Type)
}

func TestPointerAndClipboard(t *testing.T) {
	f := newFixture(t)

	f.publish(host.KindContextMenu)
	f.publish(host.KindMouseLeave)
	f.publish(host.KindCopy)
	f.publish(host.KindPaste)
	f.publish(host.KindCut)

	want := []struct {
		typ string
		sev models.Severity
	}{
		{models.TypeRightClickAttempt, models.SeverityMedium},
		{models.TypeMouseLeaveWindow, models.SeverityLow},
		{models.TypeCopyAttempt, models.SeverityHigh},
		{models.TypePasteAttempt, models.SeverityHigh},
		{models.TypeCutAttempt, models.SeverityHigh},
	}
	require.Len(t, f.sink.candidates, len(want))
	for i, w := range want {
		require.Equal(t, w.typ, f.sink.candidates[i].Type)
		require.Equal(t, w.sev, f.sink.candidates[i].Severity)
	}
}

func TestRapidClickingWindowAndDecay(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		f.publish(host.KindClick)
		f.clock.Advance(100 * time.Millisecond)
	}
	require.Empty(t, f.sink.ofType(models.TypeRapidClicking))

	f.publish(host.KindClick)
	require.Len(t, f.sink.ofType(models.TypeRapidClicking), 1)

	// Decayed to one click; nine more stay under the limit.
	for i := 0; i < 9; i++ {
		f.publish(host.KindClick)
	}
	require.Len(t, f.sink.ofType(models.TypeRapidClicking), 1)
}

func TestRapidClickingWindowExpires(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.publish(host.KindClick)
	}
	f.clock.Advance(6 * time.Second)
	for i := 0; i < 10; i++ {
		f.publish(host.KindClick)
	}
	require.Empty(t, f.sink.ofType(models.TypeRapidClicking))
}

func TestRapidClickingRollingWindow(t *testing.T) {
	f := newFixture(t)

	f.publish(host.KindClick)
	f.clock.Advance(4800 * time.Millisecond)
	for i := 0; i < 5; i++ {
		f.publish(host.KindClick)
	}
	f.clock.Advance(400 * time.Millisecond)
	for i := 0; i < 5; i++ {
		f.publish(host.KindClick)
	}
	// The first click left the window; ten recent clicks are not over the limit.
	require.Empty(t, f.sink.ofType(models.TypeRapidClicking))

	f.publish(host.KindClick)
	require.Len(t, f.sink.ofType(models.TypeRapidClicking), 1)
}

func TestKeyboardDenylistAndCombos(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "F12"})
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "I", Ctrl: true, Shift: true})
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "u", Meta: true})
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "F4", Alt: true})
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "a"})

	require.Len(t, f.sink.ofType(models.TypeSuspiciousKey), 1)
	require.Len(t, f.sink.ofType(models.TypeSuspiciousCombination), 3)
	require.Equal(t, 5, f.col.Keystrokes())
}

func TestRapidTypingIsCumulative(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 200; i++ {
		f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "a"})
		// Spread over a long time: the check has no rolling window.
		f.clock.Advance(time.Minute)
	}
	require.Empty(t, f.sink.ofType(models.TypeRapidTyping))

	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "a"})
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "b"})
	got := f.sink.ofType(models.TypeRapidTyping)
	require.Len(t, got, 2)
	require.Equal(t, models.SeverityMedium, got[0].Severity)
}

func TestGeometryReductionBoundary(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(&host.Event{Kind: host.KindResize, Height: 700})
	require.Empty(t, f.sink.ofType(models.TypeScreenHeightReduction))

	f.bus.Publish(&host.Event{Kind: host.KindResize, Height: 690})
	got := f.sink.ofType(models.TypeScreenHeightReduction)
	require.Len(t, got, 1)
	require.Equal(t, models.SeverityHigh, got[0].Severity)
	require.Equal(t, 690, got[0].ScreenHeight)
	require.NotNil(t, got[0].ScreenReductionPercent)
	require.InDelta(t, 31.0, *got[0].ScreenReductionPercent, 0.001)
	require.Equal(t, []int{1}, f.sink.tracked[CounterGeometry])
}

func TestGeometryCountsAndSmallScreen(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(&host.Event{Kind: host.KindResize, Height: 600})
	f.bus.Publish(&host.Event{Kind: host.KindResize, Height: 1000})
	f.bus.Publish(&host.Event{Kind: host.KindResize, Height: 500})
	f.bus.Publish(&host.Event{Kind: host.KindResize, Height: 350})

	require.Equal(t, 3, f.col.GeometryViolations())
	require.Equal(t, []int{1, 2, 3}, f.sink.tracked[CounterGeometry])
	require.Len(t, f.sink.ofType(models.TypeVerySmallScreenHeight), 1)
}

func TestWindowScoreAloneStaysBelowCritical(t *testing.T) {
	oneAxis := host.WindowMetrics{OuterWidth: 1600, InnerWidth: 1200, OuterHeight: 900, InnerHeight: 850}
	bothAxes := host.WindowMetrics{OuterWidth: 1600, InnerWidth: 1200, OuterHeight: 900, InnerHeight: 600}

	require.Equal(t, 20, WindowScore(oneAxis, false))
	require.Equal(t, 30, WindowScore(bothAxes, false))
	require.Equal(t, 40, WindowScore(bothAxes, true))
	require.Equal(t, 0, WindowScore(host.WindowMetrics{OuterWidth: 100, InnerWidth: 100}, true))

	env := &host.Snapshot{Win: bothAxes}
	o := &devtoolsObserver{}
	score := o.evaluate(env)
	require.Equal(t, 30, score)
	require.Less(t, score, config.DefaultPolicy().DevTools.CriticalScore)
}

func TestDevToolsPolling(t *testing.T) {
	f := newFixture(t)
	f.env.Update(func(s *host.Snapshot) {
		s.Win = host.WindowMetrics{OuterWidth: 1600, InnerWidth: 1200, OuterHeight: 1080, InnerHeight: 700}
		s.Gap = 150 * time.Millisecond
		s.Console = 30 * time.Millisecond
	})

	f.clock.Advance(3 * time.Second)
	require.Len(t, f.sink.ofType(models.TypeDevToolsSuspected), 1)
	require.Empty(t, f.sink.ofType(models.TypeDevToolsDetected))

	f.clock.Advance(3 * time.Second)
	got := f.sink.ofType(models.TypeDevToolsDetected)
	require.Len(t, got, 1)
	require.Equal(t, models.SeverityCritical, got[0].Severity)
}

func TestDetachIsIndependentAndStopDisposesEverything(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.col.Detach(ObserverKeyboard))
	require.False(t, f.col.Detach(ObserverKeyboard))
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "F12"})
	require.Empty(t, f.sink.candidates)

	f.publish(host.KindCopy)
	require.Len(t, f.sink.candidates, 1)

	require.True(t, f.col.Attach(ObserverKeyboard))
	f.bus.Publish(&host.Event{Kind: host.KindKeyDown, Key: "F12"})
	require.Len(t, f.sink.candidates, 2)

	f.col.Stop()
	require.Zero(t, f.bus.Listeners(host.KindKeyDown))
	require.Zero(t, f.bus.Listeners(host.KindBlur))
	require.Zero(t, f.clock.Pending())
}
