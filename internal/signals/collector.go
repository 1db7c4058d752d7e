// Package signals turns platform events into violation candidates. One Collector is created per
// monitoring session; every observer keeps its counters in its own fields.
package signals

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/clock"
	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

// Counter names the escalation counters observers report through Sink.Track.
type Counter string

const (
	CounterTabSwitch Counter = "tab_switch"
	CounterGeometry  Counter = "geometry"
)

// Observer names accepted by Attach and Detach.
const (
	ObserverFocus      = "focus"
	ObserverVisibility = "visibility"
	ObserverPointer    = "pointer"
	ObserverKeyboard   = "keyboard"
	ObserverDevTools   = "devtools"
	ObserverFullscreen = "fullscreen"
	ObserverGeometry   = "geometry"
)

// Sink receives everything the observers detect. Observers never talk to the transport.
type Sink interface {
	Submit(c models.Candidate) bool
	Track(counter Counter, value int)
}

// Disposer is an attached listener or timer.
type Disposer interface {
	Dispose()
}

type observer interface {
	attach(c *Collector) []Disposer
}

// Collector owns the observers of one monitoring session.
type Collector struct {
	bus    *host.Bus
	env    host.Environment
	clock  clock.Clock
	sink   Sink
	policy config.Policy
	logger *zap.Logger

	focus      *focusObserver
	visibility *visibilityObserver
	pointer    *pointerObserver
	keyboard   *keyboardObserver
	devtools   *devtoolsObserver
	fullscreen *fullscreenObserver
	geometry   *geometryObserver

	mu           sync.Mutex
	started      bool
	attached     map[string][]Disposer
	tabActive    bool
	screenHeight int
}

// New creates a collector. Nothing is attached until Start.
func New(bus *host.Bus, env host.Environment, clk clock.Clock, sink Sink, policy config.Policy, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Collector{
		bus:        bus,
		env:        env,
		clock:      clk,
		sink:       sink,
		policy:     policy,
		logger:     logger,
		focus:      &focusObserver{},
		visibility: &visibilityObserver{},
		pointer:    &pointerObserver{},
		keyboard:   &keyboardObserver{},
		devtools:   &devtoolsObserver{},
		fullscreen: &fullscreenObserver{},
		geometry:   &geometryObserver{},
		attached:   make(map[string][]Disposer),
	}
}

func (c *Collector) observers() map[string]observer {
	return map[string]observer{
		ObserverFocus:      c.focus,
		ObserverVisibility: c.visibility,
		ObserverPointer:    c.pointer,
		ObserverKeyboard:   c.keyboard,
		ObserverDevTools:   c.devtools,
		ObserverFullscreen: c.fullscreen,
		ObserverGeometry:   c.geometry,
	}
}

// Start captures the session baseline and attaches every observer.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.tabActive = true
	c.screenHeight = c.env.Window().InnerHeight
	c.mu.Unlock()

	for name := range c.observers() {
		c.Attach(name)
	}
	c.logger.Info("signal collector started", zap.Int("baseline_height", c.geometry.baselineHeight()))
}

// Stop detaches every observer and cancels the devtools timer.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	attached := c.attached
	c.attached = make(map[string][]Disposer)
	c.mu.Unlock()

	for _, ds := range attached {
		for _, d := range ds {
			d.Dispose()
		}
	}
	c.logger.Info("signal collector stopped")
}

// Attach attaches one observer. It reports false if the name is unknown or already attached.
func (c *Collector) Attach(name string) bool {
	obs, ok := c.observers()[name]
	if !ok {
		return false
	}
	c.mu.Lock()
	if _, dup := c.attached[name]; dup || !c.started {
		c.mu.Unlock()
		return false
	}
	c.attached[name] = nil
	c.mu.Unlock()

	ds := obs.attach(c)

	c.mu.Lock()
	c.attached[name] = ds
	c.mu.Unlock()
	return true
}

// Detach removes one observer without affecting the others.
func (c *Collector) Detach(name string) bool {
	c.mu.Lock()
	ds, ok := c.attached[name]
	delete(c.attached, name)
	c.mu.Unlock()
	if !ok {
		return false
	}
	for _, d := range ds {
		d.Dispose()
	}
	return true
}

// TabSwitches returns the number of blur events seen this session.
func (c *Collector) TabSwitches() int { return c.focus.count() }

// GeometryViolations returns the number of screen height reductions seen this session.
func (c *Collector) GeometryViolations() int { return c.geometry.count() }

// Keystrokes returns the cumulative keystroke count.
func (c *Collector) Keystrokes() int { return c.keyboard.count() }

func (c *Collector) now(ev *host.Event) time.Time {
	if ev != nil && !ev.At.IsZero() {
		return ev.At
	}
	return c.clock.Now()
}

func (c *Collector) setTabActive(v bool) {
	c.mu.Lock()
	c.tabActive = v
	c.mu.Unlock()
}

func (c *Collector) setScreenHeight(h int) {
	c.mu.Lock()
	c.screenHeight = h
	c.mu.Unlock()
}

func (c *Collector) emit(typ string, sev models.Severity, reduction *float64) {
	c.mu.Lock()
	cand := models.Candidate{
		Type:                   typ,
		Severity:               sev,
		TabActive:              c.tabActive,
		ScreenHeight:           c.screenHeight,
		ScreenReductionPercent: reduction,
	}
	c.mu.Unlock()
	c.logger.Debug("violation candidate", zap.String("type", typ), zap.String("severity", string(sev)))
	c.sink.Submit(cand)
}

func (c *Collector) subscribe(kind host.Kind, fn host.Handler) Disposer {
	return c.bus.Subscribe(kind, fn)
}

// timerSub re-arms a clock callback until disposed.
type timerSub struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	fn       func()
	timer    clock.Timer
	stopped  bool
}

func every(clk clock.Clock, interval time.Duration, fn func()) *timerSub {
	t := &timerSub{clock: clk, interval: interval, fn: fn}
	t.mu.Lock()
	t.timer = clk.AfterFunc(interval, t.tick)
	t.mu.Unlock()
	return t
}

func (t *timerSub) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fn()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.timer = t.clock.AfterFunc(t.interval, t.tick)
	}
}

func (t *timerSub) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}
