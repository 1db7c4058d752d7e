package signals

import (
	"sync"
	"time"

	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

// focusObserver counts tab switches and reports long absences when focus returns.
type focusObserver struct {
	mu       sync.Mutex
	switches int
	blurred  bool
	blurAt   time.Time
}

func (o *focusObserver) attach(c *Collector) []Disposer {
	blur := c.subscribe(host.KindBlur, func(ev *host.Event) {
		now := c.now(ev)
		o.mu.Lock()
		o.switches++
		n := o.switches
		o.blurred = true
		o.blurAt = now
		o.mu.Unlock()

		c.setTabActive(false)
		c.sink.Track(CounterTabSwitch, n)
	})
	focus := c.subscribe(host.KindFocus, func(ev *host.Event) {
		now := c.now(ev)
		o.mu.Lock()
		var away time.Duration
		if o.blurred {
			away = now.Sub(o.blurAt)
			o.blurred = false
		}
		o.mu.Unlock()

		c.setTabActive(true)
		if away > c.policy.TabSwitch.ReturnAfter {
			c.emit(models.TypeTabSwitchReturn, models.SeverityMedium, nil)
		}
	})
	return []Disposer{blur, focus}
}

func (o *focusObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.switches
}

type visibilityObserver struct{}

func (o *visibilityObserver) attach(c *Collector) []Disposer {
	sub := c.subscribe(host.KindVisibility, func(ev *host.Event) {
		if ev.Hidden {
			c.setTabActive(false)
			c.emit(models.TypePageHidden, models.SeverityHigh, nil)
			return
		}
		c.setTabActive(true)
		c.emit(models.TypePageVisible, models.SeverityMedium, nil)
	})
	return []Disposer{sub}
}

// fullscreenObserver only reports; it never forces re-entry.
type fullscreenObserver struct{}

func (o *fullscreenObserver) attach(c *Collector) []Disposer {
	sub := c.subscribe(host.KindFullscreen, func(ev *host.Event) {
		if !ev.Fullscreen {
			c.emit(models.TypeFullscreenExit, models.SeverityHigh, nil)
		}
	})
	return []Disposer{sub}
}
