package signals

import (
	"strings"
	"sync"
	"time"

	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

type pointerObserver struct {
	mu     sync.Mutex
	clicks []time.Time
}

func (o *pointerObserver) attach(c *Collector) []Disposer {
	clipboard := func(typ string) host.Handler {
		return func(*host.Event) { c.emit(typ, models.SeverityHigh, nil) }
	}
	return []Disposer{
		c.subscribe(host.KindContextMenu, func(*host.Event) {
			c.emit(models.TypeRightClickAttempt, models.SeverityMedium, nil)
		}),
		c.subscribe(host.KindClick, func(ev *host.Event) {
			if o.click(c.now(ev), c.policy.Clicks.Window, c.policy.Clicks.Max) {
				c.emit(models.TypeRapidClicking, models.SeverityHigh, nil)
			}
		}),
		c.subscribe(host.KindMouseLeave, func(*host.Event) {
			c.emit(models.TypeMouseLeaveWindow, models.SeverityLow, nil)
		}),
		c.subscribe(host.KindCopy, clipboard(models.TypeCopyAttempt)),
		c.subscribe(host.KindPaste, clipboard(models.TypePasteAttempt)),
		c.subscribe(host.KindCut, clipboard(models.TypeCutAttempt)),
	}
}

// click records one click and reports whether more than limit clicks fall inside the
// rolling window ending at now. The oldest limit clicks are dropped after each report.
func (o *pointerObserver) click(now time.Time, window time.Duration, limit int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(o.clicks) && o.clicks[keep].Before(cutoff) {
		keep++
	}
	o.clicks = append(o.clicks[keep:], now)
	if len(o.clicks) > limit {
		o.clicks = o.clicks[limit:]
		return true
	}
	return false
}

var deniedKeys = map[string]bool{
	"F12":         true,
	"F5":          true,
	"F11":         true,
	"PrintScreen": true,
	"Insert":      true,
	"Delete":      true,
}

type combo struct {
	ctrl, shift, alt bool
	key              string
}

// Devtools, view-source, select-all, clipboard and window-switching shortcuts.
// Meta counts as ctrl so the macOS equivalents match.
var deniedCombos = []combo{
	{ctrl: true, shift: true, key: "i"},
	{ctrl: true, shift: true, key: "j"},
	{ctrl: true, shift: true, key: "c"},
	{ctrl: true, alt: true, key: "i"},
	{ctrl: true, key: "u"},
	{ctrl: true, key: "a"},
	{ctrl: true, key: "c"},
	{ctrl: true, key: "v"},
	{ctrl: true, key: "x"},
	{alt: true, key: "tab"},
	{alt: true, key: "f4"},
}

func matchesCombo(ev *host.Event) bool {
	key := strings.ToLower(ev.Key)
	ctrl := ev.Ctrl || ev.Meta
	for _, cb := range deniedCombos {
		if cb.key != key {
			continue
		}
		if cb.ctrl && !ctrl || cb.shift && !ev.Shift || cb.alt && !ev.Alt {
			continue
		}
		return true
	}
	return false
}

type keyboardObserver struct {
	mu         sync.Mutex
	keystrokes int
}

func (o *keyboardObserver) attach(c *Collector) []Disposer {
	sub := c.subscribe(host.KindKeyDown, func(ev *host.Event) {
		o.mu.Lock()
		o.keystrokes++
		n := o.keystrokes
		o.mu.Unlock()

		switch {
		case deniedKeys[ev.Key]:
			c.emit(models.TypeSuspiciousKey, models.SeverityHigh, nil)
		case matchesCombo(ev):
			c.emit(models.TypeSuspiciousCombination, models.SeverityHigh, nil)
		}
		// Cumulative for the whole session, no time window.
		if n > c.policy.Keyboard.MaxKeystrokes {
			c.emit(models.TypeRapidTyping, models.SeverityMedium, nil)
		}
	})
	return []Disposer{sub}
}

func (o *keyboardObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keystrokes
}
