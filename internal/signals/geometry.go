package signals

import (
	"sync"

	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

// geometryObserver compares every resize against the viewport height captured at session start.
type geometryObserver struct {
	mu         sync.Mutex
	baseline   int
	violations int
}

func (o *geometryObserver) attach(c *Collector) []Disposer {
	o.mu.Lock()
	o.baseline = c.env.Window().InnerHeight
	o.mu.Unlock()

	sub := c.subscribe(host.KindResize, func(ev *host.Event) {
		cur := ev.Height
		c.setScreenHeight(cur)

		reduced, percent, n := o.resize(cur, c.policy.Geometry.ReductionPercent)
		if reduced {
			c.emit(models.TypeScreenHeightReduction, models.SeverityHigh, &percent)
			c.sink.Track(CounterGeometry, n)
		}
		if cur < c.policy.Geometry.MinHeight {
			c.emit(models.TypeVerySmallScreenHeight, models.SeverityMedium, nil)
		}
	})
	return []Disposer{sub}
}

// resize reports whether cur is more than limitPercent below the baseline (strictly greater),
// the reduction in percent and the updated violation count.
func (o *geometryObserver) resize(cur, limitPercent int) (bool, float64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseline <= 0 {
		o.baseline = cur
		return false, 0, o.violations
	}
	drop := o.baseline - cur
	if drop*100 <= limitPercent*o.baseline {
		return false, 0, o.violations
	}
	o.violations++
	return true, float64(drop) * 100 / float64(o.baseline), o.violations
}

func (o *geometryObserver) baselineHeight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseline
}

func (o *geometryObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.violations
}
