package preflight

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
)

// Selections up to these lengths are treated as accidental.
const (
	DesktopSelectionTolerance = 10
	MobileSelectionTolerance  = 3
)

var mobileAgent = regexp.MustCompile(`Android|iPhone|iPad|iPod|Mobile`)

// IsMobile reports whether the user agent belongs to a phone or tablet.
func IsMobile(userAgent string) bool {
	return mobileAgent.MatchString(userAgent)
}

// lockdown suppresses context menus, text selection and dragging for the whole session.
type lockdown struct {
	gate      *Gate
	tolerance int
	subs      []*host.Subscription
}

func newLockdown(g *Gate) *lockdown {
	tolerance := DesktopSelectionTolerance
	if IsMobile(g.env.Navigator().UserAgent) {
		tolerance = MobileSelectionTolerance
	}
	return &lockdown{gate: g, tolerance: tolerance}
}

func (l *lockdown) install() {
	l.subs = append(l.subs,
		l.gate.bus.Subscribe(host.KindContextMenu, func(ev *host.Event) {
			ev.PreventDefault()
			l.record(models.TypeContextMenuBlocked)
		}),
		l.gate.bus.Subscribe(host.KindSelection, func(ev *host.Event) {
			if ev.IsFormInput() || ev.SelectionLength <= l.tolerance {
				return
			}
			ev.PreventDefault()
			l.record(models.TypeSelectionBlocked)
		}),
		l.gate.bus.Subscribe(host.KindDragStart, func(ev *host.Event) {
			if ev.IsFormInput() {
				return
			}
			ev.PreventDefault()
			l.record(models.TypeDragBlocked)
		}),
	)
}

func (l *lockdown) dispose() {
	for _, s := range l.subs {
		s.Dispose()
	}
	l.subs = nil
}

// record appends the suppressed attempt to the local log directly, so it is kept even before
// the aggregator runs.
func (l *lockdown) record(typ string) {
	g := l.gate
	if g.log == nil {
		return
	}
	v := models.Violation{
		Type:      typ,
		Severity:  models.SeverityLow,
		Timestamp: models.Millis(g.clock.Now()),
		SubjectID: g.id.SubjectID,
		SessionID: g.id.SessionID,
		ExamID:    g.id.ExamID,
		TabActive: true,
	}
	if err := g.log.Append(context.Background(), v); err != nil {
		g.logger.Warn("record lockdown attempt", zap.String("type", typ), zap.Error(err))
	}
}
