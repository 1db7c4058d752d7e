// Package host is the bridge between the kiosk shell and the monitoring agent: platform events
// arrive on a Bus and environment facts are read through Environment.
package host

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind identifies a platform event.
type Kind string

const (
	KindBlur        Kind = "blur"
	KindFocus       Kind = "focus"
	KindVisibility  Kind = "visibility"
	KindContextMenu Kind = "contextmenu"
	KindClick       Kind = "click"
	KindMouseLeave  Kind = "mouseleave"
	KindCopy        Kind = "copy"
	KindPaste       Kind = "paste"
	KindCut         Kind = "cut"
	KindKeyDown     Kind = "keydown"
	KindFullscreen  Kind = "fullscreen"
	KindResize      Kind = "resize"
	KindSelection   Kind = "selection"
	KindDragStart   Kind = "dragstart"
)

// Event is one platform event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at,omitempty"`

	// keydown
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`

	// visibility
	Hidden bool `json:"hidden,omitempty"`

	// fullscreen
	Fullscreen bool `json:"fullscreen,omitempty"`

	// resize
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// selection, dragstart, contextmenu
	Target          string `json:"target,omitempty"`
	SelectionLength int    `json:"selection_length,omitempty"`

	prevented bool
}

// PreventDefault asks the kiosk shell to block the default action of the event.
func (e *Event) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether a handler called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.prevented }

// IsFormInput reports whether the event target is an editable form control.
func (e *Event) IsFormInput() bool {
	switch e.Target {
	case "input", "textarea", "select":
		return true
	}
	return false
}

// DecodeEvent parses one JSON event line from the kiosk shell.
func DecodeEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return nil, fmt.Errorf("decode event: missing kind")
	}
	return &ev, nil
}

// Handler receives events of one kind.
type Handler func(ev *Event)

// Subscription is a registered listener. Dispose removes it; calling Dispose twice is safe.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

// Dispose detaches the listener from the bus.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.kind, s.id) })
}

type listener struct {
	id uint64
	fn Handler
}

// Bus fans platform events out to subscribers in subscription order.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Kind][]listener
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Kind][]listener)}
}

// Subscribe registers fn for events of kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[kind] = append(b.listeners[kind], listener{id: b.nextID, fn: fn})
	return &Subscription{bus: b, kind: kind, id: b.nextID}
}

// Publish delivers ev to every subscriber of its kind and reports whether any of them
// prevented the default action.
func (b *Bus) Publish(ev *Event) bool {
	b.mu.RLock()
	ls := append([]listener(nil), b.listeners[ev.Kind]...)
	b.mu.RUnlock()
	for _, l := range ls {
		l.fn(ev)
	}
	return ev.prevented
}

// Listeners returns the number of subscribers for kind.
func (b *Bus) Listeners(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[kind]
	for i, l := range ls {
		if l.id == id {
			b.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[kind]) == 0 {
		delete(b.listeners, kind)
	}
}
