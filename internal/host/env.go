package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is returned by probes the current environment cannot provide.
var ErrUnavailable = errors.New("probe unavailable")

// Navigator holds the browser identity facts.
type Navigator struct {
	UserAgent string `json:"user_agent"`
	Platform  string `json:"platform"`
	Language  string `json:"language"`
	Vendor    string `json:"vendor"`
	Webdriver bool   `json:"webdriver"`
}

// Screen is the physical screen description.
type Screen struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	ColorDepth int `json:"color_depth"`
}

// WindowMetrics are the outer and inner (viewport) window sizes.
type WindowMetrics struct {
	OuterWidth  int `json:"outer_width"`
	OuterHeight int `json:"outer_height"`
	InnerWidth  int `json:"inner_width"`
	InnerHeight int `json:"inner_height"`
}

// Environment is everything the agent reads from the host besides events.
type Environment interface {
	Navigator() Navigator
	HasGlobal(name string) bool
	Screen() Screen
	Window() WindowMetrics
	Timezone() string
	URL() string

	// TimingGap measures the stall of a timed no-op; a paused debugger inflates it.
	TimingGap() time.Duration
	// ConsoleAccess measures how long a console formatting call takes.
	ConsoleAccess() time.Duration

	CanvasFingerprint() (string, error)
	WebGLFingerprint() (vendor, renderer string, err error)
	// AudioFingerprint completes asynchronously on the host and must be awaited.
	AudioFingerprint(ctx context.Context) (string, error)

	RequestFullscreen(ctx context.Context) error
}

// Snapshot is an Environment built from facts reported by the kiosk shell.
// Window metrics and probe timings can be refreshed while a session runs.
type Snapshot struct {
	mu sync.RWMutex

	Nav        Navigator     `json:"navigator"`
	Globals    []string      `json:"globals"`
	Scr        Screen        `json:"screen"`
	Win        WindowMetrics `json:"window"`
	TZ         string        `json:"timezone"`
	PageURL    string        `json:"url"`
	Gap        time.Duration `json:"-"`
	Console    time.Duration `json:"-"`
	Canvas     string        `json:"canvas"`
	GLVendor   string        `json:"webgl_vendor"`
	GLRenderer string        `json:"webgl_renderer"`
	Audio      string        `json:"audio"`
	AudioDelay time.Duration `json:"-"`

	// Fullscreen performs the host fullscreen request; nil means the API is unavailable.
	Fullscreen func(ctx context.Context) error `json:"-"`
}

// WireDuration is a duration as the kiosk shell reports it: a JSON number of milliseconds
// (fractions allowed, as from performance.now) or a duration string such as "150ms".
type WireDuration time.Duration

func (d *WireDuration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = WireDuration(v)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = WireDuration(ms * float64(time.Millisecond))
	return nil
}

// Timings are the probe durations of an environment report.
type Timings struct {
	Gap        *WireDuration `json:"timing_gap,omitempty"`
	Console    *WireDuration `json:"console_access,omitempty"`
	AudioDelay *WireDuration `json:"audio_delay,omitempty"`
}

// Apply copies the reported timings into s. The caller holds the write lock.
func (t Timings) Apply(s *Snapshot) {
	if t.Gap != nil {
		s.Gap = time.Duration(*t.Gap)
	}
	if t.Console != nil {
		s.Console = time.Duration(*t.Console)
	}
	if t.AudioDelay != nil {
		s.AudioDelay = time.Duration(*t.AudioDelay)
	}
}

// DecodeSnapshot parses the JSON environment report.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	var t Timings
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode environment timings: %w", err)
	}
	t.Apply(&s)
	return &s, nil
}

// Update applies fn under the snapshot's write lock.
func (s *Snapshot) Update(fn func(s *Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Snapshot) Navigator() Navigator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Nav
}

func (s *Snapshot) HasGlobal(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.Globals {
		if g == name {
			return true
		}
	}
	return false
}

func (s *Snapshot) Screen() Screen {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Scr
}

func (s *Snapshot) Window() WindowMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Win
}

func (s *Snapshot) Timezone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TZ
}

func (s *Snapshot) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PageURL
}

func (s *Snapshot) TimingGap() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Gap
}

func (s *Snapshot) ConsoleAccess() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Console
}

func (s *Snapshot) CanvasFingerprint() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Canvas == "" {
		return "", ErrUnavailable
	}
	return s.Canvas, nil
}

func (s *Snapshot) WebGLFingerprint() (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.GLVendor == "" && s.GLRenderer == "" {
		return "", "", ErrUnavailable
	}
	return s.GLVendor, s.GLRenderer, nil
}

func (s *Snapshot) AudioFingerprint(ctx context.Context) (string, error) {
	s.mu.RLock()
	audio, delay := s.Audio, s.AudioDelay
	s.mu.RUnlock()
	if audio == "" {
		return "", ErrUnavailable
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return audio, nil
}

func (s *Snapshot) RequestFullscreen(ctx context.Context) error {
	s.mu.RLock()
	fn := s.Fullscreen
	s.mu.RUnlock()
	if fn == nil {
		return ErrUnavailable
	}
	return fn(ctx)
}
