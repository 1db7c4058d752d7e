package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Policy holds every proctoring threshold. Defaults are returned by DefaultPolicy.
type Policy struct {
	DebounceWindow time.Duration    `koanf:"debounce_window"`
	TabSwitch      TabSwitchPolicy  `koanf:"tab_switch"`
	Geometry       GeometryPolicy   `koanf:"geometry"`
	Clicks         ClickPolicy      `koanf:"clicks"`
	Keyboard       KeyboardPolicy   `koanf:"keyboard"`
	DevTools       DevToolsPolicy   `koanf:"devtools"`
	Preflight      PreflightPolicy  `koanf:"preflight"`
	Escalation     EscalationPolicy `koanf:"escalation"`
	Transport      TransportPolicy  `koanf:"transport"`
	Log            LogPolicy        `koanf:"log"`
}

type TabSwitchPolicy struct {
	ReturnAfter time.Duration `koanf:"return_after"`
	WarnAt      int           `koanf:"warn_at"`
	TerminateAt int           `koanf:"terminate_at"`
}

type GeometryPolicy struct {
	ReductionPercent int `koanf:"reduction_percent"`
	MinHeight        int `koanf:"min_height"`
	TerminateAt      int `koanf:"terminate_at"`
}

type ClickPolicy struct {
	Window time.Duration `koanf:"window"`
	Max    int           `koanf:"max"`
}

type KeyboardPolicy struct {
	MaxKeystrokes int `koanf:"max_keystrokes"`
}

type DevToolsPolicy struct {
	Interval      time.Duration `koanf:"interval"`
	CriticalScore int           `koanf:"critical_score"`
	SuspectScore  int           `koanf:"suspect_score"`
}

type PreflightPolicy struct {
	DevToolsThreshold int `koanf:"devtools_threshold"`
}

// EscalationPolicy controls critical reports. With Repeat set, every threshold crossing at or
// above the limit reports again instead of once per trigger.
type EscalationPolicy struct {
	Repeat  bool          `koanf:"repeat"`
	Timeout time.Duration `koanf:"timeout"`
}

type TransportPolicy struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	ReconnectBase     time.Duration `koanf:"reconnect_base"`
	ReconnectMax      time.Duration `koanf:"reconnect_max"`
}

type LogPolicy struct {
	MaxEntries int `koanf:"max_entries"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		DebounceWindow: time.Second,
		TabSwitch:      TabSwitchPolicy{ReturnAfter: 5 * time.Second, WarnAt: 3, TerminateAt: 5},
		Geometry:       GeometryPolicy{ReductionPercent: 30, MinHeight: 400, TerminateAt: 3},
		Clicks:         ClickPolicy{Window: 5 * time.Second, Max: 10},
		Keyboard:       KeyboardPolicy{MaxKeystrokes: 200},
		DevTools:       DevToolsPolicy{Interval: 3 * time.Second, CriticalScore: 80, SuspectScore: 40},
		Preflight:      PreflightPolicy{DevToolsThreshold: 70},
		Escalation:     EscalationPolicy{Repeat: false, Timeout: 10 * time.Second},
		Transport: TransportPolicy{
			HeartbeatInterval: 50 * time.Second,
			ReconnectBase:     5 * time.Second,
			ReconnectMax:      30 * time.Second,
		},
		Log: LogPolicy{MaxEntries: 100},
	}
}

func defaultKeys(p Policy) map[string]interface{} {
	return map[string]interface{}{
		"debounce_window":              p.DebounceWindow,
		"tab_switch.return_after":      p.TabSwitch.ReturnAfter,
		"tab_switch.warn_at":           p.TabSwitch.WarnAt,
		"tab_switch.terminate_at":      p.TabSwitch.TerminateAt,
		"geometry.reduction_percent":   p.Geometry.ReductionPercent,
		"geometry.min_height":          p.Geometry.MinHeight,
		"geometry.terminate_at":        p.Geometry.TerminateAt,
		"clicks.window":                p.Clicks.Window,
		"clicks.max":                   p.Clicks.Max,
		"keyboard.max_keystrokes":      p.Keyboard.MaxKeystrokes,
		"devtools.interval":            p.DevTools.Interval,
		"devtools.critical_score":      p.DevTools.CriticalScore,
		"devtools.suspect_score":       p.DevTools.SuspectScore,
		"preflight.devtools_threshold": p.Preflight.DevToolsThreshold,
		"escalation.repeat":            p.Escalation.Repeat,
		"escalation.timeout":           p.Escalation.Timeout,
		"transport.heartbeat_interval": p.Transport.HeartbeatInterval,
		"transport.reconnect_base":     p.Transport.ReconnectBase,
		"transport.reconnect_max":      p.Transport.ReconnectMax,
		"log.max_entries":              p.Log.MaxEntries,
	}
}

// LoadPolicy layers defaults, the optional YAML file at path and PROCTOR_* environment
// variables (double underscore separates levels, e.g. PROCTOR_TAB_SWITCH__TERMINATE_AT).
func LoadPolicy(path string) (*Policy, error) {
	k := koanf.New(".")

	for key, val := range defaultKeys(DefaultPolicy()) {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load policy file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat policy file: %w", err)
		}
	}

	if err := k.Load(env.Provider("PROCTOR_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PROCTOR_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load policy env: %w", err)
	}

	var p Policy
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects thresholds that would disable a check by accident.
func (p Policy) Validate() error {
	switch {
	case p.DebounceWindow < 0:
		return errors.New("policy: debounce_window must not be negative")
	case p.TabSwitch.TerminateAt <= 0 || p.Geometry.TerminateAt <= 0:
		return errors.New("policy: terminate thresholds must be positive")
	case p.Geometry.ReductionPercent <= 0 || p.Geometry.ReductionPercent >= 100:
		return errors.New("policy: geometry.reduction_percent must be within (0,100)")
	case p.Clicks.Max <= 0 || p.Clicks.Window <= 0:
		return errors.New("policy: clicks thresholds must be positive")
	case p.DevTools.Interval <= 0:
		return errors.New("policy: devtools.interval must be positive")
	case p.Transport.ReconnectBase <= 0 || p.Transport.ReconnectMax < p.Transport.ReconnectBase:
		return errors.New("policy: transport reconnect delays are inconsistent")
	case p.Transport.HeartbeatInterval <= 0:
		return errors.New("policy: transport.heartbeat_interval must be positive")
	case p.Log.MaxEntries <= 0:
		return errors.New("policy: log.max_entries must be positive")
	}
	return nil
}
