package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/host"
)

// kindMetrics refreshes the environment instead of publishing an event.
const kindMetrics = "metrics"

// metricsUpdate carries the environment facts that change while a session runs. Timings are
// milliseconds or duration strings.
type metricsUpdate struct {
	Window *host.WindowMetrics `json:"window,omitempty"`
	host.Timings
}

// shell bridges the kiosk shell: NDJSON events on in, NDJSON status lines on out.
type shell struct {
	bus    *host.Bus
	env    *host.Snapshot
	logger *zap.Logger

	mu  sync.Mutex
	out *json.Encoder
	seq int
}

func newShell(bus *host.Bus, env *host.Snapshot, out io.Writer, logger *zap.Logger) *shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &shell{bus: bus, env: env, out: json.NewEncoder(out), logger: logger}
}

// emit writes one status line for the shell.
func (s *shell) emit(event string, fields map[string]interface{}) {
	line := map[string]interface{}{"event": event}
	for k, v := range fields {
		line[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.out.Encode(line); err != nil {
		s.logger.Warn("write status line", zap.Error(err))
	}
}

// handle processes one input line and acknowledges it with whether the default was prevented.
func (s *shell) handle(line []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return fmt.Errorf("decode line: %w", err)
	}
	if head.Kind == kindMetrics {
		var m metricsUpdate
		if err := json.Unmarshal(line, &m); err != nil {
			return fmt.Errorf("decode metrics: %w", err)
		}
		s.env.Update(func(snap *host.Snapshot) {
			if m.Window != nil {
				snap.Win = *m.Window
			}
			m.Timings.Apply(snap)
		})
		return nil
	}

	ev, err := host.DecodeEvent(line)
	if err != nil {
		return err
	}
	if ev.Kind == host.KindResize && ev.Height > 0 {
		s.env.Update(func(snap *host.Snapshot) {
			snap.Win.InnerWidth = ev.Width
			snap.Win.InnerHeight = ev.Height
		})
	}
	prevented := s.bus.Publish(ev)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	s.emit("ack", map[string]interface{}{"seq": seq, "kind": ev.Kind, "prevented": prevented})
	return nil
}

// run reads lines until EOF or ctx is done. Malformed lines are logged and skipped.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.handle(line); err != nil {
			s.logger.Warn("skipping shell line", zap.Error(err))
		}
	}
	return sc.Err()
}

// requestFullscreen asks the shell to enter fullscreen.
func (s *shell) requestFullscreen(context.Context) error {
	s.emit("fullscreen_request", nil)
	return nil
}
