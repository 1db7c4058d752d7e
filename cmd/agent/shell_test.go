package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-exam/proctor/internal/host"
)

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	dec := json.NewDecoder(out)
	for dec.More() {
		var m map[string]interface{}
		require.NoError(t, dec.Decode(&m))
		lines = append(lines, m)
	}
	return lines
}

func TestShellPublishesAndAcks(t *testing.T) {
	bus := host.NewBus()
	bus.Subscribe(host.KindCopy, func(ev *host.Event) { ev.PreventDefault() })
	var out bytes.Buffer
	sh := newShell(bus, &host.Snapshot{}, &out, nil)

	in := strings.NewReader(`{"kind":"copy"}
not json

{"kind":"click"}
`)
	require.NoError(t, sh.run(context.Background(), in))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 2)
	require.Equal(t, "ack", lines[0]["event"])
	require.Equal(t, "copy", lines[0]["kind"])
	require.Equal(t, true, lines[0]["prevented"])
	require.Equal(t, float64(2), lines[1]["seq"])
	require.Equal(t, false, lines[1]["prevented"])
}

func TestShellMetricsUpdateEnvironment(t *testing.T) {
	env := &host.Snapshot{Win: host.WindowMetrics{OuterWidth: 1920, OuterHeight: 1080, InnerWidth: 1920, InnerHeight: 1000}}
	var out bytes.Buffer
	sh := newShell(host.NewBus(), env, &out, nil)

	require.NoError(t, sh.handle([]byte(`{"kind":"metrics","window":{"outer_width":1920,"outer_height":1080,"inner_width":1600,"inner_height":700},"timing_gap":150,"console_access":"40ms"}`)))
	require.Equal(t, 700, env.Window().InnerHeight)
	require.Equal(t, 150*time.Millisecond, env.TimingGap())
	require.Equal(t, 40*time.Millisecond, env.ConsoleAccess())
	require.Zero(t, out.Len())

	require.NoError(t, sh.handle([]byte(`{"kind":"resize","width":1800,"height":900}`)))
	require.Equal(t, host.WindowMetrics{OuterWidth: 1920, OuterHeight: 1080, InnerWidth: 1800, InnerHeight: 900}, env.Window())
}

func TestShellFullscreenRequest(t *testing.T) {
	env := &host.Snapshot{}
	var out bytes.Buffer
	sh := newShell(host.NewBus(), env, &out, nil)
	env.Fullscreen = sh.requestFullscreen

	require.NoError(t, env.RequestFullscreen(context.Background()))
	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	require.Equal(t, "fullscreen_request", lines[0]["event"])
}
