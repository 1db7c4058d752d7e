package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrderAndDisposes(t *testing.T) {
	bus := NewBus()
	var got []string
	a := bus.Subscribe(KindBlur, func(*Event) { got = append(got, "a") })
	bus.Subscribe(KindBlur, func(*Event) { got = append(got, "b") })
	bus.Subscribe(KindFocus, func(*Event) { got = append(got, "focus") })

	bus.Publish(&Event{Kind: KindBlur})
	require.Equal(t, []string{"a", "b"}, got)

	a.Dispose()
	a.Dispose()
	got = nil
	bus.Publish(&Event{Kind: KindBlur})
	require.Equal(t, []string{"b"}, got)
	require.Equal(t, 1, bus.Listeners(KindBlur))
}

func TestBusPreventDefault(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(KindContextMenu, func(ev *Event) { ev.PreventDefault() })
	require.True(t, bus.Publish(&Event{Kind: KindContextMenu}))
	require.False(t, bus.Publish(&Event{Kind: KindClick}))
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"kind":"keydown","key":"c","ctrl":true}`))
	require.NoError(t, err)
	require.Equal(t, KindKeyDown, ev.Kind)
	require.True(t, ev.Ctrl)

	_, err = DecodeEvent([]byte(`{"key":"c"}`))
	require.Error(t, err)
}

func TestSnapshotTimingsInMillisecondsOrDurationStrings(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"timing_gap":150,"console_access":"30ms","audio_delay":1.5}`))
	require.NoError(t, err)
	require.Equal(t, 150*time.Millisecond, snap.TimingGap())
	require.Equal(t, 30*time.Millisecond, snap.ConsoleAccess())
	require.Equal(t, 1500*time.Microsecond, snap.AudioDelay)

	_, err = DecodeSnapshot([]byte(`{"timing_gap":"soon"}`))
	require.Error(t, err)
	_, err = DecodeSnapshot([]byte(`{"timing_gap":true}`))
	require.Error(t, err)
}

func TestSnapshotProbesUnavailable(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"navigator":{"user_agent":"Mozilla/5.0"},"globals":["chrome"],"canvas":"abc"}`))
	require.NoError(t, err)
	require.True(t, snap.HasGlobal("chrome"))

	c, err := snap.CanvasFingerprint()
	require.NoError(t, err)
	require.Equal(t, "abc", c)

	_, _, err = snap.WebGLFingerprint()
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, snap.RequestFullscreen(context.Background()), ErrUnavailable)
}
