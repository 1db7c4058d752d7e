package preflight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/host"
)

// ErrNoFingerprint is returned when no fingerprint component could be collected.
var ErrNoFingerprint = errors.New("preflight: no fingerprint component available")

// Fingerprint component names, in hashing order.
const (
	ComponentScreen   = "screen"
	ComponentTimezone = "timezone"
	ComponentLocale   = "locale"
	ComponentPlatform = "platform"
	ComponentAgent    = "user_agent"
	ComponentCanvas   = "canvas"
	ComponentWebGL    = "webgl"
	ComponentAudio    = "audio"
)

var componentOrder = []string{
	ComponentScreen,
	ComponentTimezone,
	ComponentLocale,
	ComponentPlatform,
	ComponentAgent,
	ComponentCanvas,
	ComponentWebGL,
	ComponentAudio,
}

// Fingerprint is the device fingerprint of one session.
type Fingerprint struct {
	Hash       string
	Components map[string]string
}

// CollectFingerprint gathers every component and hashes them. Unavailable probes contribute an
// empty string; the audio probe is awaited under ctx.
func CollectFingerprint(ctx context.Context, env host.Environment, logger *zap.Logger) (Fingerprint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nav := env.Navigator()
	scr := env.Screen()

	c := map[string]string{
		ComponentTimezone: env.Timezone(),
		ComponentLocale:   nav.Language,
		ComponentPlatform: nav.Platform,
		ComponentAgent:    nav.UserAgent,
	}
	if scr.Width > 0 && scr.Height > 0 {
		c[ComponentScreen] = fmt.Sprintf("%dx%dx%d", scr.Width, scr.Height, scr.ColorDepth)
	}

	probe := func(name string, value string, err error) {
		if err != nil {
			logger.Warn("fingerprint component unavailable", zap.String("component", name), zap.Error(err))
			c[name] = ""
			return
		}
		c[name] = value
	}
	canvas, err := env.CanvasFingerprint()
	probe(ComponentCanvas, canvas, err)
	vendor, renderer, err := env.WebGLFingerprint()
	probe(ComponentWebGL, vendor+"~"+renderer, err)
	audio, err := env.AudioFingerprint(ctx)
	probe(ComponentAudio, audio, err)

	parts := make([]string, 0, len(componentOrder))
	available := 0
	for _, name := range componentOrder {
		v := c[name]
		if v != "" {
			available++
		}
		parts = append(parts, v)
	}
	if available == 0 {
		return Fingerprint{}, ErrNoFingerprint
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return Fingerprint{Hash: hex.EncodeToString(sum[:]), Components: c}, nil
}
