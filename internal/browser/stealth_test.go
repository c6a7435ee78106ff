package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileStableForSeed(t *testing.T) {
	seed := uint32(1234567)
	first := profileFor(seed)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, profileFor(seed))
	}
}

func TestProfilesCoverAllVendors(t *testing.T) {
	seen := map[string]bool{}
	for seed := uint32(0); seed < 3; seed++ {
		seen[profileFor(seed).Vendor] = true
	}
	assert.Len(t, seen, 3)
}

func TestCanvasNoiseDeterministicAndSmall(t *testing.T) {
	seed := uint32(98765)
	noise := canvasNoiseFor(seed)
	assert.Equal(t, noise, canvasNoiseFor(seed))
	assert.Less(t, noise, 0.001)
	assert.GreaterOrEqual(t, noise, 0.0)
}

func TestStealthScriptEmbedsProfile(t *testing.T) {
	seed := uint32(42)
	script := StealthScript(seed)
	profile := profileFor(seed)

	assert.Contains(t, script, "webdriver")
	assert.Contains(t, script, "37445")
	assert.Contains(t, script, "37446")
	assert.Contains(t, script, profile.Vendor)
	assert.Contains(t, script, profile.Renderer)
	assert.Contains(t, script, "__canvas_noise__")

	// Same seed, same script; the fingerprint must not drift.
	assert.Equal(t, script, StealthScript(seed))

	other := StealthScript(seed + 1)
	assert.False(t, strings.Contains(other, profile.Renderer))
}
