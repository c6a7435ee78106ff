package browser

import (
	"github.com/go-rod/rod/lib/launcher"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
)

// newLauncher builds the launcher for the fleet's single browser process.
// The switch bundle disables everything that would make an automated,
// long-lived browser noisy or detectable: updates, caches, telemetry,
// safe-browsing, prefetch, geolocation prompts, smooth scroll, hardware
// acceleration, autoplay and sync.
func newLauncher(cfg *config.Config) *launcher.Launcher {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}
	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	if cfg.ProxyURL != "" {
		l = l.Set("proxy-server", cfg.ProxyURL)
	}

	// Automation markers.
	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	// Updates, telemetry, data reporting, safe-browsing.
	l = l.Set("disable-component-update").
		Set("disable-breakpad").
		Set("disable-domain-reliability").
		Set("metrics-recording-only").
		Set("disable-client-side-phishing-detection").
		Set("safebrowsing-disable-auto-update").
		Set("no-default-browser-check").
		Set("no-first-run")

	// Caches, prefetch, speculative networking.
	l = l.Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("dns-prefetch-disable").
		Set("disable-background-networking").
		Set("disable-features", "NetworkPrediction,Translate,TranslateUI,OptimizationHints,MediaRouter")

	// Notifications, geolocation, sync, extensions.
	l = l.Set("disable-notifications").
		Set("deny-permission-prompts").
		Set("disable-sync").
		Set("disable-extensions").
		Set("disable-default-apps")

	// Rendering: no hardware acceleration, no smooth scroll, no animations.
	l = l.Set("disable-gpu").
		Set("disable-smooth-scrolling").
		Set("wm-window-animations-disabled").
		Set("animation-duration-scale", "0")

	// Autoplay blocked, audio muted.
	l = l.Set("autoplay-policy", "user-gesture-required").
		Set("mute-audio")

	l = l.Set("window-size", "1920,1080").
		Set("accept-lang", "en-US,en;q=0.9")

	return l
}
