// Package util provides small helpers shared across the application: log
// level switching and proxy-aware HTTP client setup.
package util

import (
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
)

// SetLogLevel applies the configured verbosity to the global logger.
func SetLogLevel(cfg *config.Config) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if cfg.Debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s (debug=%t)", currentLevel, newLevel, cfg.Debug)
	}
}
