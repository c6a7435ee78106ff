// Package config provides configuration management for the Studio Proxy API
// server. Configuration is environment-driven: every setting can be supplied
// as an environment variable (optionally seeded from a .env file), with an
// optional YAML file for operators who prefer a config file. Environment
// variables always win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AuthDir is the directory where per-identity browser state files
	// (auth-<i>.json) are stored.
	AuthDir string `yaml:"auth-dir"`

	// ModelsFile is the path of the JSON model list served by the
	// model-list endpoints.
	ModelsFile string `yaml:"models-file"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// RequestLog enables detailed request logging under logs/.
	RequestLog bool `yaml:"request-log"`

	// LogToFile sends the main log to rotating files instead of stdout.
	LogToFile bool `yaml:"log-to-file"`

	// UsageFile is the path of the persisted usage statistics database.
	UsageFile string `yaml:"usage-file"`

	// ProxyURL is the URL of an optional proxy for the browser's outbound
	// traffic. SOCKS5, HTTP and HTTPS schemes are supported.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this server.
	APIKeys []string `yaml:"api-keys"`

	// StreamingMode is the default streaming mode ("real" or "fake") used
	// for generative requests when the client does not override it.
	StreamingMode string `yaml:"streaming-mode"`

	// SwitchOnUses rotates to the next identity after this many generative
	// requests. Zero disables usage-based rotation.
	SwitchOnUses int `yaml:"switch-on-uses"`

	// FailureThreshold rotates after this many consecutive failures.
	FailureThreshold int `yaml:"failure-threshold"`

	// ImmediateSwitchStatusCodes lists upstream status codes that trigger
	// rotation without consuming the remaining retries.
	ImmediateSwitchStatusCodes []int `yaml:"immediate-switch-status-codes"`

	// MaxRetries is the number of attempts made for a single request.
	MaxRetries int `yaml:"max-retries"`

	// RetryDelayMs is the pause between attempts, in milliseconds.
	RetryDelayMs int `yaml:"retry-delay-ms"`

	// ForceThinking injects generationConfig.thinkingConfig.includeThoughts
	// into generative requests that do not carry a thinking config.
	ForceThinking bool `yaml:"force-thinking"`

	// ForceWebSearch injects a googleSearch tool entry when absent.
	ForceWebSearch bool `yaml:"force-web-search"`

	// ForceURLContext injects a urlContext tool entry when absent.
	ForceURLContext bool `yaml:"force-url-context"`

	// EnableAuthUpdate writes refreshed cookies back to the identity state
	// file after a successful interaction.
	EnableAuthUpdate bool `yaml:"enable-auth-update"`

	// BrowserPath is the path of the browser binary. Empty means the
	// launcher resolves a system browser.
	BrowserPath string `yaml:"browser-path"`

	// Headless runs the browser without a visible window.
	Headless bool `yaml:"headless"`
}

// RetryDelay returns the configured inter-attempt pause as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// IsImmediateSwitchStatus reports whether the given upstream status code is
// configured to rotate identities immediately.
func (c *Config) IsImmediateSwitchStatus(status int) bool {
	for _, code := range c.ImmediateSwitchStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// defaults returns a Config populated with the shipped defaults.
func defaults() *Config {
	return &Config{
		Port:                       2048,
		AuthDir:                    "configs/auth",
		ModelsFile:                 "configs/models.json",
		UsageFile:                  "configs/usage.db",
		StreamingMode:              "real",
		SwitchOnUses:               40,
		FailureThreshold:           3,
		ImmediateSwitchStatusCodes: []int{429},
		MaxRetries:                 3,
		RetryDelayMs:               2000,
		EnableAuthUpdate:           true,
		Headless:                   true,
	}
}

// LoadConfig builds the configuration from an optional YAML file and the
// process environment. The file may be absent; environment variables override
// file values.
//
// Parameters:
//   - configFile: Path of the optional YAML file ("" skips the file)
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the file exists but cannot be parsed
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaults()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.StreamingMode != "real" && cfg.StreamingMode != "fake" {
		return nil, fmt.Errorf("invalid streaming mode %q", cfg.StreamingMode)
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from environment variables.
func applyEnv(cfg *Config) {
	setInt(&cfg.Port, "PORT")
	setString(&cfg.AuthDir, "AUTH_DIR")
	setString(&cfg.ModelsFile, "MODELS_FILE")
	setBool(&cfg.Debug, "DEBUG")
	setBool(&cfg.RequestLog, "REQUEST_LOG")
	setBool(&cfg.LogToFile, "LOG_TO_FILE")
	setString(&cfg.UsageFile, "USAGE_FILE")
	setString(&cfg.ProxyURL, "PROXY_URL")
	setString(&cfg.StreamingMode, "STREAMING_MODE")
	setInt(&cfg.SwitchOnUses, "SWITCH_ON_USES")
	setInt(&cfg.FailureThreshold, "FAILURE_THRESHOLD")
	setInt(&cfg.MaxRetries, "MAX_RETRIES")
	setInt(&cfg.RetryDelayMs, "RETRY_DELAY_MS")
	setBool(&cfg.ForceThinking, "FORCE_THINKING")
	setBool(&cfg.ForceWebSearch, "FORCE_WEB_SEARCH")
	setBool(&cfg.ForceURLContext, "FORCE_URL_CONTEXT")
	setBool(&cfg.EnableAuthUpdate, "ENABLE_AUTH_UPDATE")
	setString(&cfg.BrowserPath, "BROWSER_PATH")
	setBool(&cfg.Headless, "HEADLESS")

	if v, ok := os.LookupEnv("API_KEYS"); ok {
		cfg.APIKeys = splitAndTrim(v)
	}
	if v, ok := os.LookupEnv("IMMEDIATE_SWITCH_STATUS_CODES"); ok {
		codes := make([]int, 0)
		for _, part := range splitAndTrim(v) {
			if code, err := strconv.Atoi(part); err == nil {
				codes = append(codes, code)
			}
		}
		cfg.ImmediateSwitchStatusCodes = codes
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
