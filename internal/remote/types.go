package remote

import "strings"

// Handshake status values.
const (
	StatusActive = "active"
	StatusBanned = "banned"
)

// Defaults used when the collector omits a value.
const (
	DefaultIdleThresholdSec      = 60
	DefaultScreenshotIntervalSec = 300
	DefaultConfigRefreshSec      = 300
)

// Credentials identify the browser profile to the collector.
type Credentials struct {
	Email string `json:"email"`
	Token string `json:"auth_token"`
}

// Valid reports whether both halves of the pair are present.
func (c Credentials) Valid() bool {
	return c.Email != "" && c.Token != ""
}

// Cookie is a cookie the extension should install.
type Cookie struct {
	ID             int64    `json:"id"`
	Domain         string   `json:"domain"`
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	ExpirationDate *float64 `json:"expiration_date"`
}

// BlockingRule is a block or allow pattern from the collector.
type BlockingRule struct {
	Action  string `json:"action"`
	Pattern string `json:"pattern"`
}

// Config is the operating configuration returned by a handshake. It is
// replaced wholesale on every refresh.
type Config struct {
	Status                string         `json:"status"`
	IdleThresholdSec      int            `json:"idle_threshold_sec"`
	ScreenshotIntervalSec *int           `json:"screenshot_interval_sec"`
	ConfigRefreshSec      int            `json:"config_refresh_sec"`
	TelemetryIntervalSec  int            `json:"telemetry_interval_sec,omitempty"`
	Cookies               []Cookie       `json:"cookies"`
	BlockingRules         []BlockingRule `json:"blocking_rules"`
}

// Banned reports whether the collector engaged the kill switch.
func (c *Config) Banned() bool {
	return strings.EqualFold(c.Status, StatusBanned)
}

// ScreenshotInterval returns the screenshot cadence in seconds, 0 when
// screenshots are disabled.
func (c *Config) ScreenshotInterval() int {
	if c.ScreenshotIntervalSec == nil {
		return DefaultScreenshotIntervalSec
	}
	if *c.ScreenshotIntervalSec < 0 {
		return 0
	}
	return *c.ScreenshotIntervalSec
}

// Normalize fills defaults for values the collector left out.
func (c *Config) Normalize() {
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.IdleThresholdSec <= 0 {
		c.IdleThresholdSec = DefaultIdleThresholdSec
	}
	// An explicit 0 disables screenshots; only a missing value takes the default.
	switch {
	case c.ScreenshotIntervalSec == nil:
		v := DefaultScreenshotIntervalSec
		c.ScreenshotIntervalSec = &v
	case *c.ScreenshotIntervalSec < 0:
		v := 0
		c.ScreenshotIntervalSec = &v
	}
	if c.ConfigRefreshSec <= 0 {
		c.ConfigRefreshSec = DefaultConfigRefreshSec
	}
	if c.TelemetryIntervalSec < 0 {
		c.TelemetryIntervalSec = 0
	}
}
