package host

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/goodtune/tabtrack/internal/telemetry"
)

// Inbound message types sent by the extension.
const (
	TypeTabActivated       = "TAB_ACTIVATED"
	TypeNavigationComplete = "NAVIGATION_COMPLETE"
	TypeTabRemoved         = "TAB_REMOVED"
	TypeWindowFocus        = "WINDOW_FOCUS"
	TypeIdleState          = "IDLE_STATE"
	TypeActivity           = "ACTIVITY"
	TypeVisibilityChange   = "VISIBILITY_CHANGE"
	TypePageUnload         = "PAGE_UNLOAD"
	TypeIdentity           = "IDENTITY"
	TypeScreenshot         = "SCREENSHOT"
	TypeCookiesInjected    = "COOKIES_INJECTED"
	TypeDiagnosticInfo     = "DIAGNOSTIC_INFO"
	TypeFlush              = "FLUSH"
)

// Outbound message types sent to the extension.
const (
	TypeApplyConfig  = "APPLY_CONFIG"
	TypeRefreshToken = "REFRESH_TOKEN"
	TypeDisabled     = "DISABLED"
)

// Message is the envelope of every frame.
type Message struct {
	Type  string          `json:"type"`
	TabID int             `json:"tab_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the message data into out. A message without data
// leaves out untouched.
func (m Message) Decode(out any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Type, err)
	}
	return nil
}

// TabPayload accompanies TAB_ACTIVATED and NAVIGATION_COMPLETE.
type TabPayload struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// WindowFocusPayload accompanies WINDOW_FOCUS.
type WindowFocusPayload struct {
	Focused bool `json:"focused"`
}

// IdleStatePayload accompanies IDLE_STATE. State is "active", "idle" or
// "locked".
type IdleStatePayload struct {
	State string `json:"state"`
}

// ActivityPayload accompanies ACTIVITY.
type ActivityPayload = telemetry.Activity

// VisibilityPayload accompanies VISIBILITY_CHANGE.
type VisibilityPayload struct {
	Visible bool `json:"visible"`
}

// IdentityPayload accompanies IDENTITY.
type IdentityPayload struct {
	Email            string `json:"email"`
	AuthToken        string `json:"auth_token"`
	ExtensionVersion string `json:"extension_version"`
}

// ScreenshotPayload accompanies SCREENSHOT.
type ScreenshotPayload struct {
	DataURL string  `json:"data_url"`
	TS      float64 `json:"ts"`
}

// ErrInvalidDataURL is returned for screenshots that are not base64 data URLs.
var ErrInvalidDataURL = errors.New("host: invalid data url")

// Image decodes the data URL into its content type and bytes.
func (p ScreenshotPayload) Image() (string, []byte, error) {
	rest, ok := strings.CutPrefix(p.DataURL, "data:")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: not base64", ErrInvalidDataURL)
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return contentType, data, nil
}

// CookiesInjectedPayload accompanies COOKIES_INJECTED.
type CookiesInjectedPayload struct {
	CookieIDs []int64 `json:"cookie_ids"`
}

// ApplyConfigPayload is sent after every successful handshake.
type ApplyConfigPayload struct {
	IdleThresholdSec      int                   `json:"idle_threshold_sec"`
	ScreenshotIntervalSec int                   `json:"screenshot_interval_sec"`
	Cookies               []remote.Cookie       `json:"cookies"`
	BlockingRules         []remote.BlockingRule `json:"blocking_rules"`
}

// DisabledPayload is sent when the kill switch is engaged.
type DisabledPayload struct {
	Reason string `json:"reason"`
}

// SessionInfo describes the open session in diagnostics.
type SessionInfo struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	TabID     int    `json:"tab_id" yaml:"tab_id"`
	Domain    string `json:"domain" yaml:"domain"`
	StartTS   string `json:"start_ts" yaml:"start_ts"`
	Focused   bool   `json:"focused" yaml:"focused"`
	Idle      bool   `json:"is_idle" yaml:"is_idle"`
}

// DiagnosticPayload answers DIAGNOSTIC_INFO.
type DiagnosticPayload struct {
	Email            string               `json:"email" yaml:"email"`
	ExtensionVersion string               `json:"extension_version" yaml:"extension_version"`
	Status           string               `json:"status" yaml:"status"`
	Banned           bool                 `json:"banned" yaml:"banned"`
	Idle             bool                 `json:"idle" yaml:"idle"`
	BufferSize       int                  `json:"buffer_size" yaml:"buffer_size"`
	PendingEvents    int                  `json:"pending_events" yaml:"pending_events"`
	RetryAttempts    int                  `json:"retry_attempts" yaml:"retry_attempts"`
	BlockingRules    int                  `json:"blocking_rules" yaml:"blocking_rules"`
	Session          *SessionInfo         `json:"session,omitempty" yaml:"session,omitempty"`
	DebugLog         []storage.DebugEntry `json:"debug_log" yaml:"debug_log"`
}
