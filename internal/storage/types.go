package storage

import (
	"encoding/json"
	"time"
)

// Snapshot is the persisted application state restored after a restart.
type Snapshot struct {
	Email            string          `json:"email"`
	AuthToken        string          `json:"auth_token"`
	ExtensionVersion string          `json:"extension_version"`
	Config           json.RawMessage `json:"config,omitempty"`
	SavedAt          time.Time       `json:"saved_at"`
}

// HasCredentials reports whether both halves of the credential pair are set.
func (s Snapshot) HasCredentials() bool {
	return s.Email != "" && s.AuthToken != ""
}

// DebugEntry is a single line of the persisted debug log.
type DebugEntry struct {
	Timestamp time.Time `json:"ts" yaml:"ts"`
	Level     string    `json:"level" yaml:"level"`
	Message   string    `json:"msg" yaml:"msg"`
}
