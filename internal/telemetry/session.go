package telemetry

import (
	"math"
	"time"
)

const (
	// MaxKeys caps the recorded key log of a session.
	MaxKeys = 1000

	// MaxClipboardItems caps the clipboard history of a session.
	MaxClipboardItems = 50

	// MaxClipboardText caps the length of a single clipboard snippet.
	MaxClipboardText = 500
)

// ClipboardEntry is a single copy or paste captured by the page script.
type ClipboardEntry struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

// Session represents continuous occupancy of one tab on one URL.
// FocusStart is zero when the owning window does not have input focus.
type Session struct {
	ID               string
	TabID            int
	URL              string
	Domain           string
	Title            string
	StartedAt        time.Time
	FocusAccumulated time.Duration
	FocusStart       time.Time
	Idle             bool
	Version          string

	Clicks     int64
	Keypresses int64
	ScrollPx   int64
	MousePx    int64
	CopyCount  int64
	PasteCount int64

	Keys      []string
	Clipboard []ClipboardEntry

	SpeedSum     float64
	SpeedSamples int64
}

// Focused reports whether a focus interval is currently open.
func (s *Session) Focused() bool {
	return !s.FocusStart.IsZero()
}

// GainFocus opens a focus interval at now. It is a no-op when one is open.
func (s *Session) GainFocus(now time.Time) {
	if s.Focused() {
		return
	}
	s.FocusStart = now
}

// LoseFocus folds the open focus interval into the accumulated focus time.
func (s *Session) LoseFocus(now time.Time) {
	if !s.Focused() {
		return
	}
	if elapsed := now.Sub(s.FocusStart); elapsed > 0 {
		s.FocusAccumulated += elapsed
	}
	s.FocusStart = time.Time{}
}

// Activity is a counter report from a page-level script.
type Activity struct {
	Clicks           int64            `json:"clicks"`
	Keypresses       int64            `json:"keypresses"`
	ScrollPx         float64          `json:"scroll_px"`
	MousePx          float64          `json:"mouse_px"`
	CopyCount        int64            `json:"copy_count"`
	PasteCount       int64            `json:"paste_count"`
	KeysArray        []string         `json:"keys_array,omitempty"`
	ClipboardHistory []ClipboardEntry `json:"clipboard_history,omitempty"`
	MouseAvgSpeed    *float64         `json:"mouse_avg_speed,omitempty"`
}

// Empty reports whether the report carries no data at all.
func (a Activity) Empty() bool {
	return a.Clicks == 0 && a.Keypresses == 0 && a.ScrollPx == 0 && a.MousePx == 0 &&
		a.CopyCount == 0 && a.PasteCount == 0 && len(a.KeysArray) == 0 &&
		len(a.ClipboardHistory) == 0 && a.MouseAvgSpeed == nil
}

// Merge adds a counter report to the session. The key log and clipboard
// history keep only their most recent entries once the caps are reached.
func (s *Session) Merge(a Activity) {
	s.Clicks += nonNegative(a.Clicks)
	s.Keypresses += nonNegative(a.Keypresses)
	s.ScrollPx += nonNegative(int64(math.Round(a.ScrollPx)))
	s.MousePx += nonNegative(int64(math.Round(a.MousePx)))
	s.CopyCount += nonNegative(a.CopyCount)
	s.PasteCount += nonNegative(a.PasteCount)

	if len(a.KeysArray) > 0 {
		s.Keys = appendCapped(s.Keys, a.KeysArray, MaxKeys)
	}

	if len(a.ClipboardHistory) > 0 {
		entries := make([]ClipboardEntry, 0, len(a.ClipboardHistory))
		for _, entry := range a.ClipboardHistory {
			entries = append(entries, ClipboardEntry{
				Action: entry.Action,
				Text:   truncateRunes(entry.Text, MaxClipboardText),
			})
		}
		s.Clipboard = appendCapped(s.Clipboard, entries, MaxClipboardItems)
	}

	if a.MouseAvgSpeed != nil && *a.MouseAvgSpeed > 0 && !math.IsInf(*a.MouseAvgSpeed, 0) {
		s.SpeedSum += *a.MouseAvgSpeed
		s.SpeedSamples++
	}
}

// ResetCounters clears everything a rollover reports, restarting the
// reporting window at now. An open focus interval restarts at now too.
func (s *Session) ResetCounters(now time.Time) {
	s.StartedAt = now
	s.FocusAccumulated = 0
	if s.Focused() {
		s.FocusStart = now
	}
	s.Clicks = 0
	s.Keypresses = 0
	s.ScrollPx = 0
	s.MousePx = 0
	s.CopyCount = 0
	s.PasteCount = 0
	s.Keys = nil
	s.Clipboard = nil
	s.SpeedSum = 0
	s.SpeedSamples = 0
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.Keys != nil {
		c.Keys = append([]string(nil), s.Keys...)
	}
	if s.Clipboard != nil {
		c.Clipboard = append([]ClipboardEntry(nil), s.Clipboard...)
	}
	return &c
}

func appendCapped[T any](dst, src []T, limit int) []T {
	dst = append(dst, src...)
	if over := len(dst) - limit; over > 0 {
		trimmed := make([]T, limit)
		copy(trimmed, dst[over:])
		return trimmed
	}
	return dst
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
