package telemetry

import (
	"fmt"
	"math"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for start_ts on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is the delivery-ready projection of a session at a point in time.
// Events are never mutated after Format returns them.
type Event struct {
	SessionID        string           `json:"session_id,omitempty"`
	URL              string           `json:"url"`
	Domain           string           `json:"domain"`
	WindowTitle      string           `json:"window_title"`
	StartTS          string           `json:"start_ts"`
	DurationSec      int64            `json:"duration_sec"`
	FocusTimeSec     int64            `json:"focus_time_sec"`
	IsIdle           bool             `json:"is_idle"`
	Clicks           int64            `json:"clicks"`
	Keypresses       int64            `json:"keypresses"`
	ScrollPx         int64            `json:"scroll_px"`
	MousePx          int64            `json:"mouse_px"`
	CopyCount        int64            `json:"copy_count"`
	PasteCount       int64            `json:"paste_count"`
	KeysArray        []string         `json:"keys_array"`
	ClipboardHistory []ClipboardEntry `json:"clipboard_history"`
	MouseAvgSpeed    *float64         `json:"mouse_avg_speed"`
	ExtensionVersion string           `json:"extension_version"`
}

// Started parses the event's start timestamp.
func (e Event) Started() (time.Time, error) {
	t, err := time.Parse(TimestampLayout, e.StartTS)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, e.StartTS)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse start_ts %q: %w", e.StartTS, err)
		}
	}
	return t, nil
}

// Format projects a session into an event as of the given instant.
// It reads the session without mutating it.
func Format(s *Session, asOf time.Time) Event {
	duration := floorSeconds(asOf.Sub(s.StartedAt))

	focus := s.FocusAccumulated
	if s.Focused() {
		if open := asOf.Sub(s.FocusStart); open > 0 {
			focus += open
		}
	}
	focusSec := floorSeconds(focus)
	if focusSec > duration {
		focusSec = duration
	}

	event := Event{
		SessionID:        s.ID,
		URL:              s.URL,
		Domain:           s.Domain,
		WindowTitle:      s.Title,
		StartTS:          s.StartedAt.UTC().Format(TimestampLayout),
		DurationSec:      duration,
		FocusTimeSec:     focusSec,
		IsIdle:           s.Idle,
		Clicks:           s.Clicks,
		Keypresses:       s.Keypresses,
		ScrollPx:         s.ScrollPx,
		MousePx:          s.MousePx,
		CopyCount:        s.CopyCount,
		PasteCount:       s.PasteCount,
		ExtensionVersion: s.Version,
	}

	if len(s.Keys) > 0 {
		event.KeysArray = append([]string(nil), s.Keys...)
	}
	if len(s.Clipboard) > 0 {
		event.ClipboardHistory = append([]ClipboardEntry(nil), s.Clipboard...)
	}
	if s.SpeedSamples > 0 {
		speed := math.Round(s.SpeedSum/float64(s.SpeedSamples)*1000) / 1000
		event.MouseAvgSpeed = &speed
	}

	return event
}

func floorSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
