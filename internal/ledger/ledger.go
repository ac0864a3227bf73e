// Package ledger owns the single open browsing session and every
// transition that opens, closes or rolls it over.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goodtune/tabtrack/internal/clock"
	"github.com/goodtune/tabtrack/internal/metrics"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMinSessionDuration is the shortest session that is reported.
const DefaultMinSessionDuration = time.Second

// Reasons a session is closed.
const (
	ReasonSuperseded   = "superseded"
	ReasonTabSwitch    = "tab_switch"
	ReasonURLChanged   = "url_changed"
	ReasonTabClosed    = "tab_closed"
	ReasonWentIdle     = "went_idle"
	ReasonBecameActive = "became_active"
	ReasonPageUnload   = "page_unload"
	ReasonShutdown     = "shutdown"
)

// FocusProbe reports whether the browser window owning the active tab has
// input focus. It may block.
type FocusProbe interface {
	WindowFocused(ctx context.Context) (bool, error)
}

// FocusProbeFunc adapts a function to FocusProbe.
type FocusProbeFunc func(ctx context.Context) (bool, error)

// WindowFocused calls f.
func (f FocusProbeFunc) WindowFocused(ctx context.Context) (bool, error) { return f(ctx) }

// Config holds ledger configuration
type Config struct {
	MinSessionDuration time.Duration
	Version            string
}

// Ledger is the session state machine. It is Idle when no session is open
// and Active when exactly one session is open for a tab.
type Ledger struct {
	clock       clock.Clock
	probe       FocusProbe
	logger      zerolog.Logger
	minDuration time.Duration

	mu          sync.Mutex
	version     string
	current     *telemetry.Session
	idle        bool
	activeTab   int
	activeKnown bool
	closed      []telemetry.Event
}

// New creates a ledger. A nil probe always reports focus.
func New(cfg Config, clk clock.Clock, probe FocusProbe, logger zerolog.Logger) *Ledger {
	if cfg.MinSessionDuration <= 0 {
		cfg.MinSessionDuration = DefaultMinSessionDuration
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if probe == nil {
		probe = FocusProbeFunc(func(context.Context) (bool, error) { return true, nil })
	}
	return &Ledger{
		clock:       clk,
		probe:       probe,
		logger:      logger.With().Str("component", "ledger").Logger(),
		minDuration: cfg.MinSessionDuration,
		version:     cfg.Version,
	}
}

// SetVersion sets the extension version stamped on new sessions.
func (l *Ledger) SetVersion(version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version = version
}

// StartSession opens a session for tabID, closing any open session first.
// Internal URLs are ignored and malformed ones are rejected without touching
// the current state.
func (l *Ledger) StartSession(ctx context.Context, tabID int, rawURL, title string) error {
	return l.open(ctx, tabID, rawURL, title, ReasonSuperseded, nil)
}

// CloseSession closes the open session, if any.
func (l *Ledger) CloseSession(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(l.clock.Now(), reason)
}

// NavigationComplete handles a finished page load. A load on the tracked tab
// with a new URL closes and reopens the session in one step. Loads on
// background tabs are ignored, as is every load while no tab is known to be
// active.
func (l *Ledger) NavigationComplete(ctx context.Context, tabID int, rawURL, title string) error {
	if IsInternal(rawURL) {
		return nil
	}
	return l.open(ctx, tabID, rawURL, title, ReasonURLChanged, func() bool {
		if !l.activeKnown || l.activeTab != tabID {
			return false
		}
		if l.current != nil && l.current.TabID == tabID && l.current.URL == rawURL {
			return false
		}
		return true
	})
}

// TabActivated switches tracking to tabID. An internal or malformed URL on
// the new tab only closes the previous session.
func (l *Ledger) TabActivated(ctx context.Context, tabID int, rawURL, title string) error {
	l.mu.Lock()
	l.activeTab = tabID
	l.activeKnown = true
	if l.current != nil && l.current.TabID == tabID && l.current.URL == rawURL {
		l.mu.Unlock()
		return nil
	}
	if IsInternal(rawURL) {
		l.closeLocked(l.clock.Now(), ReasonTabSwitch)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	err := l.open(ctx, tabID, rawURL, title, ReasonTabSwitch, func() bool {
		return l.activeTab == tabID
	})
	if errors.Is(err, ErrInvalidURL) {
		l.CloseSession(ReasonTabSwitch)
	}
	return err
}

// TabRemoved closes the session of a removed tab.
func (l *Ledger) TabRemoved(tabID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeKnown && l.activeTab == tabID {
		l.activeKnown = false
	}
	if l.current != nil && l.current.TabID == tabID {
		l.closeLocked(l.clock.Now(), ReasonTabClosed)
	}
}

// WindowFocusChanged opens or folds the focus interval of the open session.
func (l *Ledger) WindowFocusChanged(focused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setFocusLocked(focused)
}

// VisibilityChanged is WindowFocusChanged scoped to the tracked tab.
func (l *Ledger) VisibilityChanged(tabID int, visible bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.TabID != tabID {
		return
	}
	l.setFocusLocked(visible)
}

func (l *Ledger) setFocusLocked(focused bool) {
	if l.current == nil {
		return
	}
	now := l.clock.Now()
	if focused {
		l.current.GainFocus(now)
	} else {
		l.current.LoseFocus(now)
	}
}

// IdleStateChanged records the system idle state ("active", "idle" or
// "locked"). On a flip the open session is closed and an equivalent session
// tagged with the new flag is opened at the same instant. It reports whether
// the flag flipped.
func (l *Ledger) IdleStateChanged(state string) bool {
	idle := state == "idle" || state == "locked"

	l.mu.Lock()
	defer l.mu.Unlock()

	if idle == l.idle {
		return false
	}
	l.idle = idle

	prev := l.current
	if prev == nil {
		return true
	}

	reason := ReasonBecameActive
	if idle {
		reason = ReasonWentIdle
	}
	focused := prev.Focused()
	now := l.clock.Now()
	l.closeLocked(now, reason)

	next := l.newSession(prev.TabID, prev.URL, prev.Domain, prev.Title, now, focused)
	l.current = next
	l.logger.Debug().
		Str("session_id", next.ID).
		Str("domain", next.Domain).
		Bool("is_idle", next.Idle).
		Msg("Session reopened after idle flip")
	return true
}

// PageUnload closes the session of the unloading tab.
func (l *Ledger) PageUnload(tabID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && l.current.TabID == tabID {
		l.closeLocked(l.clock.Now(), ReasonPageUnload)
	}
}

// MergeActivity adds a page's counter report to the session of tabID. It
// reports whether a session received the report.
func (l *Ledger) MergeActivity(tabID int, activity telemetry.Activity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.TabID != tabID {
		return false
	}
	l.current.Merge(activity)
	return true
}

// Rollover formats a snapshot of the open session and restarts its
// reporting window at the current instant, without closing it. Nothing is
// produced while the window is shorter than the minimum duration.
func (l *Ledger) Rollover() (telemetry.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil {
		return telemetry.Event{}, false
	}
	now := l.clock.Now()
	if !l.reportable(now.Sub(l.current.StartedAt)) {
		return telemetry.Event{}, false
	}
	event := telemetry.Format(l.current, now)
	l.current.ResetCounters(now)
	l.logger.Debug().
		Str("session_id", l.current.ID).
		Int64("duration_sec", event.DurationSec).
		Msg("Session rolled over")
	return event, true
}

// DrainClosed hands over the queue of closed-session events.
func (l *Ledger) DrainClosed() []telemetry.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.closed
	l.closed = nil
	return events
}

// Pending returns the number of closed events waiting to be drained.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.closed)
}

// Current returns a copy of the open session.
func (l *Ledger) Current() (*telemetry.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil, false
	}
	return l.current.Clone(), true
}

// Idle reports the last known system idle flag.
func (l *Ledger) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idle
}

// open runs the Close+Start transition. The focus probe is queried before
// the lock is taken; guard, when set, re-checks the state afterwards so that
// a transition made stale by an interleaved event is dropped.
func (l *Ledger) open(ctx context.Context, tabID int, rawURL, title, reason string, guard func() bool) error {
	if IsInternal(rawURL) {
		return nil
	}
	domain, err := parseTrackable(rawURL)
	if err != nil {
		l.logger.Warn().Err(err).Int("tab_id", tabID).Msg("Rejected session URL")
		return err
	}

	focused, err := l.probe.WindowFocused(ctx)
	if err != nil {
		l.logger.Debug().Err(err).Msg("Focus probe failed, assuming not focused")
		focused = false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if guard != nil && !guard() {
		return nil
	}

	now := l.clock.Now()
	l.closeLocked(now, reason)

	if title == "" {
		title = domain
	}
	l.current = l.newSession(tabID, rawURL, domain, title, now, focused)
	l.activeTab = tabID
	l.activeKnown = true

	metrics.SessionsOpened.Inc()
	l.logger.Debug().
		Str("session_id", l.current.ID).
		Int("tab_id", tabID).
		Str("domain", domain).
		Bool("focused", focused).
		Msg("Session started")
	return nil
}

func (l *Ledger) newSession(tabID int, rawURL, domain, title string, now time.Time, focused bool) *telemetry.Session {
	s := &telemetry.Session{
		ID:        uuid.NewString(),
		TabID:     tabID,
		URL:       rawURL,
		Domain:    domain,
		Title:     title,
		StartedAt: now,
		Idle:      l.idle,
		Version:   l.version,
	}
	if focused {
		s.FocusStart = now
	}
	return s
}

func (l *Ledger) closeLocked(now time.Time, reason string) {
	s := l.current
	if s == nil {
		return
	}
	l.current = nil

	s.LoseFocus(now)
	elapsed := now.Sub(s.StartedAt)
	if !l.reportable(elapsed) {
		metrics.SessionsDiscarded.WithLabelValues(reason).Inc()
		l.logger.Debug().
			Str("session_id", s.ID).
			Str("reason", reason).
			Dur("elapsed", elapsed).
			Msg("Discarded short session")
		return
	}

	event := telemetry.Format(s, now)
	l.closed = append(l.closed, event)

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	metrics.SessionDuration.Observe(float64(event.DurationSec))
	l.logger.Info().
		Str("session_id", s.ID).
		Str("domain", s.Domain).
		Str("reason", reason).
		Int64("duration_sec", event.DurationSec).
		Int64("focus_time_sec", event.FocusTimeSec).
		Msg("Session closed")
}

// reportable applies the minimum duration; a window must also span at
// least one whole second to produce a non-zero duration.
func (l *Ledger) reportable(elapsed time.Duration) bool {
	return elapsed >= l.minDuration && elapsed >= time.Second
}
