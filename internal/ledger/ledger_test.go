package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/tabtrack/internal/clock"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/rs/zerolog"
	"pgregory.net/rapid"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

var alwaysFocused = FocusProbeFunc(func(context.Context) (bool, error) { return true, nil })

func newTestLedger(t interface{ Helper() }, probe FocusProbe) (*Ledger, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return New(Config{Version: "1.2.0"}, clk, probe, zerolog.Nop()), clk
}

func mustStart(t *testing.T, l *Ledger, tabID int, url string) {
	t.Helper()
	if err := l.StartSession(context.Background(), tabID, url, ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
}

func TestStartSessionClosesPrevious(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/a")
	clk.Advance(5 * time.Second)
	mustStart(t, l, 2, "https://other.example/b")

	closed := l.DrainClosed()
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed event, got %d", len(closed))
	}
	if closed[0].Domain != "example.com" || closed[0].DurationSec != 5 || closed[0].FocusTimeSec != 5 {
		t.Fatalf("unexpected closed event: %+v", closed[0])
	}
	if closed[0].WindowTitle != "example.com" {
		t.Fatalf("expected title to default to the host, got %q", closed[0].WindowTitle)
	}
	if closed[0].ExtensionVersion != "1.2.0" {
		t.Fatalf("expected version stamp, got %q", closed[0].ExtensionVersion)
	}

	current, ok := l.Current()
	if !ok || current.TabID != 2 {
		t.Fatalf("expected session on tab 2, got %+v", current)
	}
}

func TestStartSessionRejectsMalformedURL(t *testing.T) {
	l, _ := newTestLedger(t, alwaysFocused)
	mustStart(t, l, 1, "https://example.com/")

	err := l.StartSession(context.Background(), 2, "https:///nohost", "")
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
	current, ok := l.Current()
	if !ok || current.TabID != 1 {
		t.Fatalf("expected existing session to survive, got %+v", current)
	}
}

func TestStartSessionIgnoresInternalURL(t *testing.T) {
	l, _ := newTestLedger(t, alwaysFocused)

	for _, url := range []string{"chrome://settings", "chrome-extension://abc/options.html", "about:blank", ""} {
		if err := l.StartSession(context.Background(), 1, url, ""); err != nil {
			t.Fatalf("start %q: %v", url, err)
		}
	}
	if _, ok := l.Current(); ok {
		t.Fatalf("expected no session for internal URLs")
	}
}

func TestFocusProbeFailureMeansNotFocused(t *testing.T) {
	probe := FocusProbeFunc(func(context.Context) (bool, error) { return false, errors.New("no window") })
	l, clk := newTestLedger(t, probe)

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(10 * time.Second)
	l.CloseSession(ReasonShutdown)

	closed := l.DrainClosed()
	if len(closed) != 1 || closed[0].FocusTimeSec != 0 || closed[0].DurationSec != 10 {
		t.Fatalf("unexpected events: %+v", closed)
	}
}

func TestCloseSessionWhenIdleIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, alwaysFocused)
	l.CloseSession(ReasonShutdown)
	if l.Pending() != 0 {
		t.Fatalf("expected no events")
	}
}

func TestShortSessionIsDiscarded(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(900 * time.Millisecond)
	l.CloseSession(ReasonTabClosed)

	if got := l.DrainClosed(); len(got) != 0 {
		t.Fatalf("expected short session to be discarded, got %+v", got)
	}
}

func TestConfiguredMinimumDuration(t *testing.T) {
	clk := clock.NewFake(t0)
	l := New(Config{MinSessionDuration: 3 * time.Second}, clk, alwaysFocused, zerolog.Nop())

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(2 * time.Second)
	l.CloseSession(ReasonTabClosed)
	if l.Pending() != 0 {
		t.Fatalf("expected 2s session to be discarded under a 3s minimum")
	}

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(3 * time.Second)
	l.CloseSession(ReasonTabClosed)
	if l.Pending() != 1 {
		t.Fatalf("expected 3s session to be reported")
	}
}

func TestNavigationCompleteOnTrackedTab(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)
	ctx := context.Background()

	if err := l.TabActivated(ctx, 1, "https://example.com/a", "A"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	clk.Advance(4 * time.Second)

	// Same URL reloading does not split the session.
	if err := l.NavigationComplete(ctx, 1, "https://example.com/a", "A"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if l.Pending() != 0 {
		t.Fatalf("expected no closed events for a reload")
	}

	// A background tab finishing a load is ignored.
	if err := l.NavigationComplete(ctx, 2, "https://background.example/", "B"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if current, _ := l.Current(); current.TabID != 1 {
		t.Fatalf("background navigation must not steal the session")
	}

	if err := l.NavigationComplete(ctx, 1, "https://example.com/b", "B"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	closed := l.DrainClosed()
	if len(closed) != 1 || closed[0].URL != "https://example.com/a" || closed[0].DurationSec != 4 {
		t.Fatalf("unexpected closed events: %+v", closed)
	}
	current, _ := l.Current()
	if current.URL != "https://example.com/b" || current.Title != "B" {
		t.Fatalf("unexpected current session: %+v", current)
	}
}

func TestNavigationIgnoredUntilTabActivated(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)
	ctx := context.Background()

	if err := l.NavigationComplete(ctx, 3, "https://background.example/", "B"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if _, ok := l.Current(); ok {
		t.Fatalf("navigation before any activation must not open a session")
	}

	if err := l.TabActivated(ctx, 1, "https://example.com/", "Example"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	clk.Advance(2 * time.Second)
	l.TabRemoved(1)

	// The active tab is gone; background loads stay untracked.
	if err := l.NavigationComplete(ctx, 4, "https://other.example/", "O"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if _, ok := l.Current(); ok {
		t.Fatalf("navigation after the active tab closed must not open a session")
	}
}

func TestTabActivatedInternalOnlyCloses(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)
	ctx := context.Background()

	if err := l.TabActivated(ctx, 1, "https://example.com/", "Example"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	clk.Advance(2 * time.Second)
	if err := l.TabActivated(ctx, 2, "chrome://newtab/", "New Tab"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, ok := l.Current(); ok {
		t.Fatalf("expected no open session on an internal tab")
	}
	if l.Pending() != 1 {
		t.Fatalf("expected the previous session to be closed")
	}

	// A navigation on the internal tab to a real page starts tracking.
	if err := l.NavigationComplete(ctx, 2, "https://news.example/", "News"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if current, ok := l.Current(); !ok || current.TabID != 2 {
		t.Fatalf("expected session on tab 2")
	}
}

func TestTabRemovedClosesTrackedTabOnly(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(3 * time.Second)

	l.TabRemoved(7)
	if _, ok := l.Current(); !ok {
		t.Fatalf("removing another tab must not close the session")
	}

	l.TabRemoved(1)
	if _, ok := l.Current(); ok {
		t.Fatalf("expected session to close with its tab")
	}
	if l.Pending() != 1 {
		t.Fatalf("expected one closed event")
	}
}

func TestWindowFocusCyclesAccumulate(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(5 * time.Second)
	l.WindowFocusChanged(false)
	clk.Advance(10 * time.Second)
	l.WindowFocusChanged(true)
	l.WindowFocusChanged(true)
	clk.Advance(3 * time.Second)
	l.WindowFocusChanged(false)
	l.WindowFocusChanged(false)
	clk.Advance(2 * time.Second)
	l.CloseSession(ReasonShutdown)

	closed := l.DrainClosed()
	if len(closed) != 1 {
		t.Fatalf("expected 1 event, got %d", len(closed))
	}
	if closed[0].DurationSec != 20 || closed[0].FocusTimeSec != 8 {
		t.Fatalf("expected duration 20 focus 8, got %d/%d", closed[0].DurationSec, closed[0].FocusTimeSec)
	}
}

func TestVisibilityChangeScopedToTrackedTab(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/")
	l.VisibilityChanged(2, false)
	clk.Advance(4 * time.Second)
	l.VisibilityChanged(1, false)
	clk.Advance(4 * time.Second)
	l.PageUnload(1)

	closed := l.DrainClosed()
	if len(closed) != 1 || closed[0].FocusTimeSec != 4 || closed[0].DurationSec != 8 {
		t.Fatalf("unexpected events: %+v", closed)
	}
}

func TestMergeActivityRoutesByTab(t *testing.T) {
	l, _ := newTestLedger(t, alwaysFocused)
	mustStart(t, l, 1, "https://example.com/")

	if l.MergeActivity(2, telemetry.Activity{Clicks: 5}) {
		t.Fatalf("activity for another tab must be dropped")
	}
	if !l.MergeActivity(1, telemetry.Activity{Clicks: 5, Keypresses: 2}) {
		t.Fatalf("expected activity to merge")
	}
	current, _ := l.Current()
	if current.Clicks != 5 || current.Keypresses != 2 {
		t.Fatalf("unexpected counters: %+v", current)
	}
}

func TestIdleTransitionIsolatesIntervals(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/")
	clk.Advance(10 * time.Second)
	if !l.IdleStateChanged("idle") {
		t.Fatalf("expected idle flip")
	}

	closed := l.DrainClosed()
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed event, got %d", len(closed))
	}
	if closed[0].DurationSec != 10 || closed[0].FocusTimeSec != 10 || closed[0].IsIdle {
		t.Fatalf("unexpected closed event: %+v", closed[0])
	}

	current, ok := l.Current()
	if !ok {
		t.Fatalf("expected reopened session")
	}
	if !current.Idle || !current.StartedAt.Equal(t0.Add(10*time.Second)) || current.Domain != "example.com" {
		t.Fatalf("unexpected reopened session: %+v", current)
	}

	// Locked counts as idle, so no second flip.
	if l.IdleStateChanged("locked") {
		t.Fatalf("locked after idle is not a flip")
	}
}

func TestRolloverRestartsReportingWindow(t *testing.T) {
	l, clk := newTestLedger(t, alwaysFocused)

	mustStart(t, l, 1, "https://example.com/")
	l.MergeActivity(1, telemetry.Activity{Clicks: 3})

	clk.Advance(500 * time.Millisecond)
	if _, ok := l.Rollover(); ok {
		t.Fatalf("expected no snapshot below the minimum duration")
	}

	clk.Advance(59500 * time.Millisecond)
	first, ok := l.Rollover()
	if !ok || first.DurationSec != 60 || first.FocusTimeSec != 60 || first.Clicks != 3 {
		t.Fatalf("unexpected first snapshot: %+v", first)
	}

	clk.Advance(30 * time.Second)
	second, ok := l.Rollover()
	if !ok || second.DurationSec != 30 || second.FocusTimeSec != 30 || second.Clicks != 0 {
		t.Fatalf("unexpected second snapshot: %+v", second)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("rollover must keep the same session")
	}
	if l.Pending() != 0 {
		t.Fatalf("rollover must not close the session")
	}
}

func TestPropertyFocusNeverExceedsDuration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l, clk := newTestLedger(t, alwaysFocused)
		if err := l.StartSession(context.Background(), 1, "https://example.com/", ""); err != nil {
			t.Fatalf("start: %v", err)
		}

		var manual time.Duration
		isFocused := true
		steps := rapid.IntRange(0, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			gap := time.Duration(rapid.Int64Range(0, 90_000).Draw(t, "gap_ms")) * time.Millisecond
			clk.Advance(gap)
			if isFocused {
				manual += gap
			}
			isFocused = rapid.Bool().Draw(t, "focused")
			l.WindowFocusChanged(isFocused)
		}
		gap := time.Duration(rapid.Int64Range(1000, 90_000).Draw(t, "tail_ms")) * time.Millisecond
		clk.Advance(gap)
		if isFocused {
			manual += gap
		}
		l.CloseSession(ReasonShutdown)

		events := l.DrainClosed()
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		ev := events[0]
		if ev.FocusTimeSec > ev.DurationSec {
			t.Fatalf("focus %d exceeds duration %d", ev.FocusTimeSec, ev.DurationSec)
		}
		want := int64(manual / time.Second)
		if diff := want - ev.FocusTimeSec; diff < -1 || diff > 1 {
			t.Fatalf("focus %d differs from manual sum %d", ev.FocusTimeSec, want)
		}
	})
}

func TestPropertyNoDoubleCountingAcrossRollover(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l, clk := newTestLedger(t, alwaysFocused)
		if err := l.StartSession(context.Background(), 1, "https://example.com/", ""); err != nil {
			t.Fatalf("start: %v", err)
		}

		var reported int64
		var elapsed time.Duration
		ticks := rapid.IntRange(1, 20).Draw(t, "ticks")
		for i := 0; i < ticks; i++ {
			gap := time.Duration(rapid.Int64Range(1000, 120_000).Draw(t, "gap_ms")) * time.Millisecond
			clk.Advance(gap)
			elapsed += gap

			before, _ := l.Current()
			asOfT1 := telemetry.Format(before, clk.Now())
			ev, ok := l.Rollover()
			if !ok {
				t.Fatalf("expected a snapshot after %v", gap)
			}
			if ev.DurationSec != asOfT1.DurationSec {
				t.Fatalf("snapshot duration %d differs from format %d", ev.DurationSec, asOfT1.DurationSec)
			}
			if ev.DurationSec != int64(gap/time.Second) {
				t.Fatalf("snapshot measured %d, expected %d since the last rollover", ev.DurationSec, int64(gap/time.Second))
			}
			reported += ev.DurationSec
		}

		if reported > int64(elapsed/time.Second) {
			t.Fatalf("reported %d seconds over %v", reported, elapsed)
		}
	})
}

func TestPropertyShortSessionsProduceNoEvents(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l, clk := newTestLedger(t, alwaysFocused)
		if err := l.StartSession(context.Background(), 1, "https://example.com/", ""); err != nil {
			t.Fatalf("start: %v", err)
		}
		clk.Advance(time.Duration(rapid.Int64Range(0, 999).Draw(t, "ms")) * time.Millisecond)
		reason := rapid.SampledFrom([]string{ReasonTabClosed, ReasonPageUnload, ReasonShutdown}).Draw(t, "reason")
		l.CloseSession(reason)

		if n := len(l.DrainClosed()); n != 0 {
			t.Fatalf("expected no events, got %d", n)
		}
	})
}

func TestPropertyAtMostOneOpenSession(t *testing.T) {
	urls := []string{
		"https://a.example/",
		"https://b.example/x",
		"chrome://newtab/",
		"https:///broken",
		"about:blank",
	}

	rapid.Check(t, func(t *rapid.T) {
		l, clk := newTestLedger(t, alwaysFocused)
		ctx := context.Background()

		lastTrackable := -1
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			clk.Advance(time.Duration(rapid.Int64Range(0, 5000).Draw(t, "gap_ms")) * time.Millisecond)
			tab := rapid.IntRange(1, 4).Draw(t, "tab")
			url := rapid.SampledFrom(urls).Draw(t, "url")

			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				if l.StartSession(ctx, tab, url, "") == nil && !IsInternal(url) {
					lastTrackable = tab
				}
			case 1:
				err := l.TabActivated(ctx, tab, url, "")
				switch {
				case err == nil && !IsInternal(url):
					lastTrackable = tab
				default:
					lastTrackable = -1
				}
			case 2:
				before, open := l.Current()
				_ = l.NavigationComplete(ctx, tab, url, "")
				after, _ := l.Current()
				if after != nil && (!open || after.ID != before.ID) {
					lastTrackable = tab
				}
			case 3:
				l.TabRemoved(tab)
				if lastTrackable == tab {
					lastTrackable = -1
				}
			}

			current, ok := l.Current()
			if !ok {
				continue
			}
			if current.TabID != lastTrackable {
				t.Fatalf("open session on tab %d, expected %d", current.TabID, lastTrackable)
			}
		}
	})
}
