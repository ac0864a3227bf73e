package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tabtrack/internal/clock"
	"github.com/goodtune/tabtrack/internal/delivery"
	"github.com/goodtune/tabtrack/internal/host"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/goodtune/tabtrack/internal/storage/bolt"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeCollector struct {
	mu           sync.Mutex
	config       remote.Config
	handshakeErr error
	sendErr      error
	handshakes   []remote.Credentials
	batches      [][]telemetry.Event
	screenshots  [][]byte
	cookieAcks   [][]int64
}

func (f *fakeCollector) Handshake(_ context.Context, creds remote.Credentials, _ string) (*remote.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakes = append(f.handshakes, creds)
	if f.handshakeErr != nil {
		return nil, f.handshakeErr
	}
	cfg := f.config
	cfg.Normalize()
	return &cfg, nil
}

func (f *fakeCollector) SendTelemetry(_ context.Context, _ remote.Credentials, events []telemetry.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]telemetry.Event(nil), events...))
	return f.sendErr
}

func (f *fakeCollector) UploadScreenshot(_ context.Context, _ remote.Credentials, image []byte, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots = append(f.screenshots, image)
	return nil
}

func (f *fakeCollector) AckCookies(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookieAcks = append(f.cookieAcks, ids)
	return nil
}

type sent struct {
	typ  string
	data any
}

type fakeOutbound struct {
	mu       sync.Mutex
	messages []sent
}

func (f *fakeOutbound) Send(typ string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{typ: typ, data: data})
	return nil
}

func (f *fakeOutbound) ofType(typ string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, m := range f.messages {
		if m.typ == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	agent     *Agent
	collector *fakeCollector
	out       *fakeOutbound
	store     storage.Store
	clock     *clock.Fake
}

func newHarness(t *testing.T, fallback remote.Credentials) *harness {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "tabtrack.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return newHarnessWithStore(t, store, fallback)
}

func newHarnessWithStore(t *testing.T, store storage.Store, fallback remote.Credentials) *harness {
	t.Helper()

	h := &harness{
		collector: &fakeCollector{config: remote.Config{Status: remote.StatusActive}},
		out:       &fakeOutbound{},
		store:     store,
		clock:     clock.NewFake(t0),
	}
	a, err := New(Options{
		Store:       store,
		Collector:   h.collector,
		Out:         h.out,
		Clock:       h.clock,
		Fallback:    fallback,
		Version:     "1.0.0",
		RetryDelays: []time.Duration{time.Hour},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.stopRetry()
		a.stopRefresh()
		a.Wait()
	})
	h.agent = a
	return h
}

func message(t *testing.T, typ string, tabID int, data any) host.Message {
	t.Helper()
	msg := host.Message{Type: typ, TabID: tabID}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		msg.Data = raw
	}
	return msg
}

var creds = remote.Credentials{Email: "user@example.com", Token: "t1"}

func TestInitializeAppliesConfig(t *testing.T) {
	h := newHarness(t, creds)
	h.collector.config.IdleThresholdSec = 120
	h.collector.config.BlockingRules = []remote.BlockingRule{
		{Action: "block", Pattern: `ads\.example\.com`},
		{Action: "block", Pattern: `(`},
	}

	require.NoError(t, h.agent.Initialize(context.Background()))
	assert.True(t, h.agent.Ready())

	applied := h.out.ofType(host.TypeApplyConfig)
	require.Len(t, applied, 1)
	payload := applied[0].data.(host.ApplyConfigPayload)
	assert.Equal(t, 120, payload.IdleThresholdSec)
	assert.Equal(t, remote.DefaultScreenshotIntervalSec, payload.ScreenshotIntervalSec)
	require.Len(t, payload.BlockingRules, 1, "invalid rules must not reach the extension")
	assert.Equal(t, `ads\.example\.com`, payload.BlockingRules[0].Pattern)

	snap, err := h.store.State().LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Config)
	assert.Equal(t, "1.0.0", snap.ExtensionVersion)
}

func TestInitializeWithoutCredentialsRequestsToken(t *testing.T) {
	h := newHarness(t, remote.Credentials{})

	err := h.agent.Initialize(context.Background())
	require.ErrorIs(t, err, remote.ErrNoCredentials)
	assert.False(t, h.agent.Ready())
	assert.Len(t, h.out.ofType(host.TypeRefreshToken), 1)
	assert.Empty(t, h.collector.handshakes)
}

func TestIdentityTriggersInitialization(t *testing.T) {
	h := newHarness(t, remote.Credentials{})
	ctx := context.Background()

	err := h.agent.Handle(ctx, message(t, host.TypeIdentity, 0, host.IdentityPayload{
		Email:            "user@example.com",
		AuthToken:        "t1",
		ExtensionVersion: "2.3.4",
	}))
	require.NoError(t, err)

	assert.True(t, h.agent.Ready())
	require.Len(t, h.collector.handshakes, 1)
	assert.Equal(t, "t1", h.collector.handshakes[0].Token)
	assert.Equal(t, "2.3.4", h.agent.Diagnostics(ctx).ExtensionVersion)
}

func TestBannedSuppressesEverything(t *testing.T) {
	h := newHarness(t, creds)
	h.collector.config.Status = remote.StatusBanned
	ctx := context.Background()

	err := h.agent.Initialize(ctx)
	require.ErrorIs(t, err, ErrBanned)
	assert.True(t, h.agent.Banned())

	disabled := h.out.ofType(host.TypeDisabled)
	require.Len(t, disabled, 1)
	assert.Empty(t, h.out.ofType(host.TypeApplyConfig))

	err = h.agent.Handle(ctx, message(t, host.TypeTabActivated, 1, host.TabPayload{URL: "https://example.com/"}))
	require.ErrorIs(t, err, ErrBanned)
	_, open := h.agent.Ledger().Current()
	assert.False(t, open)

	h.clock.Advance(time.Minute)
	h.agent.Tick(ctx)
	assert.Empty(t, h.collector.batches)

	require.ErrorIs(t, h.agent.Initialize(ctx), ErrBanned)
	assert.Len(t, h.collector.handshakes, 1)

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeDiagnosticInfo, 0, nil)))
	diag := h.out.ofType(host.TypeDiagnosticInfo)
	require.Len(t, diag, 1)
	assert.True(t, diag[0].data.(*host.DiagnosticPayload).Banned)
}

func TestTickDeliversClosedSessions(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()
	require.NoError(t, h.agent.Initialize(ctx))

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeWindowFocus, 0, host.WindowFocusPayload{Focused: true})))
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabActivated, 7, host.TabPayload{URL: "https://example.com/a", Title: "A"})))
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeActivity, 7, telemetry.Activity{Clicks: 3})))

	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeNavigationComplete, 7, host.TabPayload{URL: "https://example.com/b"})))

	result := h.agent.Tick(ctx)
	assert.Equal(t, delivery.OutcomeDelivered, result.Outcome)

	require.Len(t, h.collector.batches, 1)
	events := h.collector.batches[0]
	require.Len(t, events, 1)
	assert.Equal(t, "https://example.com/a", events[0].URL)
	assert.Equal(t, int64(5), events[0].DurationSec)
	assert.Equal(t, int64(5), events[0].FocusTimeSec)
	assert.Equal(t, int64(3), events[0].Clicks)
	assert.Equal(t, "1.0.0", events[0].ExtensionVersion)
}

func TestFocusUnknownStartsUnfocused(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabActivated, 1, host.TabPayload{URL: "https://example.com/"})))
	s, ok := h.agent.Ledger().Current()
	require.True(t, ok)
	assert.False(t, s.Focused())
}

func TestUnauthorizedDeliveryBuffersAndRequestsToken(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()
	require.NoError(t, h.agent.Initialize(ctx))

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabActivated, 1, host.TabPayload{URL: "https://example.com/"})))
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabRemoved, 1, nil)))

	h.collector.sendErr = remote.ErrUnauthorized
	result := h.agent.Tick(ctx)
	assert.Equal(t, delivery.OutcomeUnauthorized, result.Outcome)
	assert.Len(t, h.out.ofType(host.TypeRefreshToken), 1)
	assert.Empty(t, h.agent.credentials().Token, "rejected token must not be reused")

	buffered, err := h.store.Buffer().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, buffered)

	h.collector.sendErr = nil
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeIdentity, 0, host.IdentityPayload{
		Email:     "user@example.com",
		AuthToken: "t2",
	})))
	result = h.agent.Tick(ctx)
	assert.Equal(t, delivery.OutcomeDelivered, result.Outcome)
	assert.Equal(t, 1, result.Buffered)

	buffered, err = h.store.Buffer().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, buffered)
}

func TestTickRehydratesFromPersistedState(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "tabtrack.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := newHarnessWithStore(t, store, creds)
	require.NoError(t, first.agent.Initialize(context.Background()))

	second := newHarnessWithStore(t, store, remote.Credentials{})
	ctx := context.Background()
	require.NoError(t, second.agent.Handle(ctx, message(t, host.TypeTabActivated, 1, host.TabPayload{URL: "https://example.com/"})))
	second.clock.Advance(3 * time.Second)

	result := second.agent.Tick(ctx)
	assert.True(t, second.agent.Ready())
	assert.Empty(t, second.collector.handshakes, "restored state needs no handshake")
	assert.Equal(t, delivery.OutcomeDelivered, result.Outcome)
	require.Len(t, second.collector.batches, 1)
	assert.Equal(t, int64(3), second.collector.batches[0][0].DurationSec)
}

func TestFallbackIdentityIsPersisted(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()
	require.NoError(t, h.agent.Initialize(ctx))

	snap, err := h.store.State().LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds.Email, snap.Email)
	assert.Equal(t, creds.Token, snap.AuthToken)

	d, err := Inspect(ctx, h.store, 0)
	require.NoError(t, err)
	assert.Equal(t, creds.Email, d.Email)

	h.agent.unauthorized()
	h.agent.persist(ctx)
	snap, err = h.store.State().LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds.Email, snap.Email)
	assert.Empty(t, snap.AuthToken, "a rejected token is not persisted")
}

func TestPersistedBanIsNotHonoured(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()

	raw, err := json.Marshal(remote.Config{Status: remote.StatusBanned})
	require.NoError(t, err)
	require.NoError(t, h.store.State().SaveSnapshot(ctx, storage.Snapshot{
		Email:     creds.Email,
		AuthToken: creds.Token,
		Config:    raw,
	}))

	assert.False(t, h.agent.restore(ctx))
	assert.False(t, h.agent.Banned())
}

func TestScreenshotAndCookiesUpload(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeScreenshot, 0, host.ScreenshotPayload{
		DataURL: "data:image/png;base64,aGVsbG8=",
		TS:      float64(t0.UnixMilli()),
	})))
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeCookiesInjected, 0, host.CookiesInjectedPayload{CookieIDs: []int64{4, 5}})))
	h.agent.Wait()

	h.collector.mu.Lock()
	defer h.collector.mu.Unlock()
	require.Len(t, h.collector.screenshots, 1)
	assert.Equal(t, []byte("hello"), h.collector.screenshots[0])
	require.Len(t, h.collector.cookieAcks, 1)
	assert.Equal(t, []int64{4, 5}, h.collector.cookieAcks[0])
}

func TestScreenshotRejectsBadDataURL(t *testing.T) {
	h := newHarness(t, creds)

	err := h.agent.Handle(context.Background(), message(t, host.TypeScreenshot, 0, host.ScreenshotPayload{DataURL: "not-a-data-url"}))
	require.ErrorIs(t, err, host.ErrInvalidDataURL)
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t, creds)

	err := h.agent.Handle(context.Background(), host.Message{Type: "NOPE"})
	require.Error(t, err)
}

func TestDiagnosticsDescribeOpenSession(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()
	require.NoError(t, h.agent.Initialize(ctx))
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabActivated, 9, host.TabPayload{URL: "https://docs.example.org/x"})))

	d := h.agent.Diagnostics(ctx)
	assert.Equal(t, remote.StatusActive, d.Status)
	assert.Equal(t, creds.Email, d.Email)
	require.NotNil(t, d.Session)
	assert.Equal(t, 9, d.Session.TabID)
	assert.Equal(t, "docs.example.org", d.Session.Domain)
}

func TestDiagnosticsReportIdleAndActivity(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabActivated, 2, host.TabPayload{URL: "https://example.com/"})))

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeActivity, 2, host.ActivityPayload{})))
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeActivity, 2, host.ActivityPayload{Clicks: 2})))
	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeIdleState, 0, host.IdleStatePayload{State: "idle"})))

	d := h.agent.Diagnostics(ctx)
	assert.True(t, d.Idle)
	require.NotNil(t, d.Session)
	assert.True(t, d.Session.Idle)
}

func TestShutdownDeliversOpenSession(t *testing.T) {
	h := newHarness(t, creds)
	ctx := context.Background()
	require.NoError(t, h.agent.Initialize(ctx))

	require.NoError(t, h.agent.Handle(ctx, message(t, host.TypeTabActivated, 1, host.TabPayload{URL: "https://example.com/"})))
	h.clock.Advance(4 * time.Second)

	h.agent.Shutdown()

	require.Len(t, h.collector.batches, 1)
	assert.Equal(t, int64(4), h.collector.batches[0][0].DurationSec)
	_, open := h.agent.Ledger().Current()
	assert.False(t, open)
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	h := newHarness(t, creds)
	in := make(chan host.Message, 2)
	in <- message(t, host.TypeTabActivated, 1, host.TabPayload{URL: "https://example.com/"})
	close(in)

	done := make(chan error, 1)
	go func() { done <- h.agent.Run(context.Background(), in) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after input closed")
	}
	assert.Len(t, h.collector.handshakes, 1)
	assert.Len(t, h.out.ofType(host.TypeApplyConfig), 1)
}
