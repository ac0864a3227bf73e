// Package agent coordinates the session ledger, the delivery pipeline and
// the collector on behalf of one extension connection.
//
// All exported methods except Wait must be called from a single goroutine.
// Run does exactly that: it owns every timer and serialises inbound
// messages with scheduled work.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/tabtrack/internal/buffer"
	"github.com/goodtune/tabtrack/internal/clock"
	"github.com/goodtune/tabtrack/internal/delivery"
	"github.com/goodtune/tabtrack/internal/host"
	"github.com/goodtune/tabtrack/internal/ledger"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/retry"
	"github.com/goodtune/tabtrack/internal/rules"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/rs/zerolog"
)

// ErrBanned is returned once the collector has disabled this profile.
var ErrBanned = errors.New("agent: disabled by collector")

var errFocusUnknown = errors.New("agent: window focus not reported yet")

const (
	// DefaultTelemetryInterval is the delivery cadence.
	DefaultTelemetryInterval = time.Minute

	// DiagnosticLogLines is the number of debug log lines in diagnostics.
	DiagnosticLogLines = 50

	shutdownTimeout   = 10 * time.Second
	backgroundTimeout = 30 * time.Second
)

const (
	focusUnknown int32 = iota
	focusOff
	focusOn
)

// Collector is the remote API used by the agent.
type Collector interface {
	delivery.Sender
	Handshake(ctx context.Context, creds remote.Credentials, version string) (*remote.Config, error)
	UploadScreenshot(ctx context.Context, creds remote.Credentials, image []byte, contentType string, takenAt time.Time) error
	AckCookies(ctx context.Context, ids []int64) error
}

// Outbound sends typed messages to the extension.
type Outbound interface {
	Send(typ string, data any) error
}

// Options configures an Agent.
type Options struct {
	Store     storage.Store
	Collector Collector
	Out       Outbound
	Rules     *rules.Compiler
	Clock     clock.Clock

	// Fallback credentials are used until the extension reports an identity.
	Fallback remote.Credentials
	Version  string

	MinSessionDuration time.Duration
	TelemetryInterval  time.Duration
	ConfigRefresh      time.Duration
	Retention          time.Duration
	RetryDelays        []time.Duration
}

// Agent is the coordinator.
type Agent struct {
	opts   Options
	logger zerolog.Logger
	clock  clock.Clock

	ledger   *ledger.Ledger
	buffer   *buffer.Buffer
	pipeline *delivery.Pipeline
	retry    *retry.Schedule

	creds    remote.Credentials
	rejected string
	version  string
	config   *remote.Config
	rules    *rules.Set
	ready    bool
	banned   bool
	focus    atomic.Int32

	interval     time.Duration
	ticker       *time.Ticker
	retryTimer   *time.Timer
	refreshTimer *time.Timer

	wg sync.WaitGroup
}

// New creates an agent.
func New(opts Options, logger zerolog.Logger) (*Agent, error) {
	if opts.Store == nil || opts.Collector == nil || opts.Out == nil {
		return nil, fmt.Errorf("agent: store, collector and outbound are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Rules == nil {
		compiler, err := rules.NewCompiler(rules.DefaultCacheSize, logger)
		if err != nil {
			return nil, err
		}
		opts.Rules = compiler
	}
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = DefaultTelemetryInterval
	}
	if opts.ConfigRefresh <= 0 {
		opts.ConfigRefresh = remote.DefaultConfigRefreshSec * time.Second
	}

	a := &Agent{
		opts:     opts,
		logger:   logger.With().Str("component", "agent").Logger(),
		clock:    opts.Clock,
		retry:    retry.NewSchedule(opts.RetryDelays),
		version:  opts.Version,
		interval: opts.TelemetryInterval,
	}
	a.ledger = ledger.New(ledger.Config{
		MinSessionDuration: opts.MinSessionDuration,
		Version:            opts.Version,
	}, opts.Clock, ledger.FocusProbeFunc(a.windowFocused), logger)
	a.buffer = buffer.New(opts.Store.Buffer(), opts.Retention, opts.Clock, logger)
	a.pipeline = delivery.New(delivery.Options{
		Source:         a.ledger,
		Buffer:         a.buffer,
		Sender:         opts.Collector,
		Retry:          a.retry,
		Credentials:    a.credentials,
		OnUnauthorized: a.unauthorized,
	}, logger)
	return a, nil
}

// Ledger exposes the session ledger.
func (a *Agent) Ledger() *ledger.Ledger {
	return a.ledger
}

// Ready reports whether an operating configuration is in effect.
func (a *Agent) Ready() bool {
	return a.ready
}

// Banned reports whether the kill switch is engaged.
func (a *Agent) Banned() bool {
	return a.banned
}

// Run restores persisted state, initializes and then serves messages and
// timers until ctx is cancelled or in is closed. A final delivery is
// attempted before it returns.
func (a *Agent) Run(ctx context.Context, in <-chan host.Message) error {
	a.ready = a.restore(ctx)

	a.ticker = time.NewTicker(a.interval)
	defer a.ticker.Stop()

	if err := a.Initialize(ctx); err != nil {
		a.initFailed(err)
	}

	for {
		var tickC, retryC, refreshC <-chan time.Time
		if !a.banned {
			tickC = a.ticker.C
		}
		if a.retryTimer != nil {
			retryC = a.retryTimer.C
		}
		if a.refreshTimer != nil {
			refreshC = a.refreshTimer.C
		}

		select {
		case <-ctx.Done():
			a.Shutdown()
			return nil
		case msg, ok := <-in:
			if !ok {
				a.Shutdown()
				return nil
			}
			if err := a.Handle(ctx, msg); err != nil {
				a.logger.Debug().Err(err).Str("type", msg.Type).Msg("Message not applied")
			}
		case <-tickC:
			a.Tick(ctx)
		case <-retryC:
			a.retryTimer = nil
			if err := a.Initialize(ctx); err != nil {
				a.initFailed(err)
			}
		case <-refreshC:
			a.refreshTimer = nil
			a.Refresh(ctx)
		}
	}
}

// Initialize performs the handshake, applies the configuration, flushes the
// offline buffer and resets the retry schedule.
func (a *Agent) Initialize(ctx context.Context) error {
	if a.banned {
		return ErrBanned
	}

	creds := a.credentials()
	if !creds.Valid() {
		a.requestToken()
		return remote.ErrNoCredentials
	}

	cfg, err := a.opts.Collector.Handshake(ctx, creds, a.version)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			a.unauthorized()
		}
		return fmt.Errorf("handshake: %w", err)
	}
	if err := a.apply(ctx, cfg); err != nil {
		return err
	}

	a.ready = true
	a.stopRetry()
	a.armRefresh()

	if result, err := a.pipeline.FlushBuffer(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Failed to flush offline buffer")
	} else if result.Outcome == delivery.OutcomeDelivered {
		a.logger.Info().Int("events", result.Events).Msg("Offline buffer flushed")
	}
	a.retry.Reset()

	a.logger.Info().
		Str("email", creds.Email).
		Str("version", a.version).
		Int("rules", a.rules.Len()).
		Msg("Initialized")
	return nil
}

// Refresh re-runs the handshake and applies the new configuration.
func (a *Agent) Refresh(ctx context.Context) {
	if a.banned {
		return
	}
	defer func() {
		if !a.banned {
			a.armRefresh()
		}
	}()

	creds := a.credentials()
	if !creds.Valid() {
		a.requestToken()
		return
	}

	cfg, err := a.opts.Collector.Handshake(ctx, creds, a.version)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			a.unauthorized()
		}
		a.logger.Warn().Err(err).Msg("Config refresh failed")
		return
	}
	if err := a.apply(ctx, cfg); err != nil {
		return
	}
	a.ready = true
	a.logger.Debug().Int("rules", a.rules.Len()).Msg("Config refreshed")
}

// Tick runs one delivery cycle. When no configuration is in memory the
// persisted state is restored first, and a handshake is attempted when
// nothing was persisted and no retry is pending.
func (a *Agent) Tick(ctx context.Context) delivery.Result {
	if a.banned {
		return delivery.Result{}
	}

	if !a.ready {
		if a.restore(ctx) {
			a.ready = true
			a.armRefresh()
		} else if a.retryTimer == nil {
			if err := a.Initialize(ctx); err != nil {
				a.initFailed(err)
			}
		}
		if a.banned {
			return delivery.Result{}
		}
	}

	result, err := a.pipeline.Tick(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Delivery cycle failed")
	}
	return result
}

// Shutdown closes the open session and attempts a final delivery.
func (a *Agent) Shutdown() {
	a.stopRetry()
	a.stopRefresh()

	if !a.banned {
		a.ledger.CloseSession(ledger.ReasonShutdown)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if _, err := a.pipeline.Tick(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Final delivery failed")
		}
	}

	a.Wait()
	a.logger.Info().Msg("Agent stopped")
}

// Wait blocks until background uploads have finished.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Handle applies one message from the extension.
func (a *Agent) Handle(ctx context.Context, msg host.Message) error {
	if a.banned && msg.Type != host.TypeDiagnosticInfo {
		return ErrBanned
	}

	switch msg.Type {
	case host.TypeTabActivated:
		var p host.TabPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return a.ledger.TabActivated(ctx, msg.TabID, p.URL, p.Title)

	case host.TypeNavigationComplete:
		var p host.TabPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return a.ledger.NavigationComplete(ctx, msg.TabID, p.URL, p.Title)

	case host.TypeTabRemoved:
		a.ledger.TabRemoved(msg.TabID)

	case host.TypeWindowFocus:
		var p host.WindowFocusPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if p.Focused {
			a.focus.Store(focusOn)
		} else {
			a.focus.Store(focusOff)
		}
		a.ledger.WindowFocusChanged(p.Focused)

	case host.TypeIdleState:
		var p host.IdleStatePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.ledger.IdleStateChanged(p.State)

	case host.TypeActivity:
		var p host.ActivityPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if p.Empty() {
			break
		}
		if !a.ledger.MergeActivity(msg.TabID, p) {
			a.logger.Debug().Int("tab", msg.TabID).Msg("Activity for untracked tab ignored")
		}

	case host.TypeVisibilityChange:
		var p host.VisibilityPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.ledger.VisibilityChanged(msg.TabID, p.Visible)

	case host.TypePageUnload:
		a.ledger.PageUnload(msg.TabID)

	case host.TypeIdentity:
		var p host.IdentityPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return a.identity(ctx, p)

	case host.TypeScreenshot:
		var p host.ScreenshotPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return a.screenshot(p)

	case host.TypeCookiesInjected:
		var p host.CookiesInjectedPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.ackCookies(p.CookieIDs)

	case host.TypeDiagnosticInfo:
		return a.opts.Out.Send(host.TypeDiagnosticInfo, a.Diagnostics(ctx))

	case host.TypeFlush:
		a.Tick(ctx)

	default:
		return fmt.Errorf("agent: unknown message type %q", msg.Type)
	}
	return nil
}

// Diagnostics describes the current state of the agent.
func (a *Agent) Diagnostics(ctx context.Context) *host.DiagnosticPayload {
	d := &host.DiagnosticPayload{
		Email:            a.credentials().Email,
		ExtensionVersion: a.version,
		Status:           a.status(),
		Banned:           a.banned,
		Idle:             a.ledger.Idle(),
		PendingEvents:    a.ledger.Pending(),
		RetryAttempts:    a.retry.Attempts(),
		BlockingRules:    a.rules.Len(),
	}
	if n, err := a.buffer.Len(ctx); err == nil {
		d.BufferSize = n
	}
	if s, ok := a.ledger.Current(); ok {
		d.Session = sessionInfo(s)
	}
	if entries, err := a.opts.Store.DebugLog().Tail(ctx, DiagnosticLogLines); err == nil {
		d.DebugLog = entries
	}
	return d
}

func (a *Agent) status() string {
	switch {
	case a.banned:
		return remote.StatusBanned
	case a.ready && a.config != nil:
		return a.config.Status
	default:
		return "initializing"
	}
}

func (a *Agent) identity(ctx context.Context, p host.IdentityPayload) error {
	a.creds = remote.Credentials{Email: p.Email, Token: p.AuthToken}
	if p.AuthToken != "" {
		a.rejected = ""
	}
	if p.ExtensionVersion != "" {
		a.version = p.ExtensionVersion
		a.ledger.SetVersion(p.ExtensionVersion)
	}
	a.persist(ctx)

	a.logger.Info().
		Str("email", p.Email).
		Str("version", a.version).
		Bool("token", p.AuthToken != "").
		Msg("Identity received")

	if a.ready || !a.credentials().Valid() {
		return nil
	}
	if err := a.Initialize(ctx); err != nil {
		a.initFailed(err)
		return err
	}
	return nil
}

func (a *Agent) screenshot(p host.ScreenshotPayload) error {
	contentType, image, err := p.Image()
	if err != nil {
		return err
	}
	creds := a.credentials()
	if !creds.Valid() {
		return remote.ErrNoCredentials
	}
	takenAt := a.clock.Now()
	if p.TS > 0 {
		takenAt = time.UnixMilli(int64(p.TS)).UTC()
	}

	a.background(func(ctx context.Context) {
		if err := a.opts.Collector.UploadScreenshot(ctx, creds, image, contentType, takenAt); err != nil {
			a.logger.Warn().Err(err).Int("bytes", len(image)).Msg("Screenshot upload failed")
			return
		}
		a.logger.Debug().Int("bytes", len(image)).Msg("Screenshot uploaded")
	})
	return nil
}

func (a *Agent) ackCookies(ids []int64) {
	if len(ids) == 0 {
		return
	}
	a.background(func(ctx context.Context) {
		if err := a.opts.Collector.AckCookies(ctx, ids); err != nil {
			a.logger.Warn().Err(err).Int("cookies", len(ids)).Msg("Cookie acknowledgement failed")
		}
	})
}

func (a *Agent) background(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// apply installs a handshake configuration and forwards it to the
// extension.
func (a *Agent) apply(ctx context.Context, cfg *remote.Config) error {
	if cfg.Banned() {
		a.disable()
		return backoff.Permanent(ErrBanned)
	}

	// The compiler logs every rule it skips
	set, _ := a.opts.Rules.Compile(cfg.BlockingRules)
	a.config = cfg
	a.rules = set

	if cfg.TelemetryIntervalSec > 0 {
		a.setInterval(time.Duration(cfg.TelemetryIntervalSec) * time.Second)
	}

	if err := a.opts.Out.Send(host.TypeApplyConfig, host.ApplyConfigPayload{
		IdleThresholdSec:      cfg.IdleThresholdSec,
		ScreenshotIntervalSec: cfg.ScreenshotInterval(),
		Cookies:               cfg.Cookies,
		BlockingRules:         set.Rules(),
	}); err != nil {
		a.logger.Error().Err(err).Msg("Failed to send config to extension")
	}

	a.persist(ctx)
	return nil
}

// disable engages the kill switch for the rest of the process lifetime.
func (a *Agent) disable() {
	if a.banned {
		return
	}
	a.banned = true
	a.ready = false
	a.stopRetry()
	a.stopRefresh()
	if a.ticker != nil {
		a.ticker.Stop()
	}

	a.ledger.CloseSession(ledger.ReasonShutdown)
	dropped := len(a.ledger.DrainClosed())

	if err := a.opts.Out.Send(host.TypeDisabled, host.DisabledPayload{Reason: remote.StatusBanned}); err != nil {
		a.logger.Error().Err(err).Msg("Failed to notify extension of kill switch")
	}
	a.logger.Warn().Int("dropped", dropped).Msg("Disabled by collector")
}

// restore loads persisted state into memory. It reports whether a usable
// configuration was restored. A persisted ban is not honoured; only a live
// handshake can disable the agent.
func (a *Agent) restore(ctx context.Context) bool {
	snap, err := a.opts.Store.State().LoadSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Error().Err(err).Msg("Failed to load persisted state")
		}
		return false
	}

	if !a.creds.Valid() && snap.HasCredentials() {
		a.creds = remote.Credentials{Email: snap.Email, Token: snap.AuthToken}
	}
	if snap.ExtensionVersion != "" && a.version == a.opts.Version {
		a.version = snap.ExtensionVersion
		a.ledger.SetVersion(snap.ExtensionVersion)
	}

	if len(snap.Config) == 0 {
		return false
	}
	var cfg remote.Config
	if err := json.Unmarshal(snap.Config, &cfg); err != nil {
		a.logger.Warn().Err(err).Msg("Discarding unreadable persisted config")
		return false
	}
	cfg.Normalize()
	if cfg.Banned() {
		return false
	}
	if err := a.apply(ctx, &cfg); err != nil {
		return false
	}
	a.logger.Debug().Time("saved_at", snap.SavedAt).Msg("Restored persisted state")
	return true
}

// persist saves the effective credentials, so a configured fallback identity
// is recorded too. A rejected token is never written.
func (a *Agent) persist(ctx context.Context) {
	creds := a.credentials()
	snap := storage.Snapshot{
		Email:            creds.Email,
		AuthToken:        creds.Token,
		ExtensionVersion: a.version,
		SavedAt:          a.clock.Now(),
	}
	if a.config != nil {
		raw, err := json.Marshal(a.config)
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to encode config")
		} else {
			snap.Config = raw
		}
	}
	if err := a.opts.Store.State().SaveSnapshot(ctx, snap); err != nil {
		a.logger.Error().Err(err).Msg("Failed to persist state")
	}
}

// credentials returns the identity for the next request. A token the
// collector has rejected is never offered again.
func (a *Agent) credentials() remote.Credentials {
	creds := a.creds
	if !creds.Valid() && a.opts.Fallback.Valid() {
		creds = a.opts.Fallback
	}
	if a.rejected != "" && creds.Token == a.rejected {
		creds.Token = ""
	}
	return creds
}

// unauthorized drops the cached token and asks the extension for a new one.
func (a *Agent) unauthorized() {
	if token := a.credentials().Token; token != "" {
		a.rejected = token
	}
	a.creds.Token = ""
	a.logger.Warn().Msg("Collector rejected credentials")
	a.requestToken()
}

func (a *Agent) requestToken() {
	if err := a.opts.Out.Send(host.TypeRefreshToken, nil); err != nil {
		a.logger.Error().Err(err).Msg("Failed to request token refresh")
	}
}

func (a *Agent) initFailed(err error) {
	if errors.Is(err, ErrBanned) {
		return
	}
	delay := a.retry.NextBackOff()
	a.stopRetry()
	a.retryTimer = time.NewTimer(delay)
	a.logger.Warn().
		Err(err).
		Int("attempt", a.retry.Attempts()).
		Dur("retry_in", delay).
		Msg("Initialization failed")
}

func (a *Agent) armRefresh() {
	every := a.opts.ConfigRefresh
	if a.config != nil && a.config.ConfigRefreshSec > 0 {
		every = time.Duration(a.config.ConfigRefreshSec) * time.Second
	}
	a.stopRefresh()
	a.refreshTimer = time.NewTimer(every)
}

func (a *Agent) stopRetry() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}

func (a *Agent) stopRefresh() {
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
		a.refreshTimer = nil
	}
}

func (a *Agent) setInterval(d time.Duration) {
	if d == a.interval {
		return
	}
	a.interval = d
	if a.ticker != nil {
		a.ticker.Reset(d)
	}
	a.logger.Debug().Dur("interval", d).Msg("Telemetry interval changed")
}

func (a *Agent) windowFocused(context.Context) (bool, error) {
	switch a.focus.Load() {
	case focusOn:
		return true, nil
	case focusOff:
		return false, nil
	default:
		return false, errFocusUnknown
	}
}

func sessionInfo(s *telemetry.Session) *host.SessionInfo {
	return &host.SessionInfo{
		SessionID: s.ID,
		TabID:     s.TabID,
		Domain:    s.Domain,
		StartTS:   s.StartedAt.UTC().Format(telemetry.TimestampLayout),
		Focused:   s.Focused(),
		Idle:      s.Idle,
	}
}
