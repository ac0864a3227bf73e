// Package delivery batches telemetry and hands it to the collector,
// diverting anything undeliverable to the offline buffer.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/tabtrack/internal/buffer"
	"github.com/goodtune/tabtrack/internal/metrics"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/rs/zerolog"
)

// Outcome describes what a delivery cycle did with its batch.
type Outcome string

const (
	OutcomeEmpty         Outcome = "empty"
	OutcomeDelivered     Outcome = "delivered"
	OutcomeDiverted      Outcome = "diverted"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeNoCredentials Outcome = "no_credentials"
)

// Source yields closed-session events and rollover snapshots.
type Source interface {
	DrainClosed() []telemetry.Event
	Rollover() (telemetry.Event, bool)
}

// Sender delivers a batch to the collector.
type Sender interface {
	SendTelemetry(ctx context.Context, creds remote.Credentials, events []telemetry.Event) error
}

// Resetter is reset after every successful delivery.
type Resetter interface {
	Reset()
}

// Options configures a Pipeline.
type Options struct {
	Source Source
	Buffer *buffer.Buffer
	Sender Sender
	Retry  Resetter

	// Credentials returns the credentials for the next request.
	Credentials func() remote.Credentials

	// OnUnauthorized is called when the collector rejects the credentials.
	OnUnauthorized func()
}

// Result summarises one delivery cycle.
type Result struct {
	Outcome  Outcome
	Events   int
	Buffered int
}

// Pipeline runs delivery cycles. Cycles never overlap.
type Pipeline struct {
	opts   Options
	logger zerolog.Logger
	mu     sync.Mutex
}

// New creates a pipeline.
func New(opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Credentials == nil {
		opts.Credentials = func() remote.Credentials { return remote.Credentials{} }
	}
	return &Pipeline{
		opts:   opts,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// Tick drains the closed queue, snapshots the open session, adds the offline
// buffer and delivers the lot. On success the buffer is cleared; on any
// failure the fresh events join the buffer, which then holds the whole
// batch.
func (p *Pipeline) Tick(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := p.opts.Source.DrainClosed()
	if snapshot, ok := p.opts.Source.Rollover(); ok {
		fresh = append(fresh, snapshot)
	}

	// An unreadable buffer is left alone; clearing it would drop events
	// that were never part of the batch.
	buffered, err := p.opts.Buffer.ReadAll(ctx)
	readOK := err == nil
	if !readOK {
		p.logger.Error().Err(err).Msg("Failed to read offline buffer")
		buffered = nil
	}

	batch := make([]telemetry.Event, 0, len(fresh)+len(buffered))
	batch = append(batch, fresh...)
	batch = append(batch, buffered...)
	result := Result{Events: len(batch), Buffered: len(buffered)}

	if len(batch) == 0 {
		result.Outcome = OutcomeEmpty
		return result, nil
	}

	outcome, sendErr := p.send(ctx, batch, readOK)
	result.Outcome = outcome
	if outcome == OutcomeDelivered {
		return result, nil
	}

	if err := p.divert(ctx, fresh); err != nil {
		return result, err
	}
	p.logger.Warn().
		Err(sendErr).
		Str("outcome", string(outcome)).
		Int("events", len(batch)).
		Msg("Telemetry diverted to offline buffer")
	return result, nil
}

// FlushBuffer delivers only the buffered events. Nothing is re-appended on
// failure since the events are already buffered.
func (p *Pipeline) FlushBuffer(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buffered, err := p.opts.Buffer.ReadAll(ctx)
	if err != nil {
		return Result{}, err
	}
	result := Result{Events: len(buffered), Buffered: len(buffered)}
	if len(buffered) == 0 {
		result.Outcome = OutcomeEmpty
		return result, nil
	}

	outcome, sendErr := p.send(ctx, buffered, true)
	result.Outcome = outcome
	if outcome != OutcomeDelivered {
		p.logger.Info().
			Err(sendErr).
			Str("outcome", string(outcome)).
			Int("events", len(buffered)).
			Msg("Offline buffer flush deferred")
	}
	return result, nil
}

func (p *Pipeline) send(ctx context.Context, batch []telemetry.Event, clearBuffer bool) (Outcome, error) {
	creds := p.opts.Credentials()
	if !creds.Valid() {
		metrics.DeliveryFailures.WithLabelValues("no_credentials").Inc()
		return OutcomeNoCredentials, remote.ErrNoCredentials
	}

	err := p.opts.Sender.SendTelemetry(ctx, creds, batch)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrUnauthorized):
		metrics.DeliveryFailures.WithLabelValues("unauthorized").Inc()
		if p.opts.OnUnauthorized != nil {
			p.opts.OnUnauthorized()
		}
		return OutcomeUnauthorized, err
	default:
		metrics.DeliveryFailures.WithLabelValues(remote.FailureReason(err)).Inc()
		return OutcomeDiverted, err
	}

	if clearBuffer {
		if err := p.opts.Buffer.Clear(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Failed to clear offline buffer after delivery")
		}
	}
	if p.opts.Retry != nil {
		p.opts.Retry.Reset()
	}
	metrics.EventsDelivered.Add(float64(len(batch)))
	p.logger.Info().Int("events", len(batch)).Msg("Telemetry delivered")
	return OutcomeDelivered, nil
}

func (p *Pipeline) divert(ctx context.Context, fresh []telemetry.Event) error {
	if len(fresh) == 0 {
		return nil
	}
	if err := p.opts.Buffer.Append(ctx, fresh); err != nil {
		p.logger.Error().Err(err).Int("events", len(fresh)).Msg("Failed to buffer undelivered telemetry")
		return fmt.Errorf("divert %d events: %w", len(fresh), err)
	}
	return nil
}
