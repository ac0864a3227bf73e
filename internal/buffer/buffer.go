// Package buffer is the offline queue of undelivered telemetry events.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/tabtrack/internal/clock"
	"github.com/goodtune/tabtrack/internal/metrics"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long an undelivered event is kept.
const DefaultRetention = 7 * 24 * time.Hour

// Buffer serialises read-modify-write access to the persisted queue.
type Buffer struct {
	store     storage.BufferStore
	retention time.Duration
	clock     clock.Clock
	logger    zerolog.Logger

	mu sync.Mutex
}

// New creates a buffer over store. A non-positive retention selects
// DefaultRetention.
func New(store storage.BufferStore, retention time.Duration, clk clock.Clock, logger zerolog.Logger) *Buffer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Buffer{
		store:     store,
		retention: retention,
		clock:     clk,
		logger:    logger.With().Str("component", "buffer").Logger(),
	}
}

// Append persists events and purges every entry older than the retention
// window, measured from each entry's start timestamp.
func (b *Buffer) Append(ctx context.Context, events []telemetry.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.clock.Now().Add(-b.retention)
	purged, err := b.store.Append(ctx, events, cutoff)
	if err != nil {
		return fmt.Errorf("append to offline buffer: %w", err)
	}
	if purged > 0 {
		b.logger.Info().Int("purged", purged).Time("cutoff", cutoff).Msg("Purged expired buffered events")
	}
	b.logger.Debug().Int("events", len(events)).Msg("Buffered events")
	b.observe(ctx)
	return nil
}

// ReadAll returns every buffered event in insertion order.
func (b *Buffer) ReadAll(ctx context.Context) ([]telemetry.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events, err := b.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read offline buffer: %w", err)
	}
	return events, nil
}

// Clear empties the buffer.
func (b *Buffer) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear offline buffer: %w", err)
	}
	metrics.BufferedEvents.Set(0)
	return nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count offline buffer: %w", err)
	}
	return n, nil
}

func (b *Buffer) observe(ctx context.Context) {
	n, err := b.store.Count(ctx)
	if err != nil {
		return
	}
	metrics.BufferedEvents.Set(float64(n))
}
